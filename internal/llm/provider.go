// Package llm defines the text-generation provider contract and its two
// implementations: a real Anthropic-backed client and a deterministic
// offline mock. Both satisfy the identical interface so the rest of the
// pipeline can run fully offline.
package llm

import "context"

// Request is one generation call dispatched by the stage executor.
type Request struct {
	Stage     string // normalize, clarify, generate, qa
	System    string
	Prompt    string
	MaxTokens int
}

// Result is the provider's response plus token accounting.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
}

// Provider is the pluggable generation backend. Implementations must be
// safe for concurrent use by many sessions.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Name() string
	// External reports whether calls leave the local process/network
	// boundary. The classification gate blocks confidential data from
	// external providers.
	External() bool
}
