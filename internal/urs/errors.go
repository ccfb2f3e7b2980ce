package urs

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pipeline and its collaborators.
var (
	ErrNoContent           = errors.New("no content to chunk")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limit wait exceeded")
	ErrProviderUnavailable = errors.New("provider circuit open")
	ErrCancelled           = errors.New("session cancelled")
)

// ValidationError reports malformed input or a broken invariant.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// OrphanCitationError reports a citation whose chunk does not exist in
// the owning session's chunk set.
type OrphanCitationError struct {
	ChunkID       string
	RequirementID string
}

func (e *OrphanCitationError) Error() string {
	return fmt.Sprintf("orphan citation: requirement %s cites unknown chunk %s", e.RequirementID, e.ChunkID)
}

// PolicyViolationError reports a classification gate block. Never
// retried; raised before any network effect occurs.
type PolicyViolationError struct {
	Classification Classification
	Provider       string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s data may not be sent to external provider %s", e.Classification, e.Provider)
}

// StateError reports an out-of-order stage call. Never retried.
type StateError struct {
	SessionID string
	From      State
	Requested string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition: session %s cannot %s from %s", e.SessionID, e.Requested, e.From)
}

// ProviderError wraps a failure from an LLM provider. Transient
// failures (timeouts, 5xx, provider-side rate limits) are retried
// inside the stage executor; permanent ones surface immediately.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s: %s failure: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SchemaError reports provider output that failed structural validation
// after the allowed repair re-prompts.
type SchemaError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("stage %s: output failed schema validation after %d repair attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidateCitations enforces the citation invariants: every
// non-assumption requirement must cite at least one chunk present in
// the chunk set, and a requirement with no valid chunk citation must
// have every reference flagged as an assumption with low confidence.
func ValidateCitations(doc *Document, chunkSet map[string]Chunk) error {
	for _, req := range doc.Requirements {
		if req.IsAssumption() {
			if req.Confidence != ConfidenceLow {
				return &ValidationError{Msg: fmt.Sprintf("requirement %s has no chunk backing but confidence %q, want low", req.ID, req.Confidence)}
			}
			continue
		}
		cited := false
		for _, src := range req.Sources {
			if src.IsAssumption {
				continue
			}
			if _, ok := chunkSet[src.ChunkID]; !ok {
				return &OrphanCitationError{ChunkID: src.ChunkID, RequirementID: req.ID}
			}
			cited = true
		}
		if !cited {
			return &ValidationError{Msg: fmt.Sprintf("requirement %s has no non-assumption citation", req.ID)}
		}
	}
	return nil
}
