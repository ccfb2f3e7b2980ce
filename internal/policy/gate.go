// Package policy enforces the data classification gate in front of
// external model calls. The gate fails closed: confidential material is
// blocked before any network effect occurs.
package policy

import (
	"log/slog"

	"github.com/forgeline/reqforge/internal/urs"
)

// ProviderInfo is what the gate needs to know about a provider.
type ProviderInfo interface {
	Name() string
	External() bool
}

// Gate decides whether a session's data may be routed to a provider.
type Gate struct {
	logger *slog.Logger
}

func NewGate(logger *slog.Logger) *Gate {
	return &Gate{logger: logger}
}

// Check returns nil when class may be sent to the provider, or a
// PolicyViolationError when it may not. Checked once per stage
// transition, before dispatch, because different stages could route to
// different providers.
func (g *Gate) Check(class urs.Classification, provider ProviderInfo) error {
	if class == urs.ClassConfidential && provider.External() {
		g.logger.Warn("classification gate blocked external call",
			"classification", string(class),
			"provider", provider.Name(),
		)
		return &urs.PolicyViolationError{Classification: class, Provider: provider.Name()}
	}
	return nil
}
