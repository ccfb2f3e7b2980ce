// Package audit records every stage transition and every provider call
// for traceability. Recording is best-effort: a failing audit sink must
// never fail the pipeline.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forgeline/reqforge/internal/urs"
)

// TokenUsage is the per-call accounting attached to LLM audit events.
type TokenUsage struct {
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Latency   time.Duration `json:"latency_ms"`
}

// Event is one audit record.
type Event struct {
	ID             string             `json:"id"`
	Actor          string             `json:"actor"`
	Action         string             `json:"action"`
	ResourceID     string             `json:"resource_id"`
	Classification urs.Classification `json:"classification,omitempty"`
	TokenUsage     *TokenUsage        `json:"token_usage,omitempty"`
	RequestHash    string             `json:"request_hash,omitempty"`
	ResponseHash   string             `json:"response_hash,omitempty"`
	Error          string             `json:"error,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Logger is the audit sink contract. Record is fire-and-forget.
type Logger interface {
	Record(ctx context.Context, ev Event)
}

// Hash returns the SHA-256 hex digest of a payload, so request and
// response content can be verified later without storing it.
func Hash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SlogLogger writes audit events to structured logs. It is the default
// sink when no NATS server is configured.
type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Record(ctx context.Context, ev Event) {
	attrs := []any{
		"audit_id", ev.ID,
		"actor", ev.Actor,
		"action", ev.Action,
		"resource_id", ev.ResourceID,
	}
	if ev.Classification != "" {
		attrs = append(attrs, "classification", string(ev.Classification))
	}
	if ev.TokenUsage != nil {
		attrs = append(attrs,
			"tokens_in", ev.TokenUsage.TokensIn,
			"tokens_out", ev.TokenUsage.TokensOut,
			"latency_ms", ev.TokenUsage.Latency.Milliseconds(),
		)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	l.logger.Info("audit", attrs...)
}

// Publisher is the subset of the NATS connection the audit logger uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSLogger publishes audit events to reqforge.audit.<action>.
type NATSLogger struct {
	pub    Publisher
	logger *slog.Logger
}

func NewNATSLogger(pub Publisher, logger *slog.Logger) *NATSLogger {
	return &NATSLogger{pub: pub, logger: logger}
}

func (l *NATSLogger) Record(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("audit marshal failed", "action", ev.Action, "error", err)
		return
	}
	if err := l.pub.Publish("reqforge.audit."+ev.Action, payload); err != nil {
		// Best-effort by contract: log and move on.
		l.logger.Warn("audit publish failed", "action", ev.Action, "error", err)
	}
}
