// Package executor wraps every LLM call behind one uniform, retrying,
// rate-limited entry point. One Executor exists per provider and is
// shared by all sessions; the token bucket and circuit breaker are the
// only cross-session mutable state in the pipeline.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgeline/reqforge/internal/audit"
	"github.com/forgeline/reqforge/internal/llm"
	"github.com/forgeline/reqforge/internal/urs"
)

// Config carries the executor's resilience knobs.
type Config struct {
	MaxAttempts      int           // total provider attempts per call
	BaseBackoff      time.Duration // doubled per retry, ±20% jitter
	CallTimeout      time.Duration // per-attempt provider timeout
	RateLimit        float64       // tokens per second
	RateBurst        int
	RateWait         time.Duration // max wait for a rate-limit slot
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RepairAttempts   int // schema-repair re-prompts before giving up
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseBackoff:      500 * time.Millisecond,
		CallTimeout:      60 * time.Second,
		RateLimit:        2,
		RateBurst:        4,
		RateWait:         30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		RepairAttempts:   2,
	}
}

// Usage is the per-call accounting surfaced to the audit collaborator.
type Usage struct {
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
	Attempts  int
}

// Executor dispatches stage calls to one provider.
type Executor struct {
	provider llm.Provider
	limiter  *rate.Limiter
	breaker  *breaker
	audit    audit.Logger
	logger   *slog.Logger
	cfg      Config

	sleep func(ctx context.Context, d time.Duration) error
}

func New(provider llm.Provider, auditLog audit.Logger, logger *slog.Logger, cfg Config) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		audit:    auditLog,
		logger:   logger,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// Provider exposes the wrapped provider for the classification gate.
func (e *Executor) Provider() llm.Provider { return e.provider }

// Execute runs one stage call: rate-limit wait, circuit check, bounded
// retry of transient failures, then JSON validation of the output into
// out with up to cfg.RepairAttempts repair re-prompts. Every provider
// attempt, success or failure, is audit-logged with the session's
// classification.
func (e *Executor) Execute(ctx context.Context, sessionID string, class urs.Classification, stage, system, prompt string, out any) (*Usage, error) {
	if err := e.waitSlot(ctx); err != nil {
		return nil, err
	}

	usage := &Usage{Provider: e.provider.Name()}

	res, err := e.callWithRetry(ctx, sessionID, class, stage, system, prompt, usage)
	if err != nil {
		return usage, err
	}

	// Output validation with bounded repair.
	decodeErr := json.Unmarshal([]byte(res.Text), out)
	repairs := 0
	for decodeErr != nil && repairs < e.cfg.RepairAttempts {
		repairs++
		e.logger.Warn("stage output failed validation, re-prompting",
			"stage", stage, "session_id", sessionID, "repair", repairs, "error", decodeErr)

		repairPrompt := fmt.Sprintf("%s\n\nYour previous response was not valid JSON for the expected structure (%v). Respond again with only the corrected JSON object.", prompt, decodeErr)
		res, err = e.callWithRetry(ctx, sessionID, class, stage, system, repairPrompt, usage)
		if err != nil {
			return usage, err
		}
		decodeErr = json.Unmarshal([]byte(res.Text), out)
	}
	if decodeErr != nil {
		return usage, &urs.SchemaError{Stage: stage, Attempts: repairs, Err: decodeErr}
	}
	return usage, nil
}

// waitSlot blocks for a token-bucket slot, bounded by the configured
// wait timeout. Exhausting the wait is not retryable.
func (e *Executor) waitSlot(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.RateWait)
	defer cancel()
	if err := e.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", urs.ErrRateLimited, err)
	}
	return nil
}

// callWithRetry performs provider attempts until success, a permanent
// failure, or the retry budget is spent.
func (e *Executor) callWithRetry(ctx context.Context, sessionID string, class urs.Classification, stage, system, prompt string, usage *Usage) (*llm.Result, error) {
	if !e.breaker.allow() {
		return nil, fmt.Errorf("%w: provider %s", urs.ErrProviderUnavailable, e.provider.Name())
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		start := time.Now()
		res, err := e.provider.Generate(callCtx, llm.Request{Stage: stage, System: system, Prompt: prompt})
		latency := time.Since(start)
		cancel()

		usage.Attempts++
		usage.Latency += latency
		if res != nil {
			usage.TokensIn += res.TokensIn
			usage.TokensOut += res.TokensOut
			usage.Model = res.Model
		}
		e.record(ctx, sessionID, class, stage, prompt, res, err, latency)

		if err == nil {
			e.breaker.success()
			return res, nil
		}

		e.breaker.failure()
		lastErr = err

		var pe *urs.ProviderError
		if errors.As(err, &pe) && pe.Transient {
			e.logger.Warn("transient provider failure",
				"stage", stage, "session_id", sessionID, "attempt", attempt, "error", err)
			continue
		}
		// Permanent failures surface immediately.
		return nil, err
	}
	return nil, fmt.Errorf("stage %s: retries exhausted: %w", stage, lastErr)
}

// record emits the usage record for one attempt. Fire-and-forget.
func (e *Executor) record(ctx context.Context, sessionID string, class urs.Classification, stage, prompt string, res *llm.Result, callErr error, latency time.Duration) {
	ev := audit.Event{
		Actor:          "executor",
		Action:         "llm_" + stage + "_called",
		ResourceID:     sessionID,
		Classification: class,
		RequestHash:    audit.Hash(prompt),
		Timestamp:      time.Now().UTC(),
	}
	usage := &audit.TokenUsage{Latency: latency}
	if res != nil {
		usage.TokensIn = res.TokensIn
		usage.TokensOut = res.TokensOut
		ev.ResponseHash = audit.Hash(res.Text)
	}
	ev.TokenUsage = usage
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	e.audit.Record(ctx, ev)
}

// backoff computes the exponential delay before the given attempt,
// with ±20% jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff << (attempt - 2)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
