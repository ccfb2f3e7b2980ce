// Package pipeline drives the per-session state machine that turns raw
// stakeholder input into a reviewed requirements document. The
// orchestrator is the only component that mutates session state; every
// stage is one guarded transition committed through the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/reqforge/internal/audit"
	"github.com/forgeline/reqforge/internal/chunker"
	"github.com/forgeline/reqforge/internal/executor"
	"github.com/forgeline/reqforge/internal/policy"
	"github.com/forgeline/reqforge/internal/qa"
	"github.com/forgeline/reqforge/internal/store"
	"github.com/forgeline/reqforge/internal/urs"
)

// SourceDocument is one raw input to ingest. Pre-paginated input
// supplies Pages instead of Text; chunks then carry their page number.
type SourceDocument struct {
	Name  string   `json:"name"`
	Text  string   `json:"text,omitempty"`
	Pages []string `json:"pages,omitempty"`
}

// Orchestrator sequences the pipeline stages for every session.
// Distinct sessions run concurrently; calls for the same session are
// serialized on a per-session lock.
type Orchestrator struct {
	store     store.Store
	exec      *executor.Executor
	evaluator *qa.Evaluator
	gate      *policy.Gate
	audit     audit.Logger
	logger    *slog.Logger
	chunkSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, exec *executor.Executor, gate *policy.Gate, auditLog audit.Logger, logger *slog.Logger, chunkSize int) *Orchestrator {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultMaxSize
	}
	return &Orchestrator{
		store:     st,
		exec:      exec,
		evaluator: qa.NewEvaluator(exec, logger),
		gate:      gate,
		audit:     auditLog,
		logger:    logger,
		chunkSize: chunkSize,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Ingest creates a session and chunks the given documents. With no
// documents the session starts in CREATED; otherwise it lands in
// CHUNKED with a stable, sequential chunk set.
func (o *Orchestrator) Ingest(ctx context.Context, class urs.Classification, meta urs.DocumentMetadata, docs []SourceDocument) (*urs.Session, error) {
	class, err := urs.ParseClassification(string(class))
	if err != nil {
		return nil, err
	}

	sess := &urs.Session{
		ID:             uuid.New().String(),
		Classification: class,
		State:          urs.StateCreated,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}

	if len(docs) > 0 {
		var all []urs.Chunk
		for _, d := range docs {
			var chunks []urs.Chunk
			var err error
			if len(d.Pages) > 0 {
				chunks, err = chunker.ChunkPages(d.Pages, o.chunkSize, d.Name, class)
			} else {
				chunks, err = chunker.Chunk(d.Text, o.chunkSize, d.Name, class)
			}
			if err != nil {
				return nil, fmt.Errorf("chunk %q: %w", d.Name, err)
			}
			all = append(all, chunks...)
		}
		// Renumber across documents so IDs stay unique and sequential.
		for i := range all {
			all[i].ID = chunker.ChunkID(i + 1)
		}
		sess.Chunks = all
		sess.State = urs.StateChunked
	}

	if err := o.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	o.record(ctx, sess, "session_created", nil)
	o.logger.Info("session created",
		"session_id", sess.ID,
		"classification", string(sess.Classification),
		"chunks", len(sess.Chunks),
	)
	return sess, nil
}

// Normalize extracts structured facts from the session's chunks.
func (o *Orchestrator) Normalize(ctx context.Context, sessionID string) ([]urs.Fact, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if reached(sess.State, urs.StateNormalized) {
		// Committed result, possibly empty; idempotent either way.
		return sess.Facts, nil
	}
	if err := guard(sess, "normalize", urs.StateChunked); err != nil {
		return nil, err
	}

	var out struct {
		Facts []urs.Fact `json:"facts"`
	}
	if err := o.callStage(ctx, sess, "normalize", normalizeSystemPrompt, normalizePrompt(sess), &out); err != nil {
		return nil, o.stageFailed(ctx, sess, "normalize", err)
	}

	sess.Facts = out.Facts
	sess.State = urs.StateNormalized
	if err := o.commit(ctx, sess, "normalize"); err != nil {
		return nil, err
	}
	return sess.Facts, nil
}

// Clarify produces clarifying questions from the normalized facts.
func (o *Orchestrator) Clarify(ctx context.Context, sessionID string) ([]urs.Question, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if reached(sess.State, urs.StateQuestionsPending) {
		return sess.Questions, nil
	}
	if err := guard(sess, "clarify", urs.StateNormalized); err != nil {
		return nil, err
	}

	var out struct {
		Questions []urs.Question `json:"questions"`
	}
	if err := o.callStage(ctx, sess, "clarify", clarifySystemPrompt, clarifyPrompt(sess), &out); err != nil {
		return nil, o.stageFailed(ctx, sess, "clarify", err)
	}

	sess.Questions = out.Questions
	sess.State = urs.StateQuestionsPending
	if err := o.commit(ctx, sess, "clarify"); err != nil {
		return nil, err
	}
	return sess.Questions, nil
}

// SubmitAnswers records stakeholder answers keyed by question ID.
// Unanswered questions stay open and are treated as assumptions by the
// generate stage. Unknown question IDs are rejected.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, sessionID string, answers map[string]string) (*urs.Session, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := guard(sess, "submit-answers", urs.StateQuestionsPending, urs.StateAnswersReceived); err != nil {
		return nil, err
	}

	known := make(map[string]int, len(sess.Questions))
	for i, q := range sess.Questions {
		known[q.ID] = i
	}
	for id, answer := range answers {
		i, ok := known[id]
		if !ok {
			return nil, &urs.ValidationError{Msg: fmt.Sprintf("answer for unknown question %q", id)}
		}
		sess.Questions[i].Answer = answer
	}

	sess.State = urs.StateAnswersReceived
	if err := o.commit(ctx, sess, "submit_answers"); err != nil {
		return nil, err
	}
	return sess, nil
}

// Generate produces the requirements document. The fast path allows
// generation straight from CHUNKED or NORMALIZED, skipping the
// clarification round; citation rules are identical either way.
// A session already in DOCUMENT_GENERATED gets its committed document
// back; use Regenerate for a new version.
func (o *Orchestrator) Generate(ctx context.Context, sessionID string) (*urs.Document, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if reached(sess.State, urs.StateDocumentGenerated) && sess.DocVersion > 0 {
		return o.store.GetDocument(ctx, sessionID, sess.DocVersion)
	}
	if err := guard(sess, "generate", urs.StateChunked, urs.StateNormalized, urs.StateAnswersReceived); err != nil {
		return nil, err
	}
	return o.generate(ctx, sess)
}

// Regenerate produces a fresh document version from the same committed
// inputs. The prior version is kept untouched.
func (o *Orchestrator) Regenerate(ctx context.Context, sessionID string) (*urs.Document, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := guard(sess, "regenerate", urs.StateDocumentGenerated, urs.StateQAComplete); err != nil {
		return nil, err
	}
	return o.generate(ctx, sess)
}

func (o *Orchestrator) generate(ctx context.Context, sess *urs.Session) (*urs.Document, error) {
	var out struct {
		ProblemStatement string            `json:"problem_statement"`
		Requirements     []urs.Requirement `json:"requirements"`
	}
	if err := o.callStage(ctx, sess, "generate", generateSystemPrompt, generatePrompt(sess), &out); err != nil {
		return nil, o.stageFailed(ctx, sess, "generate", err)
	}

	doc := &urs.Document{
		Metadata:         sess.Metadata,
		ProblemStatement: out.ProblemStatement,
		Requirements:     out.Requirements,
		Version:          sess.DocVersion + 1,
		Status:           urs.StatusDraft,
		GeneratedAt:      time.Now().UTC(),
	}
	if err := urs.ValidateCitations(doc, sess.ChunkSet()); err != nil {
		return nil, o.stageFailed(ctx, sess, "generate", err)
	}

	if err := o.store.PutDocument(ctx, sess.ID, doc); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}
	sess.DocVersion = doc.Version
	sess.State = urs.StateDocumentGenerated
	if err := o.commit(ctx, sess, "generate"); err != nil {
		return nil, err
	}
	return doc, nil
}

// Review runs the QA evaluator on the latest document and stores the
// scored report. The session moves to QA_COMPLETE regardless of score;
// only Approve looks at blockers.
func (o *Orchestrator) Review(ctx context.Context, sessionID string) (*urs.QAReport, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if reached(sess.State, urs.StateQAComplete) {
		return o.store.GetReport(ctx, sessionID, sess.DocVersion)
	}
	if err := guard(sess, "review", urs.StateDocumentGenerated); err != nil {
		return nil, err
	}
	if err := o.gate.Check(sess.Classification, o.exec.Provider()); err != nil {
		return nil, err
	}

	doc, err := o.store.GetDocument(ctx, sessionID, sess.DocVersion)
	if err != nil {
		return nil, err
	}

	report, err := o.evaluator.Review(ctx, sess.ID, sess.Classification, doc, sess.ChunkSet())
	if err != nil {
		return nil, o.stageFailed(ctx, sess, "review", err)
	}

	if err := o.store.PutReport(ctx, sess.ID, doc.Version, report); err != nil {
		return nil, fmt.Errorf("persist report: %w", err)
	}
	doc.Status = urs.StatusUnderReview
	if err := o.store.PutDocument(ctx, sess.ID, doc); err != nil {
		return nil, fmt.Errorf("persist document status: %w", err)
	}
	sess.State = urs.StateQAComplete
	if err := o.commit(ctx, sess, "review"); err != nil {
		return nil, err
	}
	return report, nil
}

// Approve marks the latest document approved. Blocked while the QA
// report for that version carries blocker issues.
func (o *Orchestrator) Approve(ctx context.Context, sessionID string) (*urs.Document, error) {
	defer o.lock(sessionID)()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == urs.StateApproved {
		return o.store.GetDocument(ctx, sessionID, sess.DocVersion)
	}
	if err := guard(sess, "approve", urs.StateQAComplete); err != nil {
		return nil, err
	}

	report, err := o.store.GetReport(ctx, sessionID, sess.DocVersion)
	if err != nil {
		return nil, err
	}
	if blockers := report.Blockers(); len(blockers) > 0 {
		return nil, &urs.ValidationError{Msg: fmt.Sprintf("document v%d has %d blocker issues; fix and regenerate before approval", sess.DocVersion, len(blockers))}
	}

	doc, err := o.store.GetDocument(ctx, sessionID, sess.DocVersion)
	if err != nil {
		return nil, err
	}
	doc.Status = urs.StatusApproved
	if err := o.store.PutDocument(ctx, sess.ID, doc); err != nil {
		return nil, fmt.Errorf("persist document status: %w", err)
	}
	sess.State = urs.StateApproved
	if err := o.commit(ctx, sess, "approve"); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get returns the current session record.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*urs.Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// Document returns one document version; version 0 means latest.
func (o *Orchestrator) Document(ctx context.Context, sessionID string, version int) (*urs.Document, error) {
	if version <= 0 {
		return o.store.LatestDocument(ctx, sessionID)
	}
	return o.store.GetDocument(ctx, sessionID, version)
}

// Report returns the QA report for the session's latest document.
func (o *Orchestrator) Report(ctx context.Context, sessionID string) (*urs.QAReport, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.store.GetReport(ctx, sessionID, sess.DocVersion)
}

// Cancel stops a session between stages. Committed outputs are kept;
// any in-flight stage result is discarded at commit time.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return &urs.StateError{SessionID: sess.ID, From: sess.State, Requested: "cancel"}
	}
	// Single-field flag update; never writes the whole record, so a
	// stage running concurrently cannot be clobbered and cannot clobber
	// the flag back.
	if err := o.store.SetCancelled(ctx, sess.ID); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	o.record(ctx, sess, "session_cancelled", nil)
	return nil
}

// callStage runs the classification gate and one executor call. The
// gate runs per stage, before any network effect.
func (o *Orchestrator) callStage(ctx context.Context, sess *urs.Session, stage, system, prompt string, out any) error {
	if err := o.gate.Check(sess.Classification, o.exec.Provider()); err != nil {
		return err
	}
	_, err := o.exec.Execute(ctx, sess.ID, sess.Classification, stage, system, prompt, out)
	return err
}

// commit persists the session after a successful stage, unless the
// session was cancelled while the stage was in flight; then the result
// is discarded and the stored record stays as it was.
func (o *Orchestrator) commit(ctx context.Context, sess *urs.Session, stage string) error {
	fresh, err := o.store.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if fresh.Cancelled {
		o.logger.Info("discarding stage result for cancelled session",
			"session_id", sess.ID,
			"stage", stage,
		)
		return fmt.Errorf("session %s: %w", sess.ID, urs.ErrCancelled)
	}
	if err := o.store.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	o.record(ctx, sess, "stage_"+stage+"_completed", nil)
	return nil
}

// stageFailed maps a stage error to its session outcome. Provider
// exhaustion, permanent provider failures, schema failures, and invalid
// generated citations move the session to FAILED with all committed
// outputs intact. Gate blocks, ordering errors, rate-limit waits, and
// open circuits leave the session where it was.
func (o *Orchestrator) stageFailed(ctx context.Context, sess *urs.Session, stage string, err error) error {
	o.record(ctx, sess, "stage_"+stage+"_failed", err)

	var stateErr *urs.StateError
	var policyErr *urs.PolicyViolationError
	switch {
	case errors.Is(err, urs.ErrRateLimited),
		errors.Is(err, urs.ErrProviderUnavailable),
		errors.Is(err, urs.ErrCancelled),
		errors.As(err, &stateErr),
		errors.As(err, &policyErr):
		return err
	}

	o.logger.Error("stage failed",
		"session_id", sess.ID,
		"stage", stage,
		"error", err,
	)
	sess.State = urs.StateFailed
	if perr := o.store.PutSession(ctx, sess); perr != nil {
		o.logger.Error("failed to persist FAILED state", "session_id", sess.ID, "error", perr)
	}
	o.record(ctx, sess, "session_failed", err)
	return err
}

func (o *Orchestrator) record(ctx context.Context, sess *urs.Session, action string, err error) {
	ev := audit.Event{
		Actor:          "pipeline",
		Action:         action,
		ResourceID:     sess.ID,
		Classification: sess.Classification,
		Timestamp:      time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.audit.Record(ctx, ev)
}

// lock serializes stage calls for one session while leaving other
// sessions free to run.
func (o *Orchestrator) lock(sessionID string) func() {
	o.mu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[sessionID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}
