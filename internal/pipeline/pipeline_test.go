package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeline/reqforge/internal/audit"
	"github.com/forgeline/reqforge/internal/executor"
	"github.com/forgeline/reqforge/internal/llm"
	"github.com/forgeline/reqforge/internal/policy"
	"github.com/forgeline/reqforge/internal/store"
	"github.com/forgeline/reqforge/internal/urs"
)

const invoiceInput = "We need faster invoice approval. Currently takes 5 days manually."

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

// countingProvider wraps another provider and counts Generate calls.
type countingProvider struct {
	inner llm.Provider
	mu    sync.Mutex
	calls int
}

func (c *countingProvider) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Generate(ctx, req)
}

func (c *countingProvider) Name() string   { return c.inner.Name() }
func (c *countingProvider) External() bool { return c.inner.External() }

func (c *countingProvider) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// externalProvider pretends to be a network-backed provider.
type externalProvider struct {
	countingProvider
}

func newExternalProvider() *externalProvider {
	return &externalProvider{countingProvider{inner: llm.NewMock()}}
}

func (e *externalProvider) Name() string   { return "anthropic" }
func (e *externalProvider) External() bool { return true }

// brokenProvider always fails permanently.
type brokenProvider struct{}

func (brokenProvider) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	return nil, &urs.ProviderError{Provider: "broken", Status: 400, Err: errors.New("invalid request")}
}
func (brokenProvider) Name() string   { return "broken" }
func (brokenProvider) External() bool { return false }

func testConfig() executor.Config {
	return executor.Config{
		MaxAttempts:      3,
		BaseBackoff:      time.Millisecond,
		CallTimeout:      time.Second,
		RateLimit:        1000,
		RateBurst:        1000,
		RateWait:         time.Second,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Second,
		RepairAttempts:   2,
	}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider) (*Orchestrator, *recordingAudit, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recordingAudit{}
	exec := executor.New(provider, rec, logger, testConfig())
	st := store.NewMemory()
	return New(st, exec, policy.NewGate(logger), rec, logger, 800), rec, st
}

func ingest(t *testing.T, o *Orchestrator, class urs.Classification, text string) *urs.Session {
	t.Helper()
	sess, err := o.Ingest(context.Background(), class, urs.DocumentMetadata{Title: "Invoice Approval"}, []SourceDocument{{Name: "notes.txt", Text: text}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return sess
}

func TestIngest_ChunksDocuments(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if sess.State != urs.StateChunked {
		t.Errorf("state = %q, want %q", sess.State, urs.StateChunked)
	}
	if len(sess.Chunks) != 1 || sess.Chunks[0].ID != "C-001" {
		t.Errorf("chunks = %+v, want single C-001", sess.Chunks)
	}
}

func TestIngest_RenumbersAcrossDocuments(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	sess, err := o.Ingest(context.Background(), urs.ClassInternal, urs.DocumentMetadata{}, []SourceDocument{
		{Name: "a.txt", Text: "First document text."},
		{Name: "b.txt", Text: "Second document text."},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(sess.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(sess.Chunks))
	}
	if sess.Chunks[0].ID != "C-001" || sess.Chunks[1].ID != "C-002" {
		t.Errorf("IDs = %s, %s; want C-001, C-002", sess.Chunks[0].ID, sess.Chunks[1].ID)
	}
	if sess.Chunks[1].SourceDocument != "b.txt" {
		t.Errorf("source = %q, want b.txt", sess.Chunks[1].SourceDocument)
	}
}

func TestIngest_EmptyDocument(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	_, err := o.Ingest(context.Background(), urs.ClassInternal, urs.DocumentMetadata{}, []SourceDocument{{Name: "blank.txt", Text: "   \n\n "}})
	if !errors.Is(err, urs.ErrNoContent) {
		t.Fatalf("err = %v, want ErrNoContent", err)
	}
}

func TestIngest_UnknownClassification(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	_, err := o.Ingest(context.Background(), urs.Classification("secret"), urs.DocumentMetadata{}, nil)
	var valErr *urs.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestGenerate_FromCreatedIsStateError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	sess, err := o.Ingest(context.Background(), urs.ClassInternal, urs.DocumentMetadata{}, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sess.State != urs.StateCreated {
		t.Fatalf("state = %q, want CREATED", sess.State)
	}

	_, err = o.Generate(context.Background(), sess.ID)
	var stateErr *urs.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want StateError", err)
	}
	if stateErr.From != urs.StateCreated || stateErr.Requested != "generate" {
		t.Errorf("StateError = %+v", stateErr)
	}
}

func TestGenerate_FastPathFromChunked(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	doc, err := o.Generate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != urs.StateDocumentGenerated {
		t.Errorf("state = %q, want DOCUMENT_GENERATED", got.State)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}

	// At least one requirement cites the real chunk with non-low
	// confidence; citation rules are the same as on the full path.
	cited := false
	for _, req := range doc.Requirements {
		for _, src := range req.Sources {
			if src.ChunkID == "C-001" && !src.IsAssumption && req.Confidence != urs.ConfidenceLow {
				cited = true
			}
		}
	}
	if !cited {
		t.Errorf("no requirement cites C-001 with confidence above low: %+v", doc.Requirements)
	}
}

func TestFullPath_EndToEnd(t *testing.T) {
	o, rec, _ := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	facts, err := o.Normalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(facts) == 0 {
		t.Fatal("no facts extracted")
	}
	citesChunk := false
	for _, f := range facts {
		for _, id := range f.ChunkIDs {
			if id == "C-001" {
				citesChunk = true
			}
		}
	}
	if !citesChunk {
		t.Errorf("no fact cites C-001: %+v", facts)
	}

	questions, err := o.Clarify(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Clarify: %v", err)
	}
	if len(questions) == 0 {
		t.Fatal("no clarifying questions")
	}

	answers := map[string]string{questions[0].ID: "Approval must complete within one business day."}
	if _, err := o.SubmitAnswers(ctx, sess.ID, answers); err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}

	doc, err := o.Generate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(doc.Requirements) == 0 {
		t.Fatal("document has no requirements")
	}

	report, err := o.Review(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(report.Blockers()) != 0 {
		t.Fatalf("unexpected blockers: %+v", report.Blockers())
	}
	if report.Score <= 0 || report.Score > 100 {
		t.Errorf("score = %d", report.Score)
	}

	approved, err := o.Approve(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != urs.StatusApproved {
		t.Errorf("status = %q, want approved", approved.Status)
	}

	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != urs.StateApproved {
		t.Errorf("state = %q, want APPROVED", got.State)
	}

	// Every stage transition is audit-logged.
	actions := strings.Join(rec.actions(), " ")
	for _, want := range []string{"session_created", "stage_normalize_completed", "stage_clarify_completed", "stage_submit_answers_completed", "stage_generate_completed", "stage_review_completed", "stage_approve_completed"} {
		if !strings.Contains(actions, want) {
			t.Errorf("audit log missing %q: %v", want, rec.actions())
		}
	}
}

func TestNormalize_IdempotentReinvocation(t *testing.T) {
	provider := &countingProvider{inner: llm.NewMock()}
	o, _, _ := newTestOrchestrator(t, provider)
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	first, err := o.Normalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	callsAfterFirst := provider.count()

	second, err := o.Normalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Normalize (repeat): %v", err)
	}
	if provider.count() != callsAfterFirst {
		t.Errorf("repeat call hit the provider: %d -> %d calls", callsAfterFirst, provider.count())
	}
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Errorf("repeat returned different facts: %+v vs %+v", first, second)
	}
}

func TestGenerate_IdempotentReturnsCommittedDocument(t *testing.T) {
	provider := &countingProvider{inner: llm.NewMock()}
	o, _, _ := newTestOrchestrator(t, provider)
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	first, err := o.Generate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	calls := provider.count()

	second, err := o.Generate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Generate (repeat): %v", err)
	}
	if provider.count() != calls {
		t.Errorf("repeat call hit the provider")
	}
	if second.Version != first.Version {
		t.Errorf("repeat returned version %d, want %d", second.Version, first.Version)
	}
}

func TestRegenerate_CreatesNewVersion(t *testing.T) {
	o, _, st := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	v1, err := o.Generate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	v2, err := o.Regenerate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if v2.Version != v1.Version+1 {
		t.Errorf("regenerated version = %d, want %d", v2.Version, v1.Version+1)
	}

	// The prior version is kept untouched.
	old, err := st.GetDocument(ctx, sess.ID, v1.Version)
	if err != nil {
		t.Fatalf("GetDocument v1: %v", err)
	}
	if old.Version != v1.Version {
		t.Errorf("old version = %d", old.Version)
	}

	latest, err := o.Document(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if latest.Version != v2.Version {
		t.Errorf("latest = %d, want %d", latest.Version, v2.Version)
	}
}

func TestConfidential_ExternalProviderBlocked(t *testing.T) {
	provider := newExternalProvider()
	o, _, _ := newTestOrchestrator(t, provider)
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassConfidential, invoiceInput)

	_, err := o.Normalize(ctx, sess.ID)
	var policyErr *urs.PolicyViolationError
	if !errors.As(err, &policyErr) {
		t.Fatalf("err = %v, want PolicyViolationError", err)
	}
	if provider.count() != 0 {
		t.Errorf("provider was called %d times, want 0", provider.count())
	}

	// Fail-before-effect: the session is untouched.
	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != urs.StateChunked {
		t.Errorf("state = %q, want CHUNKED", got.State)
	}
}

func TestConfidential_MockProviderAllowed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	sess := ingest(t, o, urs.ClassConfidential, invoiceInput)
	if _, err := o.Normalize(context.Background(), sess.ID); err != nil {
		t.Fatalf("Normalize with internal provider: %v", err)
	}
}

func TestGenerate_ProviderFailureMarksSessionFailed(t *testing.T) {
	o, rec, _ := newTestOrchestrator(t, brokenProvider{})
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	_, err := o.Generate(ctx, sess.ID)
	var provErr *urs.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}

	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != urs.StateFailed {
		t.Errorf("state = %q, want FAILED", got.State)
	}
	// Prior outputs survive the failure.
	if len(got.Chunks) != 1 {
		t.Errorf("chunks were discarded: %+v", got.Chunks)
	}

	actions := strings.Join(rec.actions(), " ")
	if !strings.Contains(actions, "session_failed") {
		t.Errorf("audit log missing session_failed: %v", rec.actions())
	}

	// Nothing runs from FAILED.
	_, err = o.Normalize(ctx, sess.ID)
	var stateErr *urs.StateError
	if !errors.As(err, &stateErr) {
		t.Errorf("err = %v, want StateError from FAILED", err)
	}
}

func TestSubmitAnswers_UnknownQuestion(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if _, err := o.Normalize(ctx, sess.ID); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if _, err := o.Clarify(ctx, sess.ID); err != nil {
		t.Fatalf("Clarify: %v", err)
	}

	_, err := o.SubmitAnswers(ctx, sess.ID, map[string]string{"Q-999": "no such question"})
	var valErr *urs.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCancel_BlocksFurtherStages(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if err := o.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := o.Normalize(ctx, sess.ID)
	if !errors.Is(err, urs.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// Committed chunks survive cancellation.
	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Chunks) != 1 {
		t.Errorf("chunks = %+v", got.Chunks)
	}
}

func TestCancel_TerminalSessionRejected(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if _, err := o.Generate(ctx, sess.ID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := o.Review(ctx, sess.ID); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if _, err := o.Approve(ctx, sess.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	err := o.Cancel(ctx, sess.ID)
	var stateErr *urs.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want StateError", err)
	}
}

func TestCancel_DiscardsInFlightResult(t *testing.T) {
	o, _, st := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	// Simulate a cancel landing while a stage call is in flight: the
	// working copy was loaded before the cancel, the stored record is
	// cancelled by the time the stage tries to commit.
	working, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if err := o.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	working.Facts = []urs.Fact{{ID: "F-001", Statement: "stale in-flight result", ChunkIDs: []string{"C-001"}}}
	working.State = urs.StateNormalized
	err = o.commit(ctx, working, "normalize")
	if !errors.Is(err, urs.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != urs.StateChunked || len(got.Facts) != 0 {
		t.Errorf("in-flight result was committed: state=%q facts=%d", got.State, len(got.Facts))
	}
}

// cancelRaceStore fires a full Cancel between a stage commit's
// freshness read and its write, reproducing a cancellation landing
// while the stage result is being persisted.
type cancelRaceStore struct {
	store.Store
	cancel func()
	gets   int
	fired  bool
}

func (s *cancelRaceStore) GetSession(ctx context.Context, id string) (*urs.Session, error) {
	sess, err := s.Store.GetSession(ctx, id)
	s.gets++
	// The second read is the commit-time freshness check.
	if err == nil && !s.fired && s.gets == 2 {
		s.fired = true
		s.cancel()
	}
	return sess, err
}

func TestCancel_NotLostToConcurrentCommit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recordingAudit{}
	exec := executor.New(llm.NewMock(), rec, logger, testConfig())
	raceStore := &cancelRaceStore{Store: store.NewMemory()}
	o := New(raceStore, exec, policy.NewGate(logger), rec, logger, 800)
	ctx := context.Background()

	sess, err := o.Ingest(ctx, urs.ClassInternal, urs.DocumentMetadata{}, []SourceDocument{{Name: "notes.txt", Text: invoiceInput}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	raceStore.cancel = func() {
		if cerr := o.Cancel(ctx, sess.ID); cerr != nil {
			t.Errorf("Cancel: %v", cerr)
		}
	}

	// The stage holds a pre-cancel snapshot; its commit write must not
	// revive the session.
	if _, err := o.Normalize(ctx, sess.ID); err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	got, err := raceStore.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.Cancelled {
		t.Fatal("cancel flag was lost to the stage commit")
	}
	if _, err := o.Clarify(ctx, sess.ID); !errors.Is(err, urs.ErrCancelled) {
		t.Fatalf("Clarify err = %v, want ErrCancelled", err)
	}
}

func TestNormalizeClarify_IdempotentWithEmptyResult(t *testing.T) {
	provider := &countingProvider{inner: llm.NewMock()}
	o, _, st := newTestOrchestrator(t, provider)
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)

	// A committed stage result may legitimately be empty; re-invocation
	// must return it, not reject the call as out of order.
	stored, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	stored.State = urs.StateQuestionsPending
	stored.Facts = nil
	stored.Questions = nil
	if err := st.PutSession(ctx, stored); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	facts, err := o.Normalize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Normalize on committed empty result: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("facts = %+v, want none", facts)
	}

	questions, err := o.Clarify(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Clarify on committed empty result: %v", err)
	}
	if len(questions) != 0 {
		t.Errorf("questions = %+v, want none", questions)
	}
	if provider.count() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.count())
	}
}

func TestIngest_PagedDocumentKeepsPageNumbers(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, llm.NewMock())

	sess, err := o.Ingest(context.Background(), urs.ClassInternal, urs.DocumentMetadata{}, []SourceDocument{{
		Name:  "scan.pdf",
		Pages: []string{"We need faster invoice approval.", "   ", "Approvals currently take 5 days."},
	}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(sess.Chunks) != 2 {
		t.Fatalf("chunks = %+v, want 2", sess.Chunks)
	}
	if sess.Chunks[0].ID != "C-001" || sess.Chunks[1].ID != "C-002" {
		t.Errorf("chunk IDs = %q, %q", sess.Chunks[0].ID, sess.Chunks[1].ID)
	}
	// The blank page is skipped but page numbers stay positional.
	if sess.Chunks[0].Page != 1 || sess.Chunks[1].Page != 3 {
		t.Errorf("pages = %d, %d, want 1, 3", sess.Chunks[0].Page, sess.Chunks[1].Page)
	}
}

func TestApprove_BlockedByBlockerIssues(t *testing.T) {
	o, _, st := newTestOrchestrator(t, llm.NewMock())
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if _, err := o.Generate(ctx, sess.ID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := o.Review(ctx, sess.ID); err != nil {
		t.Fatalf("Review: %v", err)
	}

	// Replace the stored report with one carrying a blocker.
	fresh, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	blocked := &urs.QAReport{
		Issues: []urs.QAIssue{{Severity: urs.SeverityBlocker, Category: "missing_source", Description: "requirement has no source backing"}},
		Score:  75,
	}
	if err := st.PutReport(ctx, sess.ID, fresh.DocVersion, blocked); err != nil {
		t.Fatalf("PutReport: %v", err)
	}

	_, err = o.Approve(ctx, sess.ID)
	var valErr *urs.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	got, err := o.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != urs.StateQAComplete {
		t.Errorf("state = %q, want QA_COMPLETE", got.State)
	}
}

func TestReview_IdempotentReturnsStoredReport(t *testing.T) {
	provider := &countingProvider{inner: llm.NewMock()}
	o, _, _ := newTestOrchestrator(t, provider)
	ctx := context.Background()

	sess := ingest(t, o, urs.ClassInternal, invoiceInput)
	if _, err := o.Generate(ctx, sess.ID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	first, err := o.Review(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	calls := provider.count()

	second, err := o.Review(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Review (repeat): %v", err)
	}
	if provider.count() != calls {
		t.Errorf("repeat review hit the provider")
	}
	if second.Score != first.Score {
		t.Errorf("scores differ: %d vs %d", first.Score, second.Score)
	}
}
