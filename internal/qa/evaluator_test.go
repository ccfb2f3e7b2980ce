package qa

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/forgeline/reqforge/internal/executor"
	"github.com/forgeline/reqforge/internal/urs"
)

// fakeCaller returns canned model issues without a provider.
type fakeCaller struct {
	issues []urs.QAIssue
	calls  int
	err    error
}

func (f *fakeCaller) Execute(ctx context.Context, sessionID string, class urs.Classification, stage, system, prompt string, out any) (*executor.Usage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	target := out.(*struct {
		Issues []urs.QAIssue `json:"issues"`
	})
	target.Issues = f.issues
	return &executor.Usage{}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cleanDoc() *urs.Document {
	return &urs.Document{
		ProblemStatement: "Invoice approval is slow and manual.",
		Requirements: []urs.Requirement{
			{
				ID:          "FR-001",
				Description: "The system shall route invoices to the approver within 1 hour of receipt.",
				Priority:    urs.PriorityMust,
				Criteria: []urs.AcceptanceCriterion{
					{Criterion: "An invoice submitted at 09:00 reaches the approver queue by 10:00."},
				},
				Sources:    []urs.SourceReference{{ChunkID: "C-001", Confidence: urs.ConfidenceHigh}},
				Confidence: urs.ConfidenceHigh,
			},
		},
	}
}

func chunkSet(ids ...string) map[string]urs.Chunk {
	set := make(map[string]urs.Chunk)
	for _, id := range ids {
		set[id] = urs.Chunk{ID: id}
	}
	return set
}

func TestReview_CleanDocumentScores100(t *testing.T) {
	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, cleanDoc(), chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(report.Issues) != 0 {
		t.Errorf("issues = %+v, want none", report.Issues)
	}
	if report.Score != 100 {
		t.Errorf("score = %d, want 100", report.Score)
	}
}

func TestReview_MissingCriteriaIsBlocker(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements[0].Criteria = nil

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	blockers := report.Blockers()
	if len(blockers) != 1 || blockers[0].Category != "missing_acceptance_criteria" {
		t.Fatalf("blockers = %+v", blockers)
	}
	if report.Score != 75 {
		t.Errorf("score = %d, want 75", report.Score)
	}
}

func TestReview_OrphanCitationIsBlocker(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements[0].Sources = []urs.SourceReference{{ChunkID: "C-404"}}

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	blockers := report.Blockers()
	if len(blockers) != 1 || blockers[0].Category != "missing_source" {
		t.Fatalf("blockers = %+v", blockers)
	}
}

func TestReview_VagueLanguage(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements[0].Description = "The system shall be fast and user-friendly for everyone."

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}

	found := false
	for _, is := range report.Issues {
		if is.Category == "vague_language" && is.Severity == urs.SeverityMajor {
			found = true
		}
	}
	if !found {
		t.Errorf("expected vague_language major issue, got %+v", report.Issues)
	}
}

func TestReview_VagueTermNeedsWordBoundary(t *testing.T) {
	doc := cleanDoc()
	// "breakfast" contains "fast"; must not be flagged.
	doc.Requirements[0].Description = "The system shall log breakfast orders before 09:30 each day."

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	for _, is := range report.Issues {
		if is.Category == "vague_language" {
			t.Errorf("false positive on substring: %+v", is)
		}
	}
}

func TestReview_UnflaggedAssumption(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements[0].Sources = []urs.SourceReference{{IsAssumption: true, Confidence: urs.ConfidenceLow}}
	doc.Requirements[0].Confidence = urs.ConfidenceHigh

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	found := false
	for _, is := range report.Issues {
		if is.Category == "assumption" && is.Severity == urs.SeverityMajor {
			found = true
		}
	}
	if !found {
		t.Errorf("expected assumption issue, got %+v", report.Issues)
	}
}

func TestReview_MergesModelIssues(t *testing.T) {
	caller := &fakeCaller{issues: []urs.QAIssue{
		{Severity: urs.SeverityMinor, Category: "untestable", Description: "phrasing is not verifiable", Location: "requirements[0]"},
		{Severity: "weird", Category: "other", Description: "unknown severity", Location: "document"},
	}}
	e := NewEvaluator(caller, discard())

	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, cleanDoc(), chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if caller.calls != 1 {
		t.Errorf("model check calls = %d, want 1", caller.calls)
	}
	if len(report.Issues) != 2 {
		t.Fatalf("issues = %+v", report.Issues)
	}
	if report.Issues[1].Severity != urs.SeverityMinor {
		t.Errorf("unknown severity should normalize to minor, got %q", report.Issues[1].Severity)
	}
	if report.Score != 96 {
		t.Errorf("score = %d, want 96", report.Score)
	}
}

func TestReview_TraceabilityMetadata(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements = append(doc.Requirements, urs.Requirement{
		ID:          "FR-002",
		Description: "The system shall archive invoices after 90 days of inactivity.",
		Priority:    urs.PriorityCould,
		Criteria: []urs.AcceptanceCriterion{
			{Criterion: "An invoice untouched for 90 days moves to the archive."},
		},
		Sources:    []urs.SourceReference{{IsAssumption: true, Confidence: urs.ConfidenceLow}},
		Confidence: urs.ConfidenceLow,
	})

	e := NewEvaluator(&fakeCaller{}, discard())
	report, err := e.Review(context.Background(), "sess-1", urs.ClassInternal, doc, chunkSet("C-001"))
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if report.Assumptions != 1 {
		t.Errorf("assumption count = %d, want 1", report.Assumptions)
	}
	if len(report.Uncited) != 1 || report.Uncited[0] != "FR-002" {
		t.Errorf("uncited = %v, want [FR-002]", report.Uncited)
	}
}

func TestScore_FlooredAtZero(t *testing.T) {
	issues := make([]urs.QAIssue, 6)
	for i := range issues {
		issues[i] = urs.QAIssue{Severity: urs.SeverityBlocker}
	}
	if got := score(issues); got != 0 {
		t.Errorf("score = %d, want 0", got)
	}
}

func TestRuleReport_Deterministic(t *testing.T) {
	doc := cleanDoc()
	doc.Requirements[0].Description = "The system shall be easy."
	e := NewEvaluator(&fakeCaller{}, discard())

	a := e.RuleReport(doc, chunkSet("C-001"))
	b := e.RuleReport(doc, chunkSet("C-001"))
	if len(a.Issues) != len(b.Issues) || a.Score != b.Score {
		t.Errorf("rule checks not reproducible: %+v vs %+v", a, b)
	}
}
