// Package qa reviews generated documents. Rule-based checks are fully
// deterministic and reproducible; one model-assisted check catches
// qualitative problems (vagueness, untestable phrasing) the rules miss.
package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeline/reqforge/internal/executor"
	"github.com/forgeline/reqforge/internal/source"
	"github.com/forgeline/reqforge/internal/urs"
)

// Penalty weights per issue severity. Score = 100 − Σ penalties,
// floored at 0.
const (
	penaltyBlocker = 25
	penaltyMajor   = 10
	penaltyMinor   = 2
)

// Description length bounds for the clarity heuristic, in characters.
const (
	minDescriptionLen = 10
	maxDescriptionLen = 600
)

// vagueTerms make a requirement untestable when used without a metric.
var vagueTerms = []string{
	"fast", "quick", "slow", "easy", "simple", "user-friendly",
	"intuitive", "seamless", "efficient", "effective", "modern",
	"appropriate", "reasonable", "adequate", "sufficient",
	"optimal", "flexible", "robust", "etc",
	"and so on", "as needed", "if necessary", "when appropriate",
}

// StageCaller dispatches the model-assisted check. Satisfied by
// *executor.Executor.
type StageCaller interface {
	Execute(ctx context.Context, sessionID string, class urs.Classification, stage, system, prompt string, out any) (*executor.Usage, error)
}

// Evaluator runs the QA review.
type Evaluator struct {
	caller StageCaller
	logger *slog.Logger
}

func NewEvaluator(caller StageCaller, logger *slog.Logger) *Evaluator {
	return &Evaluator{caller: caller, logger: logger}
}

const qaSystemPrompt = `You are a quality reviewer for requirements documents. Identify vague or untestable phrasing that a rule-based scan would miss. Respond with only a JSON object: {"issues":[{"severity":"blocker|major|minor","category":"...","description":"...","location":"..."}]}.`

// Review runs all deterministic checks plus the model-assisted check
// and returns the scored report. chunkSet is the owning session's
// chunk set, used for the traceability check; class rides along to the
// provider-call audit trail.
func (e *Evaluator) Review(ctx context.Context, sessionID string, class urs.Classification, doc *urs.Document, chunkSet map[string]urs.Chunk) (*urs.QAReport, error) {
	report := e.RuleReport(doc, chunkSet)

	modelIssues, err := e.modelCheck(ctx, sessionID, class, doc)
	if err != nil {
		return nil, fmt.Errorf("model-assisted check: %w", err)
	}
	report.Issues = append(report.Issues, modelIssues...)
	report.Score = score(report.Issues)
	return report, nil
}

// RuleReport runs only the deterministic checks; used by Review and
// for re-scoring without another model call. The report carries the
// traceability metadata from the source tracker.
func (e *Evaluator) RuleReport(doc *urs.Document, chunkSet map[string]urs.Chunk) *urs.QAReport {
	// Traceability, delegated to the source tracker.
	var issues []urs.QAIssue
	tracker := source.NewTracker(chunkSet)
	if err := tracker.Ingest(doc); err != nil {
		issues = append(issues, urs.QAIssue{
			Severity:    urs.SeverityBlocker,
			Category:    "missing_source",
			Description: err.Error(),
			Location:    "requirements",
		})
	}
	issues = append(issues, e.requirementChecks(doc)...)

	return &urs.QAReport{
		Issues:      issues,
		Score:       score(issues),
		Assumptions: source.AssumptionCount(doc),
		Uncited:     tracker.UncitedRequirements(),
		GeneratedAt: time.Now().UTC(),
	}
}

func (e *Evaluator) requirementChecks(doc *urs.Document) []urs.QAIssue {
	var issues []urs.QAIssue

	for i, req := range doc.Requirements {
		loc := fmt.Sprintf("requirements[%d]", i)

		// Completeness: every requirement needs at least one criterion.
		if len(req.Criteria) == 0 {
			issues = append(issues, urs.QAIssue{
				Severity:    urs.SeverityBlocker,
				Category:    "missing_acceptance_criteria",
				Description: fmt.Sprintf("requirement %s has no acceptance criteria and cannot be tested", req.ID),
				Location:    loc + ".acceptance_criteria",
			})
		}

		// Assumptions must be flagged with low confidence.
		if req.IsAssumption() && req.Confidence != urs.ConfidenceLow {
			issues = append(issues, urs.QAIssue{
				Severity:    urs.SeverityMajor,
				Category:    "assumption",
				Description: fmt.Sprintf("requirement %s has no source backing but claims %s confidence", req.ID, req.Confidence),
				Location:    loc,
			})
		}

		// Clarity: description length bounds.
		if n := len(req.Description); n < minDescriptionLen || n > maxDescriptionLen {
			issues = append(issues, urs.QAIssue{
				Severity:    urs.SeverityMajor,
				Category:    "clarity",
				Description: fmt.Sprintf("requirement %s description is %d characters, want %d-%d", req.ID, n, minDescriptionLen, maxDescriptionLen),
				Location:    loc + ".description",
			})
		}

		// Clarity: banned vague terms. One finding per requirement.
		if term := findVagueTerm(req.Description); term != "" {
			issues = append(issues, urs.QAIssue{
				Severity:    urs.SeverityMajor,
				Category:    "vague_language",
				Description: fmt.Sprintf("requirement %s uses vague term %q without a metric", req.ID, term),
				Location:    loc + ".description",
			})
		}

		// Untestable criteria.
		for j, crit := range req.Criteria {
			if term := findVagueTerm(crit.Criterion); term != "" {
				issues = append(issues, urs.QAIssue{
					Severity:    urs.SeverityMinor,
					Category:    "untestable",
					Description: fmt.Sprintf("criterion contains vague term %q and is not objectively verifiable", term),
					Location:    fmt.Sprintf("%s.acceptance_criteria[%d]", loc, j),
				})
			}
		}

		// Format: the house style for requirement statements.
		if !strings.HasPrefix(req.Description, "The system shall") {
			issues = append(issues, urs.QAIssue{
				Severity:    urs.SeverityMinor,
				Category:    "format",
				Description: fmt.Sprintf("requirement %s should start with \"The system shall\"", req.ID),
				Location:    loc + ".description",
			})
		}
	}

	return issues
}

func (e *Evaluator) modelCheck(ctx context.Context, sessionID string, class urs.Classification, doc *urs.Document) ([]urs.QAIssue, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	var out struct {
		Issues []urs.QAIssue `json:"issues"`
	}
	if _, err := e.caller.Execute(ctx, sessionID, class, "qa", qaSystemPrompt, string(payload), &out); err != nil {
		return nil, err
	}

	// Normalize severities the model may have invented.
	for i, is := range out.Issues {
		switch is.Severity {
		case urs.SeverityBlocker, urs.SeverityMajor, urs.SeverityMinor:
		default:
			out.Issues[i].Severity = urs.SeverityMinor
		}
	}
	return out.Issues, nil
}

func findVagueTerm(text string) string {
	lower := strings.ToLower(text)
	for _, term := range vagueTerms {
		idx := strings.Index(lower, term)
		for idx >= 0 {
			if isWordBoundary(lower, idx, len(term)) {
				return term
			}
			next := strings.Index(lower[idx+1:], term)
			if next < 0 {
				break
			}
			idx += 1 + next
		}
	}
	return ""
}

// isWordBoundary guards against flagging substrings, e.g. "breakfast"
// for "fast" or "request" for "quest".
func isWordBoundary(s string, idx, length int) bool {
	before := idx == 0 || !isLetter(s[idx-1])
	end := idx + length
	after := end >= len(s) || !isLetter(s[end])
	return before && after
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '-'
}

func score(issues []urs.QAIssue) int {
	total := 100
	for _, is := range issues {
		switch is.Severity {
		case urs.SeverityBlocker:
			total -= penaltyBlocker
		case urs.SeverityMajor:
			total -= penaltyMajor
		case urs.SeverityMinor:
			total -= penaltyMinor
		}
	}
	if total < 0 {
		return 0
	}
	return total
}
