package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/forgeline/reqforge/internal/urs"
)

// Mock is the deterministic offline provider. It synthesises
// schema-valid structured output purely from the request content: same
// input, same output, no network. It lets the whole pipeline run and be
// tested without an API key.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string   { return "mock" }
func (m *Mock) External() bool { return false }

// chunkLine matches the "[C-001] text" lines the stage prompts use to
// present source chunks.
var chunkLine = regexp.MustCompile(`(?m)^\[(C-\d+)\]\s*(.+)$`)

func (m *Mock) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &urs.ProviderError{Provider: m.Name(), Transient: true, Err: err}
	}

	var payload any
	switch req.Stage {
	case "normalize":
		payload = m.normalize(req.Prompt)
	case "clarify":
		payload = m.clarify(req.Prompt)
	case "generate":
		payload = m.generate(req.Prompt)
	case "qa":
		payload = m.qa(req.Prompt)
	default:
		payload = map[string]string{"text": firstSentence(req.Prompt)}
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, &urs.ProviderError{Provider: m.Name(), Err: fmt.Errorf("marshal mock payload: %w", err)}
	}

	return &Result{
		Text:      string(text),
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: len(text) / 4,
		Model:     "mock",
	}, nil
}

type promptChunk struct {
	id   string
	text string
}

func parseChunks(prompt string) []promptChunk {
	var out []promptChunk
	for _, match := range chunkLine.FindAllStringSubmatch(prompt, -1) {
		out = append(out, promptChunk{id: match[1], text: strings.TrimSpace(match[2])})
	}
	return out
}

func (m *Mock) normalize(prompt string) map[string]any {
	var facts []map[string]any
	for i, c := range parseChunks(prompt) {
		facts = append(facts, map[string]any{
			"fact_id":   fmt.Sprintf("F-%03d", i+1),
			"statement": firstSentence(c.text),
			"category":  "process",
			"chunk_ids": []string{c.id},
		})
	}
	return map[string]any{"facts": facts}
}

func (m *Mock) clarify(prompt string) map[string]any {
	var questions []map[string]any
	for i, c := range parseChunks(prompt) {
		if i >= 3 {
			break
		}
		questions = append(questions, map[string]any{
			"question_id":       fmt.Sprintf("Q-%03d", i+1),
			"question":          fmt.Sprintf("What measurable target defines success for %q?", truncateWords(firstSentence(c.text), 8)),
			"related_chunk_ids": []string{c.id},
		})
	}
	return map[string]any{"questions": questions}
}

func (m *Mock) generate(prompt string) map[string]any {
	chunks := parseChunks(prompt)

	var statements []string
	var reqs []map[string]any
	for i, c := range chunks {
		stmt := firstSentence(c.text)
		statements = append(statements, stmt)
		reqs = append(reqs, map[string]any{
			"requirement_id": fmt.Sprintf("FR-%03d", i+1),
			"priority":       "Must",
			"description":    "The system shall address the stated need: " + strings.TrimSuffix(stmt, "."),
			"rationale":      "Stated directly in the source material.",
			"acceptance_criteria": []map[string]string{
				{"criterion": "The capability is demonstrated end to end in at least 1 acceptance run."},
				{"criterion": "Outcome is measured against the baseline within 30 days of go-live."},
			},
			"source_references": []map[string]any{
				{"chunk_id": c.id, "is_assumption": false, "confidence": "high"},
			},
			"confidence_level": "high",
		})
	}

	// One explicit assumption, as real generations tend to include.
	reqs = append(reqs, map[string]any{
		"requirement_id": fmt.Sprintf("FR-%03d", len(chunks)+1),
		"priority":       "Could",
		"description":    "The system shall provide role-based access with at least 2 permission levels.",
		"rationale":      "Inferred; no stakeholder input covers access control.",
		"acceptance_criteria": []map[string]string{
			{"criterion": "Each permission level is verified by logging in as a user of that level."},
		},
		"source_references": []map[string]any{
			{"chunk_id": "", "is_assumption": true, "confidence": "low"},
		},
		"confidence_level": "low",
	})

	return map[string]any{
		"problem_statement": strings.Join(statements, " "),
		"requirements":      reqs,
	}
}

// vagueTerms is intentionally a small subset of the rule-based list in
// the QA evaluator; the mock only has to produce plausible findings.
var vagueTerms = []string{"fast", "easy", "user-friendly", "efficient", "robust"}

func (m *Mock) qa(prompt string) map[string]any {
	issues := []map[string]any{}
	lower := strings.ToLower(prompt)
	for _, term := range vagueTerms {
		if strings.Contains(lower, term) {
			issues = append(issues, map[string]any{
				"severity":    "minor",
				"category":    "vague_language",
				"description": fmt.Sprintf("term %q is subjective; replace with a measurable target", term),
				"location":    "document",
			})
		}
	}
	return map[string]any{"issues": issues}
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i := 0; i < len(text)-1; i++ {
		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && text[i+1] == ' ' {
			return text[:i+1]
		}
	}
	return text
}

func truncateWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}
