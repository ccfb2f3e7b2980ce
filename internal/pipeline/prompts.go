package pipeline

import (
	"fmt"
	"strings"

	"github.com/forgeline/reqforge/internal/urs"
)

const normalizeSystemPrompt = `You are a requirements analyst. Extract structured facts from raw stakeholder input.

## Rules

1. Only extract information explicitly stated in the input. Never invent or assume.
2. Every fact MUST cite the chunk ID(s) where it was found.
3. Preserve original meaning; prefer the source's own wording.

Respond with valid JSON matching this schema:
{
  "facts": [
    {
      "fact_id": "F-001",
      "statement": "string",
      "category": "requirement|constraint|context|pain_point|goal|stakeholder|process|assumption",
      "chunk_ids": ["C-001"]
    }
  ]
}

Return ONLY the JSON object, no markdown fences or other text.`

const clarifySystemPrompt = `You are a requirements analyst. Identify gaps, ambiguities, and contradictions in stakeholder input, then write clarifying questions.

## Rules

1. Each question must address a specific gap or ambiguity. No generic questions.
2. Reference the chunk IDs that prompted each question.
3. Keep questions neutral; do not embed assumptions.
4. Questions must be answerable by stakeholders, not implementation questions.

Respond with valid JSON matching this schema:
{
  "questions": [
    {
      "question_id": "Q-001",
      "question": "string",
      "related_chunk_ids": ["C-001"]
    }
  ]
}

Return ONLY the JSON object, no markdown fences or other text.`

const generateSystemPrompt = `You are a requirements engineer. Generate a complete requirements document from analyzed stakeholder input.

## Rules

1. Every requirement MUST be traceable to source chunks via source_references. Do NOT invent requirements.
2. If you must infer a requirement, mark every reference with is_assumption: true and set confidence_level: "low".
3. All requirements follow "The system shall..." format.
4. Every requirement needs at least one testable acceptance criterion.
5. Confidence: high = explicitly stated, medium = clearly implied, low = inferred.
6. Priority is MoSCoW: Must | Should | Could.

Respond with valid JSON matching this schema:
{
  "problem_statement": "string",
  "requirements": [
    {
      "requirement_id": "FR-001",
      "priority": "Must|Should|Could",
      "description": "The system shall...",
      "rationale": "string",
      "acceptance_criteria": [{"criterion": "string"}],
      "source_references": [{"chunk_id": "C-001", "is_assumption": false, "confidence": "high"}],
      "confidence_level": "high|medium|low"
    }
  ]
}

Return ONLY the JSON object, no markdown fences or other text.`

// renderChunks writes one "[C-001] text" line per chunk. The mock
// provider parses these lines back out, and the real provider cites
// the bracketed IDs.
func renderChunks(chunks []urs.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%s] %s\n", c.ID, c.Text)
	}
	return b.String()
}

func renderFacts(facts []urs.Fact) string {
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- [%s] (%s) %s (sources: %s)\n", f.ID, f.Category, f.Statement, strings.Join(f.ChunkIDs, ", "))
	}
	return b.String()
}

func renderAnswers(questions []urs.Question) string {
	var b strings.Builder
	for _, q := range questions {
		answer := q.Answer
		if answer == "" {
			answer = "(unanswered; treat as an open assumption)"
		}
		fmt.Fprintf(&b, "- [%s] Q: %s\n  A: %s\n", q.ID, q.Text, answer)
	}
	return b.String()
}

func normalizePrompt(sess *urs.Session) string {
	return fmt.Sprintf(`## SOURCE CHUNKS

%s
## TASK

Extract ALL facts from these chunks. Cite the source chunk ID(s) for every fact.

Respond with valid JSON only.`, renderChunks(sess.Chunks))
}

func clarifyPrompt(sess *urs.Session) string {
	return fmt.Sprintf(`## EXTRACTED FACTS

%s
## SOURCE CHUNKS

%s
## TASK

Write clarifying questions for the gaps, ambiguities, and contradictions in this material. Cite the related chunk IDs.

Respond with valid JSON only.`, renderFacts(sess.Facts), renderChunks(sess.Chunks))
}

func generatePrompt(sess *urs.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## PROJECT\n\nTitle: %s\nRequestor: %s\nDepartment: %s\n\n", sess.Metadata.Title, sess.Metadata.Requestor, sess.Metadata.Department)
	fmt.Fprintf(&b, "## SOURCE CHUNKS\n\n%s\n", renderChunks(sess.Chunks))
	if len(sess.Facts) > 0 {
		fmt.Fprintf(&b, "## EXTRACTED FACTS\n\n%s\n", renderFacts(sess.Facts))
	}
	if len(sess.Questions) > 0 {
		fmt.Fprintf(&b, "## CLARIFICATIONS\n\n%s\n", renderAnswers(sess.Questions))
	}
	b.WriteString(`## TASK

Generate the complete requirements document. Every requirement cites real chunks or is marked as an assumption with low confidence.

Respond with valid JSON only.`)
	return b.String()
}
