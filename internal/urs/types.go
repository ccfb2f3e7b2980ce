// Package urs defines the canonical data model for requirements
// documents: source chunks, requirements with citations, clarifying
// questions, QA reports, and pipeline sessions.
package urs

import (
	"fmt"
	"strings"
	"time"
)

// Classification is the sensitivity tier of a session's source material.
// It governs whether external LLM providers may be used.
type Classification string

const (
	ClassInternal     Classification = "INTERNAL"
	ClassConfidential Classification = "CONFIDENTIAL"
)

// ParseClassification normalizes a caller-supplied classification.
// Empty input defaults to INTERNAL; unknown values are rejected.
func ParseClassification(s string) (Classification, error) {
	switch Classification(strings.ToUpper(s)) {
	case "":
		return ClassInternal, nil
	case ClassInternal:
		return ClassInternal, nil
	case ClassConfidential:
		return ClassConfidential, nil
	default:
		return "", &ValidationError{Msg: fmt.Sprintf("unknown classification %q", s)}
	}
}

// Priority uses MoSCoW levels, minus Won't.
type Priority string

const (
	PriorityMust   Priority = "Must"
	PriorityShould Priority = "Should"
	PriorityCould  Priority = "Could"
)

// Confidence reflects how well a requirement is backed by sources.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// DocumentStatus is the lifecycle status of a generated document.
type DocumentStatus string

const (
	StatusDraft       DocumentStatus = "draft"
	StatusUnderReview DocumentStatus = "under_review"
	StatusApproved    DocumentStatus = "approved"
)

// Chunk is a bounded, stably-identified unit of source text, the atomic
// citation target. Chunks are immutable once created. IDs are
// deterministic functions of input content and position, never reused.
type Chunk struct {
	ID             string         `json:"chunk_id"`
	Text           string         `json:"text"`
	StartOffset    int            `json:"start_offset"`
	EndOffset      int            `json:"end_offset"`
	Page           int            `json:"page,omitempty"`
	SourceDocument string         `json:"source_document_id"`
	ContentHash    string         `json:"content_hash"`
	Classification Classification `json:"classification"`
}

// SourceReference links a requirement back to the chunk that justifies
// it. A reference with IsAssumption set cites no real source; the
// requirement was inferred by the model.
type SourceReference struct {
	ChunkID      string     `json:"chunk_id"`
	IsAssumption bool       `json:"is_assumption"`
	Confidence   Confidence `json:"confidence"`
}

// AcceptanceCriterion is one testable condition for a requirement.
type AcceptanceCriterion struct {
	Criterion string `json:"criterion"`
}

// Requirement is a single requirement with full source traceability.
type Requirement struct {
	ID          string                `json:"requirement_id"`
	Description string                `json:"description"`
	Rationale   string                `json:"rationale,omitempty"`
	Priority    Priority              `json:"priority"`
	Criteria    []AcceptanceCriterion `json:"acceptance_criteria"`
	Sources     []SourceReference     `json:"source_references"`
	Confidence  Confidence            `json:"confidence_level"`
}

// IsAssumption reports whether every source reference on the
// requirement is flagged as an assumption (or the requirement has no
// references at all).
func (r Requirement) IsAssumption() bool {
	if len(r.Sources) == 0 {
		return true
	}
	for _, src := range r.Sources {
		if !src.IsAssumption {
			return false
		}
	}
	return true
}

// DocumentMetadata carries the identifying fields of a document.
type DocumentMetadata struct {
	Title      string `json:"title"`
	Requestor  string `json:"requestor"`
	Department string `json:"department,omitempty"`
}

// Document is a complete generated requirements document.
type Document struct {
	Metadata         DocumentMetadata `json:"metadata"`
	ProblemStatement string           `json:"problem_statement"`
	Requirements     []Requirement    `json:"requirements"`
	Version          int              `json:"version"`
	Status           DocumentStatus   `json:"status"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Fact is a normalized statement extracted from source chunks during
// the normalize stage, before requirements are generated.
type Fact struct {
	ID        string   `json:"fact_id"`
	Statement string   `json:"statement"`
	Category  string   `json:"category,omitempty"`
	ChunkIDs  []string `json:"chunk_ids"`
}

// Question is a clarifying question raised by the clarify stage.
type Question struct {
	ID       string   `json:"question_id"`
	Text     string   `json:"question"`
	ChunkIDs []string `json:"related_chunk_ids,omitempty"`
	Answer   string   `json:"answer,omitempty"`
}

// IssueSeverity orders QA issues by how strongly they block approval.
type IssueSeverity string

const (
	SeverityBlocker IssueSeverity = "blocker"
	SeverityMajor   IssueSeverity = "major"
	SeverityMinor   IssueSeverity = "minor"
)

// QAIssue is a single finding from the QA evaluator.
type QAIssue struct {
	Severity    IssueSeverity `json:"severity"`
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Location    string        `json:"location"`
}

// QAReport is the scored result of reviewing a document. Assumptions
// and Uncited summarize the traceability picture: how many requirements
// rest on no real source, and which ones.
type QAReport struct {
	Issues      []QAIssue `json:"issues"`
	Score       int       `json:"score"`
	Assumptions int       `json:"assumption_count"`
	Uncited     []string  `json:"uncited_requirements,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Blockers returns the blocker-severity issues in the report.
func (r QAReport) Blockers() []QAIssue {
	var out []QAIssue
	for _, is := range r.Issues {
		if is.Severity == SeverityBlocker {
			out = append(out, is)
		}
	}
	return out
}

// State is a session's position in the pipeline state machine.
type State string

const (
	StateCreated           State = "CREATED"
	StateChunked           State = "CHUNKED"
	StateNormalized        State = "NORMALIZED"
	StateQuestionsPending  State = "QUESTIONS_PENDING"
	StateAnswersReceived   State = "ANSWERS_RECEIVED"
	StateDocumentGenerated State = "DOCUMENT_GENERATED"
	StateQAComplete        State = "QA_COMPLETE"
	StateApproved          State = "APPROVED"
	StateFailed            State = "FAILED"
)

// Terminal reports whether no further stage can run from s.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateFailed
}

// Session tracks one end-to-end pipeline run. It is exclusively owned
// by the orchestrator; other components receive its data by reference
// for the duration of one stage call only.
type Session struct {
	ID             string           `json:"session_id"`
	Classification Classification   `json:"classification"`
	State          State            `json:"state"`
	Metadata       DocumentMetadata `json:"metadata,omitzero"`
	Chunks         []Chunk          `json:"chunks,omitempty"`
	Facts          []Fact           `json:"facts,omitempty"`
	Questions      []Question       `json:"questions,omitempty"`
	DocVersion     int              `json:"doc_version,omitempty"`
	Cancelled      bool             `json:"cancelled,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ChunkSet returns the session's chunks indexed by ID.
func (s *Session) ChunkSet() map[string]Chunk {
	set := make(map[string]Chunk, len(s.Chunks))
	for _, c := range s.Chunks {
		set[c.ID] = c
	}
	return set
}
