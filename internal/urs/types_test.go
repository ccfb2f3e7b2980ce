package urs

import (
	"errors"
	"testing"
)

func chunkSet(ids ...string) map[string]Chunk {
	set := make(map[string]Chunk, len(ids))
	for _, id := range ids {
		set[id] = Chunk{ID: id}
	}
	return set
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		in      string
		want    Classification
		wantErr bool
	}{
		{"", ClassInternal, false},
		{"internal", ClassInternal, false},
		{"INTERNAL", ClassInternal, false},
		{"Confidential", ClassConfidential, false},
		{"secret", "", true},
		{"public", "", true},
	}
	for _, tt := range tests {
		got, err := ParseClassification(tt.in)
		if tt.wantErr {
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Errorf("ParseClassification(%q): expected ValidationError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClassification(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClassification(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateCitations_Valid(t *testing.T) {
	doc := &Document{
		Requirements: []Requirement{
			{
				ID:         "FR-001",
				Sources:    []SourceReference{{ChunkID: "C-001"}},
				Confidence: ConfidenceHigh,
			},
			{
				ID:         "FR-002",
				Sources:    []SourceReference{{IsAssumption: true}},
				Confidence: ConfidenceLow,
			},
		},
	}
	if err := ValidateCitations(doc, chunkSet("C-001")); err != nil {
		t.Errorf("expected valid document, got %v", err)
	}
}

func TestValidateCitations_OrphanCitation(t *testing.T) {
	doc := &Document{
		Requirements: []Requirement{
			{ID: "FR-001", Sources: []SourceReference{{ChunkID: "C-099"}}},
		},
	}
	err := ValidateCitations(doc, chunkSet("C-001"))
	var orphan *OrphanCitationError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected OrphanCitationError, got %v", err)
	}
	if orphan.ChunkID != "C-099" || orphan.RequirementID != "FR-001" {
		t.Errorf("orphan = %+v", orphan)
	}
}

func TestValidateCitations_AssumptionMustBeLowConfidence(t *testing.T) {
	doc := &Document{
		Requirements: []Requirement{
			{
				ID:         "FR-001",
				Sources:    []SourceReference{{IsAssumption: true}},
				Confidence: ConfidenceHigh,
			},
		},
	}
	err := ValidateCitations(doc, chunkSet("C-001"))
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidateCitations_NoSourcesTreatedAsAssumption(t *testing.T) {
	doc := &Document{
		Requirements: []Requirement{
			{ID: "FR-001", Confidence: ConfidenceLow},
		},
	}
	if err := ValidateCitations(doc, chunkSet("C-001")); err != nil {
		t.Errorf("unsourced low-confidence requirement should pass, got %v", err)
	}
}

func TestRequirementIsAssumption(t *testing.T) {
	tests := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"no sources", Requirement{}, true},
		{"all assumption refs", Requirement{Sources: []SourceReference{{IsAssumption: true}, {IsAssumption: true}}}, true},
		{"one real citation", Requirement{Sources: []SourceReference{{IsAssumption: true}, {ChunkID: "C-001"}}}, false},
	}
	for _, tt := range tests {
		if got := tt.req.IsAssumption(); got != tt.want {
			t.Errorf("%s: IsAssumption() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCreated, StateChunked, StateNormalized, StateQuestionsPending, StateAnswersReceived, StateDocumentGenerated, StateQAComplete} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateApproved, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestQAReportBlockers(t *testing.T) {
	rep := QAReport{Issues: []QAIssue{
		{Severity: SeverityMinor, Category: "format"},
		{Severity: SeverityBlocker, Category: "completeness"},
		{Severity: SeverityMajor, Category: "clarity"},
		{Severity: SeverityBlocker, Category: "traceability"},
	}}
	blockers := rep.Blockers()
	if len(blockers) != 2 {
		t.Fatalf("expected 2 blockers, got %d", len(blockers))
	}
	if blockers[0].Category != "completeness" || blockers[1].Category != "traceability" {
		t.Errorf("blockers = %+v", blockers)
	}
}
