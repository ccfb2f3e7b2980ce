// Package source indexes citation relationships between chunks and the
// requirements that cite them. The tracker protects the traceability
// guarantee: a citation to a chunk that does not exist in the session's
// chunk set is rejected, never silently accepted.
package source

import (
	"sort"

	"github.com/forgeline/reqforge/internal/urs"
)

// Tracker holds the forward (chunk) and reverse (requirement → chunks)
// citation indexes for one session's document. It is built per stage
// call and not shared across goroutines.
type Tracker struct {
	chunks       map[string]urs.Chunk
	citations    map[string][]string // requirement_id -> chunk_ids
	citedBy      map[string][]string // chunk_id -> requirement_ids
	requirements []string
}

// NewTracker creates a tracker over the session's chunk set.
func NewTracker(chunks map[string]urs.Chunk) *Tracker {
	return &Tracker{
		chunks:    chunks,
		citations: make(map[string][]string),
		citedBy:   make(map[string][]string),
	}
}

// Ingest indexes every citation in the document. A non-assumption
// reference to a chunk absent from the chunk set fails with
// OrphanCitationError.
func (t *Tracker) Ingest(doc *urs.Document) error {
	for _, req := range doc.Requirements {
		t.requirements = append(t.requirements, req.ID)
		for _, src := range req.Sources {
			if src.IsAssumption {
				continue
			}
			if _, ok := t.chunks[src.ChunkID]; !ok {
				return &urs.OrphanCitationError{ChunkID: src.ChunkID, RequirementID: req.ID}
			}
			t.citations[req.ID] = append(t.citations[req.ID], src.ChunkID)
			t.citedBy[src.ChunkID] = append(t.citedBy[src.ChunkID], req.ID)
		}
	}
	return nil
}

// CitationsFor returns the chunk IDs cited by a requirement, sorted.
func (t *Tracker) CitationsFor(requirementID string) []string {
	out := append([]string(nil), t.citations[requirementID]...)
	sort.Strings(out)
	return out
}

// RequirementsCiting returns the requirement IDs citing a chunk, sorted.
func (t *Tracker) RequirementsCiting(chunkID string) []string {
	out := append([]string(nil), t.citedBy[chunkID]...)
	sort.Strings(out)
	return out
}

// Chunk looks up a chunk by ID.
func (t *Tracker) Chunk(chunkID string) (urs.Chunk, bool) {
	c, ok := t.chunks[chunkID]
	return c, ok
}

// UncitedRequirements returns the IDs of ingested requirements with no
// real (non-assumption) citation, in document order.
func (t *Tracker) UncitedRequirements() []string {
	var out []string
	for _, id := range t.requirements {
		if len(t.citations[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// AssumptionCount counts requirements in the document whose every
// source reference is flagged as an assumption.
func AssumptionCount(doc *urs.Document) int {
	n := 0
	for _, req := range doc.Requirements {
		if req.IsAssumption() {
			n++
		}
	}
	return n
}
