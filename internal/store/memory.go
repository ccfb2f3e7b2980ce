package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/forgeline/reqforge/internal/urs"
)

// Memory is an in-process Store. Records are snapshotted on Put and Get
// so callers never share mutable state with the store, matching the
// isolation the Postgres implementation gives for free.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]*urs.Session
	documents map[string]map[int]*urs.Document
	reports   map[string]map[int]*urs.QAReport
}

func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*urs.Session),
		documents: make(map[string]map[int]*urs.Document),
		reports:   make(map[string]map[int]*urs.QAReport),
	}
}

func (m *Memory) PutSession(ctx context.Context, sess *urs.Session) error {
	cp, err := clone(sess)
	if err != nil {
		return fmt.Errorf("snapshot session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The cancel flag is monotonic; a stale snapshot cannot clear it.
	if prev, ok := m.sessions[sess.ID]; ok && prev.Cancelled {
		cp.Cancelled = true
	}
	m.sessions[sess.ID] = cp
	return nil
}

func (m *Memory) SetCancelled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, urs.ErrNotFound)
	}
	sess.Cancelled = true
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*urs.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, urs.ErrNotFound)
	}
	return clone(sess)
}

func (m *Memory) PutDocument(ctx context.Context, sessionID string, doc *urs.Document) error {
	cp, err := clone(doc)
	if err != nil {
		return fmt.Errorf("snapshot document: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.documents[sessionID] == nil {
		m.documents[sessionID] = make(map[int]*urs.Document)
	}
	m.documents[sessionID][doc.Version] = cp
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, sessionID string, version int) (*urs.Document, error) {
	m.mu.RLock()
	doc, ok := m.documents[sessionID][version]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("document %s v%d: %w", sessionID, version, urs.ErrNotFound)
	}
	return clone(doc)
}

func (m *Memory) LatestDocument(ctx context.Context, sessionID string) (*urs.Document, error) {
	m.mu.RLock()
	var latest *urs.Document
	for _, doc := range m.documents[sessionID] {
		if latest == nil || doc.Version > latest.Version {
			latest = doc
		}
	}
	m.mu.RUnlock()
	if latest == nil {
		return nil, fmt.Errorf("document %s: %w", sessionID, urs.ErrNotFound)
	}
	return clone(latest)
}

func (m *Memory) PutReport(ctx context.Context, sessionID string, version int, report *urs.QAReport) error {
	cp, err := clone(report)
	if err != nil {
		return fmt.Errorf("snapshot report: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports[sessionID] == nil {
		m.reports[sessionID] = make(map[int]*urs.QAReport)
	}
	m.reports[sessionID][version] = cp
	return nil
}

func (m *Memory) GetReport(ctx context.Context, sessionID string, version int) (*urs.QAReport, error) {
	m.mu.RLock()
	rep, ok := m.reports[sessionID][version]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("report %s v%d: %w", sessionID, version, urs.ErrNotFound)
	}
	return clone(rep)
}

// clone deep-copies a record through its JSON form. All stored types
// round-trip losslessly.
func clone[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	cp := new(T)
	if err := json.Unmarshal(raw, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
