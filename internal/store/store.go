// Package store persists sessions, document versions, and QA reports.
// Two implementations exist: Memory for tests and single-process runs,
// and Postgres for production.
package store

import (
	"context"

	"github.com/forgeline/reqforge/internal/urs"
)

// Store is the persistence boundary used by the pipeline orchestrator.
// Get methods return urs.ErrNotFound (possibly wrapped) when the keyed
// record does not exist. Put methods overwrite.
type Store interface {
	// PutSession writes the full session record, replacing any prior
	// version under the same ID. The cancel flag is monotonic: once
	// set through SetCancelled it survives every later PutSession, so
	// a writer holding a pre-cancel snapshot cannot revive the session.
	PutSession(ctx context.Context, sess *urs.Session) error
	GetSession(ctx context.Context, id string) (*urs.Session, error)

	// SetCancelled atomically sets the session's cancel flag without
	// touching any other field.
	SetCancelled(ctx context.Context, id string) error

	// PutDocument writes one immutable document version for a session.
	// The version is taken from doc.Version.
	PutDocument(ctx context.Context, sessionID string, doc *urs.Document) error
	GetDocument(ctx context.Context, sessionID string, version int) (*urs.Document, error)
	// LatestDocument returns the highest stored version for the session.
	LatestDocument(ctx context.Context, sessionID string) (*urs.Document, error)

	// PutReport writes the QA report for one document version.
	PutReport(ctx context.Context, sessionID string, version int, report *urs.QAReport) error
	GetReport(ctx context.Context, sessionID string, version int) (*urs.QAReport, error)
}
