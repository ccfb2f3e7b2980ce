package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeline/reqforge/internal/urs"
)

// Postgres is the production Store backed by a pgx connection pool.
//
// Tables: sessions, session_chunks, session_facts, session_questions,
// documents, qa_reports. Documents and reports are stored as jsonb
// payloads keyed by (session_id, version); session child rows are
// rewritten as a unit on every PutSession.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) PutSession(ctx context.Context, sess *urs.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The cancelled column is deliberately absent from the update list:
	// only SetCancelled writes it after insert, so a stale session
	// snapshot can never clear the flag.
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, classification, state, title, requestor, department, doc_version, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			classification = EXCLUDED.classification,
			state = EXCLUDED.state,
			title = EXCLUDED.title,
			requestor = EXCLUDED.requestor,
			department = EXCLUDED.department,
			doc_version = EXCLUDED.doc_version`,
		sess.ID, sess.Classification, sess.State, sess.Metadata.Title, sess.Metadata.Requestor, sess.Metadata.Department, sess.DocVersion, sess.Cancelled, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	// Child rows are replaced wholesale; each stage rewrites its own
	// slice on the session.
	for _, table := range []string{"session_chunks", "session_facts", "session_questions"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE session_id = $1", sess.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, c := range sess.Chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO session_chunks (session_id, position, chunk_id, text, start_offset, end_offset, page, source_document, content_hash, classification)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sess.ID, i, c.ID, c.Text, c.StartOffset, c.EndOffset, c.Page, c.SourceDocument, c.ContentHash, c.Classification,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	for i, f := range sess.Facts {
		_, err := tx.Exec(ctx, `
			INSERT INTO session_facts (session_id, position, fact_id, statement, category, chunk_ids)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sess.ID, i, f.ID, f.Statement, f.Category, f.ChunkIDs,
		)
		if err != nil {
			return fmt.Errorf("insert fact %s: %w", f.ID, err)
		}
	}

	for i, q := range sess.Questions {
		_, err := tx.Exec(ctx, `
			INSERT INTO session_questions (session_id, position, question_id, question, chunk_ids, answer)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sess.ID, i, q.ID, q.Text, q.ChunkIDs, q.Answer,
		)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) SetCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE sessions SET cancelled = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, urs.ErrNotFound)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*urs.Session, error) {
	sess := &urs.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, classification, state, title, requestor, department, doc_version, cancelled, created_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Classification, &sess.State, &sess.Metadata.Title, &sess.Metadata.Requestor, &sess.Metadata.Department, &sess.DocVersion, &sess.Cancelled, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, urs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, text, start_offset, end_offset, page, source_document, content_hash, classification
		FROM session_chunks WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c urs.Chunk
		if err := rows.Scan(&c.ID, &c.Text, &c.StartOffset, &c.EndOffset, &c.Page, &c.SourceDocument, &c.ContentHash, &c.Classification); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		sess.Chunks = append(sess.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	frows, err := s.pool.Query(ctx, `
		SELECT fact_id, statement, category, chunk_ids
		FROM session_facts WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f urs.Fact
		if err := frows.Scan(&f.ID, &f.Statement, &f.Category, &f.ChunkIDs); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		sess.Facts = append(sess.Facts, f)
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}

	qrows, err := s.pool.Query(ctx, `
		SELECT question_id, question, chunk_ids, answer
		FROM session_questions WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var q urs.Question
		if err := qrows.Scan(&q.ID, &q.Text, &q.ChunkIDs, &q.Answer); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		sess.Questions = append(sess.Questions, q)
	}
	if err := qrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}

	return sess, nil
}

func (s *Postgres) PutDocument(ctx context.Context, sessionID string, doc *urs.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (session_id, version, payload, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, version) DO UPDATE SET payload = EXCLUDED.payload`,
		sessionID, doc.Version, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *Postgres) GetDocument(ctx context.Context, sessionID string, version int) (*urs.Document, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM documents WHERE session_id = $1 AND version = $2`,
		sessionID, version,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s v%d: %w", sessionID, version, urs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return decodeDocument(payload)
}

func (s *Postgres) LatestDocument(ctx context.Context, sessionID string) (*urs.Document, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM documents WHERE session_id = $1 ORDER BY version DESC LIMIT 1`,
		sessionID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", sessionID, urs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest document: %w", err)
	}
	return decodeDocument(payload)
}

func (s *Postgres) PutReport(ctx context.Context, sessionID string, version int, report *urs.QAReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO qa_reports (session_id, version, payload, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, version) DO UPDATE SET payload = EXCLUDED.payload`,
		sessionID, version, payload,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

func (s *Postgres) GetReport(ctx context.Context, sessionID string, version int) (*urs.QAReport, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM qa_reports WHERE session_id = $1 AND version = $2`,
		sessionID, version,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s v%d: %w", sessionID, version, urs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	var rep urs.QAReport
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}

func decodeDocument(payload []byte) (*urs.Document, error) {
	var doc urs.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}
