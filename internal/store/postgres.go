package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// DB is the subset of *pgx.Conn used by PG.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// PG mirrors enrolled identities and attendance into PostgreSQL with pgvector.
type PG struct {
	// pgx.Conn is not safe for concurrent use.
	mu      sync.Mutex
	conn    DB
	session uuid.UUID
}

// NewPGWithDB wraps an established connection whose schema and types are already set up.
func NewPGWithDB(db DB) *PG {
	return &PG{conn: db, session: uuid.New()}
}

// NewPG establishes a connection to the database and ensures the schema is initialized.
func NewPG(ctx context.Context, connString string) (*PG, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	// The vector OID only exists once the extension is created.
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register pgvector types: %w", err)
	}

	return NewPGWithDB(conn), nil
}

// initSchema creates the tables and vector extension if they don't exist.
// The embedding column is left unsized so models of any dimension can be stored.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			label TEXT PRIMARY KEY,
			embedding VECTOR NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL,
			label TEXT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS attendance_seen_at_idx ON attendance (seen_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *PG) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// Session identifies this process in the attendance table.
func (s *PG) Session() uuid.UUID {
	return s.session
}

// UpsertIdentity inserts or replaces the embedding for label.
func (s *PG) UpsertIdentity(ctx context.Context, label string, vec types.Embedding) error {
	if err := types.ValidateLabel(label); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO identities (label, embedding, enrolled_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (label) DO UPDATE SET embedding = EXCLUDED.embedding, enrolled_at = NOW()
	`, label, pgvector.NewVector(vec))
	return err
}

// DeleteIdentity removes label. It returns ErrUnknownIdentity if nothing was deleted.
func (s *PG) DeleteIdentity(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, "DELETE FROM identities WHERE label = $1", label)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, label)
	}
	return nil
}

// LoadKnown reads every enrolled identity.
func (s *PG) LoadKnown(ctx context.Context) (types.KnownEmbeddings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT label, embedding FROM identities")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(types.KnownEmbeddings)
	for rows.Next() {
		var label string
		var vec pgvector.Vector
		if err := rows.Scan(&label, &vec); err != nil {
			return nil, err
		}
		known[label] = types.Embedding(vec.Slice())
	}
	return known, rows.Err()
}

// FindClosest returns the nearest identity by L2 distance (pgvector's <-> operator)
// when that distance is strictly below threshold. ok is false otherwise.
func (s *PG) FindClosest(ctx context.Context, vec types.Embedding, threshold float32) (label string, distance float32, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT label, (embedding <-> $1)::real AS distance
		FROM identities
		WHERE CASE WHEN vector_dims(embedding) = $3 THEN embedding <-> $1 < $2 ELSE false END
		ORDER BY embedding <-> $1 ASC, label ASC
		LIMIT 1
	`
	err = s.conn.QueryRow(ctx, query, pgvector.NewVector(vec), threshold, len(vec)).Scan(&label, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, nil // No match found
	}
	if err != nil {
		return "", 0, false, err
	}
	return label, distance, true, nil
}

// Record stores one attendance row tagged with this process's session id.
func (s *PG) Record(ctx context.Context, identity string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO attendance (session_id, label, seen_at)
		VALUES ($1, $2, $3)
	`, s.session, identity, at.UTC())
	return err
}

// ListAttendance returns rows seen at or after since, oldest first.
func (s *PG) ListAttendance(ctx context.Context, since time.Time) ([]types.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT label, seen_at FROM attendance
		WHERE seen_at >= $1
		ORDER BY seen_at ASC, id ASC
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceRecord
	for rows.Next() {
		var r types.AttendanceRecord
		if err := rows.Scan(&r.Identity, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
func (s *PG) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
