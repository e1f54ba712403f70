package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoints in a single SQLite file.
//
// The database runs in WAL mode with synchronous=FULL so a committed save
// survives a crash. One connection is used; SQLite has a single writer
// anyway and this keeps busy errors away from concurrent threads.
//
//	st, err := store.NewSQLiteStore("./graph.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			state TEXT NOT NULL,
			frontier TEXT NOT NULL,
			inputs TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, step)
		)
	`)
	return err
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, cp Checkpoint) error {
	enc, err := encode(threadID, cp)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM graph_checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest step: %w", err)
	}
	if latest.Valid && int64(cp.Step) <= latest.Int64 {
		return staleError(threadID, cp.Step, int(latest.Int64))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO graph_checkpoints (thread_id, step, state, frontier, inputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, threadID, cp.Step, string(enc.state), string(enc.frontier), nullText(enc.inputs), enc.created); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Checkpoint{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT step, state, frontier, inputs, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY step DESC
		LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(threadID, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	return cp, err
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step, state, frontier, inputs, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY step ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectRows(threadID, rows)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// scanCheckpoint reads the column list shared by every database/sql backend.
func scanCheckpoint(threadID string, scan func(dest ...any) error) (Checkpoint, error) {
	var (
		step     int
		state    []byte
		frontier []byte
		inputs   []byte
		created  int64
	)
	if err := scan(&step, &state, &frontier, &inputs, &created); err != nil {
		return Checkpoint{}, err
	}
	return decode(threadID, step, encoded{state: state, frontier: frontier, inputs: inputs, created: created})
}

func collectRows(threadID string, rows *sql.Rows) ([]Checkpoint, error) {
	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(threadID, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func nullText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
