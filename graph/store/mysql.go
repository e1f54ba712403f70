package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps checkpoints in MySQL or MariaDB (InnoDB).
//
// DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/graphs
//
// Saves for one thread are serialised with SELECT ... FOR UPDATE so two
// processes sharing a database cannot both write the same step.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to dsn and creates the checkpoint table.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			thread_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			state JSON NOT NULL,
			frontier JSON NOT NULL,
			inputs JSON NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`)
	return err
}

// Save implements Store.
func (m *MySQLStore) Save(ctx context.Context, threadID string, cp Checkpoint) error {
	enc, err := encode(threadID, cp)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM graph_checkpoints WHERE thread_id = ? FOR UPDATE`, threadID,
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
func (m *MySQLStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	row := m.db.QueryRowContext(ctx, `
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
func (m *MySQLStore) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	rows, err := m.db.QueryContext(ctx, `
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping checks the database connection.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}
