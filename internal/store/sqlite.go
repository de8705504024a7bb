package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/shared"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now, newID: newULID}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func newULID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		instructions TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_user_created ON agents(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateAgent inserts a new agent with a ULID id.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) CreateAgent(ctx context.Context, spec domain.AgentSpec) (*domain.AgentConfig, error) {
	meta := spec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode agent metadata: %w", err)
	}

	agent := &domain.AgentConfig{
		ID:           s.newID(),
		Name:         spec.Name,
		Instructions: spec.Instructions,
		Metadata:     meta,
		CreatedAt:    s.now().Truncate(time.Second),
	}

	query := `
		INSERT INTO agents (id, name, instructions, user_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	maxRetries := 3
	baseDelay := 100 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query,
			agent.ID, agent.Name, agent.Instructions, agent.UserID(),
			string(metaJSON), agent.CreatedAt.Unix(),
		)
		if err == nil {
			return agent, nil
		}
		if i == maxRetries-1 {
			break
		}
		if shared.IsSQLiteConstraint(err) {
			slog.Warn("Agent id collision, retrying with a new id", "agent_id", agent.ID, "attempt", i+1)
			agent.ID = s.newID()
			continue
		}
		if !shared.IsSQLiteBusy(err) {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Warn("SQLite busy, retrying agent insert", "agent_id", agent.ID, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("insert agent: %w", err)
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.AgentConfig, error) {
	query := `
		SELECT id, name, instructions, metadata_json, created_at
		FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return agent, nil
}

// ListAgents returns agents newest first, optionally filtered by owner.
func (s *SQLiteStore) ListAgents(ctx context.Context, params ListParams) ([]domain.AgentConfig, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, name, instructions, metadata_json, created_at
		FROM agents`
	args := []any{}
	if params.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, params.UserID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent rows", "error", closeErr)
		}
	}()

	var agents []domain.AgentConfig
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.AgentConfig, error) {
	var agent domain.AgentConfig
	var metaJSON string
	var createdAt int64
	if err := row.Scan(&agent.ID, &agent.Name, &agent.Instructions, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	agent.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(metaJSON), &agent.Metadata); err != nil {
		return nil, fmt.Errorf("decode agent metadata: %w", err)
	}
	agent.CreatedAt = time.Unix(createdAt, 0)
	return &agent, nil
}

var _ Repository = (*SQLiteStore)(nil)
