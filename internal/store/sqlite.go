package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/middleman/internal/domain"
	"github.com/ashureev/middleman/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL,
		role TEXT NOT NULL,
		display_name TEXT NOT NULL,
		cwd TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		thinking_level TEXT NOT NULL DEFAULT '',
		session_file TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		context_used INTEGER,
		context_total INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_manager ON agents(manager_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}

// UpsertAgent creates or updates an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
	INSERT INTO agents (
		agent_id, manager_id, role, display_name, cwd,
		provider, model_id, thinking_level, session_file, status,
		context_used, context_total, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		manager_id = excluded.manager_id,
		role = excluded.role,
		display_name = excluded.display_name,
		cwd = excluded.cwd,
		provider = excluded.provider,
		model_id = excluded.model_id,
		thinking_level = excluded.thinking_level,
		session_file = excluded.session_file,
		status = excluded.status,
		context_used = excluded.context_used,
		context_total = excluded.context_total,
		updated_at = excluded.updated_at
	`
	var used, total sql.NullInt64
	if agent.ContextUsage != nil {
		used = sql.NullInt64{Int64: int64(agent.ContextUsage.Used), Valid: true}
		total = sql.NullInt64{Int64: int64(agent.ContextUsage.Total), Valid: true}
	}
	err := shared.WithConflictRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			agent.AgentID, agent.ManagerID, string(agent.Role), agent.DisplayName, agent.Cwd,
			agent.Model.Provider, agent.Model.ModelID, agent.Model.ThinkingLevel,
			agent.SessionFile, string(agent.Status),
			used, total,
			agent.CreatedAt.UnixMilli(), agent.UpdatedAt.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agent.AgentID, err)
	}
	return nil
}

// GetAgent retrieves one agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, manager_id, role, display_name, cwd,
		       provider, model_id, thinking_level, session_file, status,
		       context_used, context_total, created_at, updated_at
		FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// ListAgents returns all registered agents ordered by created_at.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, manager_id, role, display_name, cwd,
		       provider, model_id, thinking_level, session_file, status,
		       context_used, context_total, created_at, updated_at
		FROM agents ORDER BY created_at ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan agent: %w", scanErr)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// UpdateStatus updates only the lifecycle status of an agent.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, agentID string, status domain.Status) error {
	err := shared.WithConflictRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
			string(status), time.Now().UnixMilli(), agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update status %s: %w", agentID, err)
	}
	return nil
}

// DeleteAgent removes an agent record.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	err := shared.WithConflictRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*domain.Agent, error) {
	var (
		agent          domain.Agent
		role, status   string
		used, total    sql.NullInt64
		created, updated int64
	)
	err := r.Scan(
		&agent.AgentID, &agent.ManagerID, &role, &agent.DisplayName, &agent.Cwd,
		&agent.Model.Provider, &agent.Model.ModelID, &agent.Model.ThinkingLevel,
		&agent.SessionFile, &status,
		&used, &total, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	agent.Role = domain.Role(role)
	agent.Status = domain.Status(status)
	agent.CreatedAt = time.UnixMilli(created).UTC()
	agent.UpdatedAt = time.UnixMilli(updated).UTC()
	if used.Valid && total.Valid {
		agent.ContextUsage = &domain.ContextUsage{Used: int(used.Int64), Total: int(total.Int64)}
	}
	return &agent, nil
}
