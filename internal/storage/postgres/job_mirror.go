// Package postgres mirrors found jobs into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/curious-surfer/internal/memory"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "found_jobs"

// JobMirrorConfig controls the Postgres connection pool used for job rows.
type JobMirrorConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobMirror upserts memory job records into Postgres. It implements memory.Mirror.
type JobMirror struct {
	pool  execCloser
	table string
}

// NewJobMirror connects to Postgres using cfg.
func NewJobMirror(ctx context.Context, cfg JobMirrorConfig) (*JobMirror, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobMirror{pool: pool, table: table}, nil
}

// NewJobMirrorWithPool constructs a mirror from an existing pool (primarily for testing).
func NewJobMirrorWithPool(pool execCloser, table string) (*JobMirror, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobMirror{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (m *JobMirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

// EnsureSchema creates the mirror table when it does not exist.
func (m *JobMirror) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT NOT NULL,
	relevance_score INTEGER NOT NULL,
	is_interim_suitable BOOLEAN NOT NULL,
	description_summary TEXT NOT NULL,
	keywords JSONB NOT NULL,
	location TEXT,
	requirements JSONB NOT NULL,
	still_active BOOLEAN NOT NULL,
	last_checked TIMESTAMPTZ NOT NULL
)`, m.table)
	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", m.table, err)
	}
	return nil
}

// UpsertJob inserts or refreshes the row for id.
func (m *JobMirror) UpsertJob(ctx context.Context, id string, job memory.JobRecord) error {
	if m == nil || m.pool == nil {
		return fmt.Errorf("job mirror is not configured")
	}
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	keywords, err := jsonList(job.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	requirements, err := jsonList(job.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	domain,
	title,
	relevance_score,
	is_interim_suitable,
	description_summary,
	keywords,
	location,
	requirements,
	still_active,
	last_checked
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	relevance_score = EXCLUDED.relevance_score,
	is_interim_suitable = EXCLUDED.is_interim_suitable,
	description_summary = EXCLUDED.description_summary,
	keywords = EXCLUDED.keywords,
	location = EXCLUDED.location,
	requirements = EXCLUDED.requirements,
	still_active = EXCLUDED.still_active,
	last_checked = EXCLUDED.last_checked`, m.table)

	args := []any{
		id,
		job.URL,
		job.Domain,
		job.Title,
		job.RelevanceScore,
		job.IsInterimSuitable,
		job.DescriptionSummary,
		keywords,
		nullable(job.Location),
		requirements,
		job.StillActive,
		job.LastChecked.Time,
	}
	if _, err := m.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func jsonList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
