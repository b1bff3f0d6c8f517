// Package store is the durable graph store: content-addressed nodes and
// edges, an incrementally maintained reachability index, change events,
// per-file content state and lineage records. It runs on SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jward/conflux/internal/retry"
)

// Config selects and tunes a backend.
type Config struct {
	Backend string
	DSN     string
	// BatchSize bounds how many rows a streaming iterator holds at once.
	BatchSize int
	// Retry governs ApplyDiff retries on transaction conflicts.
	Retry retry.Config
	// LockStripes is the number of node-id lock stripes.
	LockStripes int
	Logger      *zap.Logger
}

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 256

// Store is the SQL implementation of GraphStore.
type Store struct {
	db        *sql.DB
	d         dialect
	batchSize int
	retry     retry.Config
	locks     *stripedLocks
	logger    *zap.Logger
}

var _ GraphStore = (*Store)(nil)

// Open connects to the configured backend and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, ok := dialectFor(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("open store: unknown backend %q", cfg.Backend)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("open store: empty dsn")
	}
	db, err := sql.Open(d.driver(), d.dsn(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{
		db:        db,
		d:         d,
		batchSize: cfg.BatchSize,
		retry:     cfg.Retry,
		locks:     newStripedLocks(cfg.LockStripes),
		logger:    cfg.Logger,
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.retry.MaxRetries == 0 && s.retry.BaseDelay == 0 {
		s.retry = retry.DefaultConfig()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("store").With(zap.String("backend", d.name()))
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a file-backed SQLite store with default tuning.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	return Open(ctx, Config{Backend: BackendSQLite, DSN: path})
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.d.name()
}

// BatchSize returns the streaming batch bound.
func (s *Store) BatchSize() int {
	return s.batchSize
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaDDL, "{{serial}}", s.d.serialKey())
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
  id              TEXT PRIMARY KEY,
  repository      TEXT NOT NULL,
  path            TEXT NOT NULL,
  kind            TEXT NOT NULL,
  name            TEXT NOT NULL,
  qualified_name  TEXT NOT NULL,
  language        TEXT NOT NULL DEFAULT '',
  start_line      INTEGER NOT NULL DEFAULT 0,
  end_line        INTEGER NOT NULL DEFAULT 0,
  visibility      TEXT NOT NULL DEFAULT '',
  signature       TEXT NOT NULL DEFAULT '{}',
  signature_hash  TEXT NOT NULL DEFAULT '',
  content_hash    TEXT NOT NULL DEFAULT '',
  tags            TEXT NOT NULL DEFAULT '[]',
  critical        INTEGER NOT NULL DEFAULT 0,
  lineage         TEXT NOT NULL DEFAULT '',
  revision        TEXT NOT NULL DEFAULT '',
  version_ts      BIGINT NOT NULL DEFAULT 0,
  change_seq      BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes(repository, path);
CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(repository, name);
CREATE INDEX IF NOT EXISTS idx_nodes_qname ON nodes(repository, qualified_name);

CREATE TABLE IF NOT EXISTS edges (
  id              TEXT PRIMARY KEY,
  source          TEXT NOT NULL,
  target          TEXT NOT NULL,
  kind            TEXT NOT NULL,
  creation_method TEXT NOT NULL,
  ref_name        TEXT NOT NULL DEFAULT '',
  repository      TEXT NOT NULL,
  path            TEXT NOT NULL,
  change_seq      BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
CREATE INDEX IF NOT EXISTS idx_edges_file ON edges(repository, path);

CREATE TABLE IF NOT EXISTS reachability (
  ancestor        TEXT NOT NULL,
  descendant      TEXT NOT NULL,
  PRIMARY KEY (ancestor, descendant)
);

CREATE INDEX IF NOT EXISTS idx_reachability_descendant ON reachability(descendant);

CREATE TABLE IF NOT EXISTS pending_refs (
  repository      TEXT NOT NULL,
  path            TEXT NOT NULL,
  source          TEXT NOT NULL,
  target_name     TEXT NOT NULL,
  kind            TEXT NOT NULL,
  PRIMARY KEY (source, target_name, kind)
);

CREATE INDEX IF NOT EXISTS idx_pending_target ON pending_refs(repository, target_name);
CREATE INDEX IF NOT EXISTS idx_pending_file ON pending_refs(repository, path);

CREATE TABLE IF NOT EXISTS change_events (
  seq             {{serial}},
  repository      TEXT NOT NULL,
  path            TEXT NOT NULL,
  lineage         TEXT NOT NULL,
  revision        TEXT NOT NULL DEFAULT '',
  version_ts      BIGINT NOT NULL DEFAULT 0,
  content_hash    TEXT NOT NULL,
  recorded_at     BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_events_file ON change_events(repository, path);

CREATE TABLE IF NOT EXISTS file_state (
  repository      TEXT NOT NULL,
  lineage         TEXT NOT NULL,
  path            TEXT NOT NULL,
  content_hash    TEXT NOT NULL,
  language        TEXT NOT NULL DEFAULT '',
  change_seq      BIGINT NOT NULL DEFAULT 0,
  updated_at      BIGINT NOT NULL,
  PRIMARY KEY (repository, lineage, path)
);

CREATE TABLE IF NOT EXISTS lineage_records (
  id              TEXT PRIMARY KEY,
  subject_id      TEXT NOT NULL,
  subject_kind    TEXT NOT NULL DEFAULT '',
  operation       TEXT NOT NULL,
  input_hash      TEXT NOT NULL DEFAULT '',
  output_hash     TEXT NOT NULL DEFAULT '',
  executed_at     BIGINT NOT NULL,
  duration_us     BIGINT NOT NULL DEFAULT 0,
  cache_hit       INTEGER NOT NULL DEFAULT 0,
  error           TEXT NOT NULL DEFAULT '',
  change_seq      BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_lineage_subject ON lineage_records(subject_id, executed_at);

-- Work tables for iterative reachability maintenance, keyed per transaction.

CREATE TABLE IF NOT EXISTS reach_work (
  work_id         TEXT NOT NULL,
  node            TEXT NOT NULL,
  PRIMARY KEY (work_id, node)
);

CREATE TABLE IF NOT EXISTS reach_frontier (
  work_id         TEXT NOT NULL,
  gen             INTEGER NOT NULL,
  ancestor        TEXT NOT NULL,
  descendant      TEXT NOT NULL,
  PRIMARY KEY (work_id, gen, ancestor, descendant)
);
`

// Stats counts rows in the main tables.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	targets := []struct {
		table string
		dst   *int64
	}{
		{"nodes", &st.Nodes},
		{"edges", &st.Edges},
		{"reachability", &st.Reachability},
		{"pending_refs", &st.Pending},
		{"change_events", &st.Changes},
		{"lineage_records", &st.Lineage},
	}
	for _, t := range targets {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(t.dst); err != nil {
			return nil, fmt.Errorf("stats %s: %w", t.table, err)
		}
	}
	return &st, nil
}

// PruneLineage deletes lineage records executed before cutoff and returns
// how many were removed.
func (s *Store) PruneLineage(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM lineage_records WHERE executed_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune lineage: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims space freed by removed rows.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
