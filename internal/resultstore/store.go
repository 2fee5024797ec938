// Package resultstore keeps the id assignments of finished uploads in PostgreSQL so
// later imports can translate placeholder ids.
package resultstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/config"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/upload"
)

// Columns of the result table, in COPY order
var Columns = []string{"session", "changeset_id", "osm_type", "old_id", "new_id", "new_version"}

// Store writes upload results into one table
type Store struct {
	cfg  *config.Config
	pool *pgxpool.Pool
}

// Open connects to the database named by cfg
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewStore(cfg, pool), nil
}

// NewStore creates a store on an existing pool
func NewStore(cfg *config.Config, pool *pgxpool.Pool) *Store {
	return &Store{cfg: cfg, pool: pool}
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) table() pgx.Identifier {
	return pgx.Identifier{s.cfg.DBSchema, s.cfg.ResultTable}
}

// EnsureTable creates the schema and result table if they don't exist
func (s *Store) EnsureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s",
		pgx.Identifier{s.cfg.DBSchema}.Sanitize())); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session TEXT NOT NULL,
			changeset_id BIGINT NOT NULL,
			osm_type TEXT NOT NULL,
			old_id BIGINT NOT NULL,
			new_id BIGINT,
			new_version INTEGER,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session, changeset_id, osm_type, old_id)
		)`, s.table().Sanitize())
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.cfg.ResultTable, err)
	}
	return nil
}

// Save copies the id assignments of one upload session into the table
func (s *Store) Save(ctx context.Context, session string, result upload.Result) (int64, error) {
	rows := Rows(session, result)
	if len(rows) == 0 {
		return 0, nil
	}

	count, err := s.pool.CopyFrom(ctx, s.table(), Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("COPY to %s failed: %w", s.cfg.ResultTable, err)
	}

	logger.Get().Info("Stored upload result",
		zap.String("session", session),
		zap.String("table", s.cfg.ResultTable),
		zap.Int64("rows", count))
	return count, nil
}

// Rows flattens a result into table rows ordered by changeset, type and old id.
// Deleted features get NULL for the new id and version.
func Rows(session string, result upload.Result) [][]any {
	var rows [][]any
	for _, csID := range result.ChangesetIDs() {
		dr := result[csID]
		for _, t := range feature.Types {
			byID := dr[t]
			ids := make([]int64, 0, len(byID))
			for id := range byID {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			for _, id := range ids {
				m := byID[id]
				var newID, newVersion any
				if m.NewID != 0 {
					newID, newVersion = m.NewID, int32(m.NewVersion)
				}
				rows = append(rows, []any{session, csID, string(t), id, newID, newVersion})
			}
		}
	}
	return rows
}
