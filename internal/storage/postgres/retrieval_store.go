// Package postgres provides the Postgres-backed retrieval index.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapewire/internal/crawler"
)

const defaultTable = "retrievals"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RetrievalStoreConfig controls the Postgres connection pool used for retrieval rows.
type RetrievalStoreConfig struct {
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

// RetrievalStore writes one row per archived response.
type RetrievalStore struct {
	pool  execCloser
	table string
	query string
}

// NewRetrievalStore creates a Postgres-backed RetrievalStore using the provided config.
func NewRetrievalStore(ctx context.Context, cfg RetrievalStoreConfig) (*RetrievalStore, error) {
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
	return newStore(pool, table), nil
}

// NewRetrievalStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRetrievalStoreWithPool(pool execCloser, table string) (*RetrievalStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newStore(pool, table), nil
}

func newStore(pool execCloser, table string) *RetrievalStore {
	return &RetrievalStore{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(`
INSERT INTO %s (
	id,
	partition_ts,
	retrieval_timestamp,
	retrieval_url,
	discovered_in,
	hops,
	retrieval_hashcode,
	retrieval_blob_location,
	retrieval_headers,
	retrieval_status_code,
	retrieval_content_type
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, table),
	}
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RetrievalStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreRetrieval inserts a retrieval row into Postgres.
func (s *RetrievalStore) StoreRetrieval(ctx context.Context, record crawler.RetrievalRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("retrieval store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	args := []any{
		record.ID,
		record.PartitionTS,
		record.RetrievedAt,
		record.URL,
		record.DiscoveredIn,
		record.Hops,
		record.Hash,
		record.BlobURI,
		headersJSON,
		record.StatusCode,
		record.ContentType,
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("insert retrieval: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
