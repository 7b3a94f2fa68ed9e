package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
)

const defaultTokenTable = "broker_tokens"

// PostgresStoreConfig captures configuration required to initialize a
// Postgres-backed token store.
type PostgresStoreConfig struct {
	DSN   string
	Table string
}

// PostgresStore persists token records in PostgreSQL. Each slot is one row
// keyed by (provider, bucket) with the full credential as JSONB.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore establishes a connection to PostgreSQL and ensures the
// token table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTokenTable
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	store := &PostgresStore{db: db, table: quoteIdentifier(table)}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			bucket TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, bucket)
		)
	`, s.table))
	if err != nil {
		return fmt.Errorf("postgres store: create token table: %w", err)
	}
	return nil
}

// Get returns the stored token for the slot, or (nil, nil) when absent.
func (s *PostgresStore) Get(ctx context.Context, provider, bucket string) (*credential.Token, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE provider = $1 AND bucket = $2", s.table)
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, provider, bucket).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: query token: %w", err)
	}
	var token credential.Token
	if err = json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal token: %w", err)
	}
	return &token, nil
}

// Save upserts the token for the slot.
func (s *PostgresStore) Save(ctx context.Context, provider, bucket string, token *credential.Token) error {
	if token == nil {
		return fmt.Errorf("postgres store: token is nil")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("postgres store: marshal token: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (provider, bucket, content, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, bucket)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.table)
	if _, err = s.db.ExecContext(ctx, query, provider, bucket, raw); err != nil {
		return fmt.Errorf("postgres store: save token: %w", err)
	}
	return nil
}

// Remove deletes the slot. Removing an absent slot is not an error.
func (s *PostgresStore) Remove(ctx context.Context, provider, bucket string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE provider = $1 AND bucket = $2", s.table)
	if _, err := s.db.ExecContext(ctx, query, provider, bucket); err != nil {
		return fmt.Errorf("postgres store: delete token: %w", err)
	}
	return nil
}

// ListBuckets returns the populated bucket names for the provider in
// lexicographic order.
func (s *PostgresStore) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	query := fmt.Sprintf("SELECT bucket FROM %s WHERE provider = $1 ORDER BY bucket", s.table)
	rows, err := s.db.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list buckets: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	buckets := make([]string, 0)
	for rows.Next() {
		var bucket string
		if err = rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("postgres store: scan bucket: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate buckets: %w", err)
	}
	return buckets, nil
}

// quoteIdentifier wraps a SQL identifier in double quotes, doubling any
// embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
