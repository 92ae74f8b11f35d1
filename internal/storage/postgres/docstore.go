// Package postgres implements the document store on a single JSONB table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scraper-intel/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table name.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// DocStore persists documents as rows of (collection, id, data jsonb).
type DocStore struct {
	pool  pool
	table string
}

// New connects a pgx pool and returns the store.
func New(ctx context.Context, cfg Config) (*DocStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewWithPool(p pool, table string) (*DocStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocStore{pool: p, table: table}, nil
}

// EnsureSchema creates the table and its indexes when missing.
func (s *DocStore) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	collection text NOT NULL,
	id text NOT NULL,
	data jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS %[1]s_data_gin ON %[1]s USING gin (data jsonb_path_ops);`, s.table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *DocStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Get loads one document.
func (s *DocStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	return get(ctx, s.pool, s.table, collection, id)
}

// Set upserts one document.
func (s *DocStore) Set(ctx context.Context, collection, id string, doc []byte) error {
	return set(ctx, s.pool, s.table, collection, id, doc)
}

// Create inserts a document if the id is free.
func (s *DocStore) Create(ctx context.Context, collection, id string, doc []byte) error {
	return create(ctx, s.pool, s.table, collection, id, doc)
}

// Delete removes one document.
func (s *DocStore) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, s.pool, s.table, collection, id)
}

// DeleteBatch removes up to storage.MaxBatchSize ids in one statement.
func (s *DocStore) DeleteBatch(ctx context.Context, collection string, ids []string) (int, error) {
	if len(ids) > storage.MaxBatchSize {
		return 0, fmt.Errorf("delete %d from %s: %w", len(ids), collection, storage.ErrBatchTooLarge)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = ANY($2)`, s.table),
		collection, ids)
	if err != nil {
		return 0, fmt.Errorf("delete batch from %s: %w", collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// Query translates filters into JSONB predicates.
func (s *DocStore) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	sql, args, err := buildQuery(s.table, collection, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()
	var out []storage.Document
	for rows.Next() {
		var d storage.Document
		if err := rows.Scan(&d.ID, &d.Data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

// RunInTx runs fn inside a database transaction.
func (s *DocStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()
	if err = fn(ctx, &pgTx{q: tx, table: s.table}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q     querier
	table string
}

func (t *pgTx) Get(ctx context.Context, collection, id string) ([]byte, error) {
	return get(ctx, t.q, t.table, collection, id)
}

func (t *pgTx) Set(ctx context.Context, collection, id string, doc []byte) error {
	return set(ctx, t.q, t.table, collection, id, doc)
}

func (t *pgTx) Create(ctx context.Context, collection, id string, doc []byte) error {
	return create(ctx, t.q, t.table, collection, id, doc)
}

func (t *pgTx) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, t.q, t.table, collection, id)
}

func get(ctx context.Context, q querier, table, collection, id string) ([]byte, error) {
	var data []byte
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE collection = $1 AND id = $2`, table),
		collection, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return data, nil
}

func set(ctx context.Context, q querier, table, collection, id string, doc []byte) error {
	_, err := q.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (collection, id, data, updated_at) VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, table),
		collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func create(ctx context.Context, q querier, table, collection, id string, doc []byte) error {
	tag, err := q.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (collection, id, data, updated_at) VALUES ($1, $2, $3::jsonb, now())
ON CONFLICT (collection, id) DO NOTHING`, table),
		collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	return nil
}

func del(ctx context.Context, q querier, table, collection, id string) error {
	tag, err := q.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = $2`, table),
		collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

var sqlOps = map[storage.Op]string{
	storage.OpEq:  "=",
	storage.OpNe:  "<>",
	storage.OpLt:  "<",
	storage.OpLte: "<=",
	storage.OpGt:  ">",
	storage.OpGte: ">=",
}

// buildQuery renders a storage.Query. Field names are validated by
// Query.Validate, so they can be inlined as JSON keys.
func buildQuery(table, collection string, q storage.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT id, data FROM %s WHERE collection = $1`, table)
	args := []any{collection}
	for _, f := range q.Filters {
		args = append(args, f.Value)
		n := len(args)
		switch v := f.Value.(type) {
		case time.Time:
			fmt.Fprintf(&b, ` AND (data->>'%s')::timestamptz %s $%d`, f.Field, sqlOps[f.Op], n)
		case string:
			fmt.Fprintf(&b, ` AND data->>'%s' %s $%d`, f.Field, sqlOps[f.Op], n)
		case bool:
			fmt.Fprintf(&b, ` AND (data->>'%s')::boolean %s $%d`, f.Field, sqlOps[f.Op], n)
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			fmt.Fprintf(&b, ` AND (data->>'%s')::double precision %s $%d`, f.Field, sqlOps[f.Op], n)
		default:
			return "", nil, fmt.Errorf("%w: unsupported value %T for %s", storage.ErrInvalidQuery, v, f.Field)
		}
	}
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, ` ORDER BY data->'%s' %s NULLS FIRST, id ASC`, q.OrderBy, dir)
	} else {
		b.WriteString(` ORDER BY id ASC`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args, nil
}
