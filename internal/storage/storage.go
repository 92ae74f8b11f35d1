// Package storage declares the persistence ports used by the engine: a JSON
// document store with point lookups, filtered queries, batched deletes and
// transactions, and a blob store for large raw payloads.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// MaxBatchSize is the largest number of documents one DeleteBatch may touch.
const MaxBatchSize = 500

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrInvalidQuery is returned for malformed filters or ordering.
	ErrInvalidQuery = errors.New("invalid query")
)

var validField = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Op is a filter comparison operator.
type Op string

// Supported operators.
const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter compares a top-level JSON field with a value. Value may be a string,
// bool, time.Time or any integer or float type.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents from one collection. A zero Limit means no limit.
// OrderBy must name a number or string field.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Validate checks field names and operators.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !validField.MatchString(f.Field) {
			return fmt.Errorf("%w: field %q", ErrInvalidQuery, f.Field)
		}
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, f.Op)
		}
		if _, ok := f.Value.(bool); ok && f.Op != OpEq && f.Op != OpNe {
			return fmt.Errorf("%w: operator %q on bool field %q", ErrInvalidQuery, f.Op, f.Field)
		}
	}
	if q.OrderBy != "" && !validField.MatchString(q.OrderBy) {
		return fmt.Errorf("%w: order by %q", ErrInvalidQuery, q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// Document is a stored JSON document.
type Document struct {
	ID   string
	Data []byte
}

// Getter reads documents by id.
type Getter interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
}

// Tx is the set of point operations available inside a transaction.
type Tx interface {
	Getter
	Set(ctx context.Context, collection, id string, doc []byte) error
	// Create writes doc only if id is unused, else ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, doc []byte) error
	// Delete removes the document, or returns ErrNotFound.
	Delete(ctx context.Context, collection, id string) error
}

// DocumentStore is the persistence port.
type DocumentStore interface {
	Tx
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// DeleteBatch removes up to MaxBatchSize ids atomically and returns how
	// many existed.
	DeleteBatch(ctx context.Context, collection string, ids []string) (int, error)
	// RunInTx applies every write made through tx atomically, or none of them
	// when fn returns an error.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// BlobStore persists opaque payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// GetJSON loads and decodes a document.
func GetJSON[T any](ctx context.Context, g Getter, collection, id string) (T, error) {
	var out T
	raw, err := g.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

// PutJSON encodes and upserts a document.
func PutJSON(ctx context.Context, tx Tx, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return tx.Set(ctx, collection, id, raw)
}

// CreateJSON encodes and conditionally creates a document.
func CreateJSON(ctx context.Context, tx Tx, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return tx.Create(ctx, collection, id, raw)
}

// QueryJSON runs q and decodes every result.
func QueryJSON[T any](ctx context.Context, s DocumentStore, collection string, q Query) ([]T, error) {
	docs, err := s.Query(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, d.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
