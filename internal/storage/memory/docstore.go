package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// DocStore is an in-memory storage.DocumentStore. Transactions are
// serialized and buffer their writes until commit.
type DocStore struct {
	mu    sync.RWMutex
	colls map[string]map[string][]byte
	// txMu serializes transactions; plain writes only take mu.
	txMu sync.Mutex
}

// NewDocStore creates an empty store.
func NewDocStore() *DocStore {
	return &DocStore{colls: make(map[string]map[string][]byte)}
}

// Get returns a copy of the stored document.
func (s *DocStore) Get(_ context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.colls[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return append([]byte(nil), doc...), nil
}

// Set upserts a document.
func (s *DocStore) Set(_ context.Context, collection, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("set %s/%s: invalid json", collection, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(collection)[id] = append([]byte(nil), doc...)
	return nil
}

// Create writes a document only if the id is free.
func (s *DocStore) Create(_ context.Context, collection, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("create %s/%s: invalid json", collection, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	if _, ok := c[id]; ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	c[id] = append([]byte(nil), doc...)
	return nil
}

// Delete removes a document.
func (s *DocStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	if _, ok := c[id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	delete(c, id)
	return nil
}

// DeleteBatch removes up to storage.MaxBatchSize documents at once.
func (s *DocStore) DeleteBatch(_ context.Context, collection string, ids []string) (int, error) {
	if len(ids) > storage.MaxBatchSize {
		return 0, fmt.Errorf("delete %d from %s: %w", len(ids), collection, storage.ErrBatchTooLarge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	n := 0
	for _, id := range ids {
		if _, ok := c[id]; ok {
			delete(c, id)
			n++
		}
	}
	return n, nil
}

// Query scans the collection, applying filters, ordering and limit.
func (s *DocStore) Query(_ context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	type row struct {
		doc    storage.Document
		fields map[string]any
	}
	s.mu.RLock()
	rows := make([]row, 0, len(s.colls[collection]))
	for id, data := range s.colls[collection] {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		if matchAll(fields, q.Filters) {
			rows = append(rows, row{doc: storage.Document{ID: id, Data: append([]byte(nil), data...)}, fields: fields})
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareAny(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return rows[i].doc.ID < rows[j].doc.ID
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]storage.Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

// RunInTx runs fn against a buffered view and commits its writes atomically.
func (s *DocStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{base: s, writes: make(map[string]map[string][]byte)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for coll, docs := range tx.writes {
		c := s.collection(coll)
		for id, doc := range docs {
			if doc == nil {
				delete(c, id)
				continue
			}
			c[id] = doc
		}
	}
	return nil
}

// Close implements storage.DocumentStore.
func (s *DocStore) Close() error { return nil }

// Count returns the number of documents in a collection.
func (s *DocStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.colls[collection])
}

func (s *DocStore) collection(name string) map[string][]byte {
	c, ok := s.colls[name]
	if !ok {
		c = make(map[string][]byte)
		s.colls[name] = c
	}
	return c
}

// memTx buffers writes; a nil document marks a delete.
type memTx struct {
	base   *DocStore
	writes map[string]map[string][]byte
}

func (t *memTx) lookup(ctx context.Context, collection, id string) ([]byte, bool) {
	if docs, ok := t.writes[collection]; ok {
		if doc, ok := docs[id]; ok {
			return doc, doc != nil
		}
	}
	doc, err := t.base.Get(ctx, collection, id)
	return doc, err == nil
}

func (t *memTx) stage(collection, id string, doc []byte) {
	docs, ok := t.writes[collection]
	if !ok {
		docs = make(map[string][]byte)
		t.writes[collection] = docs
	}
	docs[id] = doc
}

func (t *memTx) Get(ctx context.Context, collection, id string) ([]byte, error) {
	doc, ok := t.lookup(ctx, collection, id)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return append([]byte(nil), doc...), nil
}

func (t *memTx) Set(_ context.Context, collection, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("set %s/%s: invalid json", collection, id)
	}
	t.stage(collection, id, append([]byte(nil), doc...))
	return nil
}

func (t *memTx) Create(ctx context.Context, collection, id string, doc []byte) error {
	if _, ok := t.lookup(ctx, collection, id); ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	return t.Set(ctx, collection, id, doc)
}

func (t *memTx) Delete(ctx context.Context, collection, id string) error {
	if _, ok := t.lookup(ctx, collection, id); !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	t.stage(collection, id, nil)
	return nil
}

func matchAll(fields map[string]any, filters []storage.Filter) bool {
	for _, f := range filters {
		if !match(fields[f.Field], f) {
			return false
		}
	}
	return true
}

// match applies SQL-like semantics: a missing field never matches.
func match(field any, f storage.Filter) bool {
	if field == nil {
		return false
	}
	var c int
	switch want := f.Value.(type) {
	case time.Time:
		s, ok := field.(string)
		if !ok {
			return false
		}
		got, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return false
		}
		c = got.Compare(want)
	case string:
		got, ok := field.(string)
		if !ok {
			return false
		}
		c = strings.Compare(got, want)
	case bool:
		got, ok := field.(bool)
		if !ok {
			return false
		}
		if f.Op == storage.OpEq {
			return got == want
		}
		return got != want
	default:
		wantNum, ok := toFloat(want)
		if !ok {
			return false
		}
		got, ok := field.(float64)
		if !ok {
			return false
		}
		switch {
		case got < wantNum:
			c = -1
		case got > wantNum:
			c = 1
		}
	}
	switch f.Op {
	case storage.OpEq:
		return c == 0
	case storage.OpNe:
		return c != 0
	case storage.OpLt:
		return c < 0
	case storage.OpLte:
		return c <= 0
	case storage.OpGt:
		return c > 0
	default:
		return c >= 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// compareAny orders JSON scalars: numbers numerically, RFC 3339 strings by
// time, other strings lexically. Missing values sort first.
func compareAny(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, aerr := time.Parse(time.RFC3339Nano, as)
		bt, berr := time.Parse(time.RFC3339Nano, bs)
		if aerr == nil && berr == nil {
			return at.Compare(bt)
		}
		return strings.Compare(as, bs)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
