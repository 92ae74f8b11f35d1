// Package archive is a content-addressed, TTL-bound store for raw scrapes.
// Identical content is stored once; re-archiving it bumps a counter.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// SweepBatchSize is the number of entries removed per store round trip.
const SweepBatchSize = storage.MaxBatchSize

// ErrNotFound is returned for unknown entries.
var ErrNotFound = errors.New("archive entry not found")

// Entry is one archived payload.
type Entry struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	ContentHash        string    `json:"content_hash"`
	URL                string    `json:"url"`
	Platform           string    `json:"platform,omitempty"`
	ContentType        string    `json:"content_type,omitempty"`
	RawContent         string    `json:"raw_content,omitempty"`
	BlobPath           string    `json:"blob_path,omitempty"`
	CleanedContent     string    `json:"cleaned_content"`
	RawBytes           int       `json:"raw_bytes"`
	CleanedBytes       int       `json:"cleaned_bytes"`
	SizeBytes          int       `json:"size_bytes"`
	CreatedAt          time.Time `json:"created_at"`
	LastSeen           time.Time `json:"last_seen"`
	ExpiresAt          time.Time `json:"expires_at"`
	ScrapeCount        int       `json:"scrape_count"`
	Verified           bool      `json:"verified"`
	FlaggedForDeletion bool      `json:"flagged_for_deletion"`
}

// Ref returns the reference signals carry back to this entry.
func (e Entry) Ref(collection string) scrape.ArchiveRef {
	return scrape.ArchiveRef{Collection: collection, ID: e.ID, ContentHash: e.ContentHash}
}

// SaveRequest is the input to Save.
type SaveRequest struct {
	TenantID    string
	URL         string
	Platform    string
	ContentType string
	Raw         []byte
	Cleaned     string
}

// Observer receives archive activity; *metrics.Metrics satisfies it.
type Observer interface {
	ObserveArchiveSave(policy, outcome string)
	ObserveArchiveSwept(n int)
}

// Archive stores entries under one Policy.
type Archive struct {
	policy   Policy
	store    storage.DocumentStore
	blobs    storage.BlobStore
	hasher   scrape.Hasher
	clock    scrape.Clock
	logger   *zap.Logger
	observer Observer
	locks    keyedMutex
}

// Options are the optional collaborators of an Archive.
type Options struct {
	Blobs    storage.BlobStore
	Clock    scrape.Clock
	Logger   *zap.Logger
	Observer Observer
}

// New creates an Archive.
func New(policy Policy, store storage.DocumentStore, hasher scrape.Hasher, opts Options) (*Archive, error) {
	if store == nil {
		return nil, errors.New("archive: document store is required")
	}
	if hasher == nil {
		return nil, errors.New("archive: hasher is required")
	}
	if policy.Collection == "" || policy.TTL <= 0 {
		return nil, fmt.Errorf("archive: policy %q needs a collection and a positive ttl", policy.Name)
	}
	if opts.Clock == nil {
		opts.Clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Archive{
		policy:   policy,
		store:    store,
		blobs:    opts.Blobs,
		hasher:   hasher,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("archive").With(zap.String("policy", policy.Name)),
		observer: opts.Observer,
	}, nil
}

// Policy returns the archive's policy.
func (a *Archive) Policy() Policy { return a.policy }

// Save archives req. When an entry with the same digest already exists for
// the scope, its scrape count and last-seen time are updated instead and
// created is false.
func (a *Archive) Save(ctx context.Context, req SaveRequest) (entry Entry, created bool, err error) {
	if len(req.Raw) == 0 {
		return Entry{}, false, errors.New("archive: empty payload")
	}
	digest, err := a.hasher.Hash(req.Raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("hash payload: %w", err)
	}
	id := a.policy.EntryID(req.TenantID, digest)

	unlock := a.locks.lock(id)
	defer unlock()

	entry, err = a.touch(ctx, id)
	switch {
	case err == nil:
		a.observe("deduplicated")
		a.logger.Debug("archive hit", zap.String("content_hash", digest), zap.Int("scrape_count", entry.ScrapeCount))
		return entry, false, nil
	case !errors.Is(err, ErrNotFound):
		return Entry{}, false, err
	}

	now := a.clock.Now()
	entry = Entry{
		ID:             id,
		TenantID:       req.TenantID,
		ContentHash:    digest,
		URL:            req.URL,
		Platform:       req.Platform,
		ContentType:    req.ContentType,
		CleanedContent: req.Cleaned,
		RawBytes:       len(req.Raw),
		CleanedBytes:   len(req.Cleaned),
		SizeBytes:      len(req.Raw) + len(req.Cleaned),
		CreatedAt:      now,
		LastSeen:       now,
		ExpiresAt:      now.Add(a.policy.TTL),
		ScrapeCount:    1,
	}
	if a.blobs != nil && a.policy.OffloadBytes > 0 && len(req.Raw) >= a.policy.OffloadBytes {
		path := a.policy.blobPath(id)
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := a.blobs.PutObject(ctx, path, contentType, bytes.NewReader(req.Raw)); err != nil {
			return Entry{}, false, fmt.Errorf("offload raw payload: %w", err)
		}
		entry.BlobPath = path
	} else {
		entry.RawContent = string(req.Raw)
	}

	err = storage.CreateJSON(ctx, a.store, a.policy.Collection, id, entry)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Another process created it between our read and write.
		entry, err = a.touch(ctx, id)
		if err != nil {
			return Entry{}, false, err
		}
		a.observe("deduplicated")
		return entry, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("create archive entry: %w", err)
	}
	a.observe("created")
	a.logger.Debug("archive entry created",
		zap.String("content_hash", digest),
		zap.String("tenant_id", req.TenantID),
		zap.Int("size_bytes", entry.SizeBytes),
		zap.Time("expires_at", entry.ExpiresAt),
	)
	return entry, true, nil
}

// touch increments the scrape count of an existing entry.
func (a *Archive) touch(ctx context.Context, id string) (Entry, error) {
	var out Entry
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		e, err := storage.GetJSON[Entry](ctx, tx, a.policy.Collection, id)
		if err != nil {
			return err
		}
		e.ScrapeCount++
		e.LastSeen = a.clock.Now()
		out = e
		return storage.PutJSON(ctx, tx, a.policy.Collection, id, e)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("update archive entry: %w", err)
	}
	return out, nil
}

// Get loads the entry for (tenant, digest).
func (a *Archive) Get(ctx context.Context, tenantID, digest string) (Entry, error) {
	return a.get(ctx, a.policy.EntryID(tenantID, digest))
}

func (a *Archive) get(ctx context.Context, id string) (Entry, error) {
	e, err := storage.GetJSON[Entry](ctx, a.store, a.policy.Collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load archive entry: %w", err)
	}
	return e, nil
}

// Raw returns the entry's raw payload, reading the blob store if it was
// offloaded.
func (a *Archive) Raw(ctx context.Context, e Entry) ([]byte, error) {
	if e.BlobPath == "" {
		return []byte(e.RawContent), nil
	}
	if a.blobs == nil {
		return nil, fmt.Errorf("entry %s is offloaded but no blob store is configured", e.ID)
	}
	data, err := a.blobs.GetObject(ctx, e.BlobPath)
	if err != nil {
		return nil, fmt.Errorf("read offloaded payload: %w", err)
	}
	return data, nil
}

// Verify marks an entry as checked by a downstream consumer.
func (a *Archive) Verify(ctx context.Context, tenantID, digest string) error {
	return a.update(ctx, a.policy.EntryID(tenantID, digest), func(e *Entry) { e.Verified = true })
}

// FlagForDeletion makes the entry eligible for the next flag sweep
// regardless of its expiry.
func (a *Archive) FlagForDeletion(ctx context.Context, tenantID, digest string) error {
	return a.update(ctx, a.policy.EntryID(tenantID, digest), func(e *Entry) { e.FlaggedForDeletion = true })
}

func (a *Archive) update(ctx context.Context, id string, fn func(*Entry)) error {
	unlock := a.locks.lock(id)
	defer unlock()
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		e, err := storage.GetJSON[Entry](ctx, tx, a.policy.Collection, id)
		if err != nil {
			return err
		}
		fn(&e)
		return storage.PutJSON(ctx, tx, a.policy.Collection, id, e)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update archive entry %s: %w", id, err)
	}
	return nil
}

func (a *Archive) observe(outcome string) {
	if a.observer != nil {
		a.observer.ObserveArchiveSave(a.policy.Name, outcome)
	}
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
