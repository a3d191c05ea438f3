package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStore wraps every failure reported by a Store implementation.
var ErrStore = errors.New("vector store error")

// ErrNotFound is returned (wrapped in ErrStore) when an update targets an id
// that does not exist.
var ErrNotFound = errors.New("record not found")

// MaxListSize bounds a single List call.
const MaxListSize = 1000

// Store is an approximate-nearest-neighbour index with a flat metadata record
// per vector. Implementations are not assumed to be read-your-writes
// consistent: a freshly upserted vector may be missing from the next Query or
// Fetch.
type Store interface {
	// Upsert inserts or overwrites the record with the given id.
	Upsert(ctx context.Context, id string, vector []float32, md Metadata) error

	// Query returns up to topK nearest neighbours, most similar first.
	// A nil filter searches the whole index.
	Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Match, error)

	// Fetch returns one entry per requested id, nil where the id is unknown.
	Fetch(ctx context.Context, ids []string) ([]*Record, error)

	// UpdateMetadata merges md into the stored metadata. The vector is
	// untouched. Stores that can check existence cheaply return ErrNotFound
	// for unknown ids; eventually consistent stores send the update as is.
	UpdateMetadata(ctx context.Context, id string, md Metadata) error

	// DeleteAll removes the given ids. Unknown ids are ignored.
	DeleteAll(ctx context.Context, ids []string) error

	// List returns up to limit records (capped at MaxListSize).
	List(ctx context.Context, limit int) ([]Record, error)
}

// Record is a stored vector with its metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a Query hit. Higher Score means more similar.
type Match struct {
	ID       string
	Score    float64
	Metadata Metadata
}

// Filter is an equality predicate over one metadata field.
type Filter struct {
	Field string
	Value string
}

// Eq builds an equality filter.
func Eq(field, value string) *Filter {
	return &Filter{Field: field, Value: value}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListSize {
		return MaxListSize
	}
	return limit
}

// WithTimeout bounds every call on s by d. A deadline hit surfaces as the
// same ErrStore kind as any other store failure.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, timeout: d}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

func (t *timeoutStore) Upsert(ctx context.Context, id string, vector []float32, md Metadata) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return wrapDeadline("upsert", t.inner.Upsert(ctx, id, vector, md))
}

func (t *timeoutStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	m, err := t.inner.Query(ctx, vector, topK, filter)
	return m, wrapDeadline("query", err)
}

func (t *timeoutStore) Fetch(ctx context.Context, ids []string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	r, err := t.inner.Fetch(ctx, ids)
	return r, wrapDeadline("fetch", err)
}

func (t *timeoutStore) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return wrapDeadline("update", t.inner.UpdateMetadata(ctx, id, md))
}

func (t *timeoutStore) DeleteAll(ctx context.Context, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return wrapDeadline("delete", t.inner.DeleteAll(ctx, ids))
}

func (t *timeoutStore) List(ctx context.Context, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	r, err := t.inner.List(ctx, limit)
	return r, wrapDeadline("list", err)
}

func wrapDeadline(op string, err error) error {
	if err == nil || errors.Is(err, ErrStore) {
		return err
	}
	return storeErr(op, err)
}
