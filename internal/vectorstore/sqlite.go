package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the question_vectors table and answers
// queries with a brute-force cosine scan. Writes are visible immediately.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database whose migrations have already been applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *SQLiteStore) Upsert(ctx context.Context, id string, vector []float32, md Metadata) error {
	if id == "" {
		return storeErr("upsert", fmt.Errorf("empty id"))
	}
	raw, err := encodeMetadata(md)
	if err != nil {
		return storeErr("upsert", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO question_vectors (id, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata`,
		id, encodeFloat32s(vector), raw, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storeErr("upsert", fmt.Errorf("writing %s: %w", id, err))
	}
	return nil
}

// Query scans id and embedding only, then loads metadata for the winners.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	q := `SELECT id, embedding FROM question_vectors`
	var args []any
	if filter != nil {
		if !fieldName.MatchString(filter.Field) {
			return nil, storeErr("query", fmt.Errorf("invalid filter field %q", filter.Field))
		}
		q += ` WHERE json_extract(metadata, ?) = ?`
		args = append(args, "$."+filter.Field, filter.Value)
	}
	q += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("query", fmt.Errorf("scanning vectors: %w", err))
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32
	seq := 0
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, storeErr("query", fmt.Errorf("scanning row: %w", err))
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, storeErr("query", fmt.Errorf("decoding embedding for %s: %w", id, err))
		}
		pushTopK(h, idScore{ID: id, Score: cosine(vector, buf, queryNorm), seq: seq}, topK)
		seq++
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	top := drain(h)
	ids := make([]string, len(top))
	for i, c := range top {
		ids[i] = c.ID
	}
	records, err := s.Fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(top))
	for i, c := range top {
		// Deleted between the two phases.
		if records[i] == nil {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Score: c.Score, Metadata: records[i].Metadata})
	}
	sortMatches(matches)
	return matches, nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, ids []string) ([]*Record, error) {
	out := make([]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata FROM question_vectors
		WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, storeErr("fetch", err)
	}
	defer rows.Close()

	byID := make(map[string]*Record, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("fetch", err)
		}
		byID[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("fetch", err)
	}
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("update", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM question_vectors WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return storeErr("update", fmt.Errorf("%s: %w", id, ErrNotFound))
	}
	if err != nil {
		return storeErr("update", err)
	}
	current, err := decodeMetadata(raw)
	if err != nil {
		return storeErr("update", fmt.Errorf("decoding metadata for %s: %w", id, err))
	}
	merged, err := encodeMetadata(current.Merge(md))
	if err != nil {
		return storeErr("update", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE question_vectors SET metadata = ? WHERE id = ?`, merged, id); err != nil {
		return storeErr("update", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("update", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM question_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// List returns records in insertion order.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata FROM question_vectors
		ORDER BY rowid ASC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM question_vectors`).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var r Record
	var blob []byte
	var raw string
	if err := rows.Scan(&r.ID, &blob, &raw); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	md, err := decodeMetadata(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	r.Vector = vec
	r.Metadata = md
	return &r, nil
}

func encodeMetadata(md Metadata) (string, error) {
	if md == nil {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// decodeMetadata keeps numbers as json.Number so epoch-millis survive intact.
func decodeMetadata(raw string) (Metadata, error) {
	md := Metadata{}
	if raw == "" {
		return md, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&md); err != nil {
		return nil, err
	}
	return md, nil
}
