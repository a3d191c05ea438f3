package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var _ Store = (*PineconeStore)(nil)

// PineconeConfig points at one serverless index data plane.
type PineconeConfig struct {
	Host       string
	APIKey     string
	Namespace  string
	APIVersion string
	Timeout    time.Duration
}

// PineconeStore talks to a Pinecone index over its REST data plane.
// Pinecone is eventually consistent, so fresh writes can be missing from
// the next query.
type PineconeStore struct {
	cfg  PineconeConfig
	base string
	http *http.Client
}

// NewPineconeStore validates cfg and returns a store. Host may be given
// with or without a scheme; https is assumed when missing.
func NewPineconeStore(cfg PineconeConfig) (*PineconeStore, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, storeErr("init", fmt.Errorf("pinecone host required"))
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, storeErr("init", fmt.Errorf("pinecone api key required"))
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2025-04"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := cfg.Host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &PineconeStore{
		cfg:  cfg,
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type pcVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type pcUpsertRequest struct {
	Vectors   []pcVector `json:"vectors"`
	Namespace string     `json:"namespace,omitempty"`
}

type pcUpsertResponse struct {
	UpsertedCount int64 `json:"upsertedCount"`
}

type pcQueryRequest struct {
	Namespace       string         `json:"namespace,omitempty"`
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	Filter          map[string]any `json:"filter,omitempty"`
	IncludeMetadata bool           `json:"includeMetadata"`
}

type pcQueryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

type pcFetchResponse struct {
	Vectors map[string]pcVector `json:"vectors"`
}

type pcUpdateRequest struct {
	ID          string         `json:"id"`
	SetMetadata map[string]any `json:"setMetadata"`
	Namespace   string         `json:"namespace,omitempty"`
}

type pcDeleteRequest struct {
	IDs       []string `json:"ids"`
	Namespace string   `json:"namespace,omitempty"`
}

type pcListResponse struct {
	Vectors []struct {
		ID string `json:"id"`
	} `json:"vectors"`
	Pagination *struct {
		Next string `json:"next"`
	} `json:"pagination"`
}

func (p *PineconeStore) Upsert(ctx context.Context, id string, vector []float32, md Metadata) error {
	req := pcUpsertRequest{
		Vectors:   []pcVector{{ID: id, Values: vector, Metadata: md.withoutNulls()}},
		Namespace: p.cfg.Namespace,
	}
	if _, err := doJSON[pcUpsertResponse](ctx, p, http.MethodPost, "/vectors/upsert", req); err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

func (p *PineconeStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := pcQueryRequest{
		Namespace:       p.cfg.Namespace,
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
	}
	if filter != nil {
		req.Filter = map[string]any{filter.Field: map[string]any{"$eq": filter.Value}}
	}
	resp, err := doJSON[pcQueryResponse](ctx, p, http.MethodPost, "/query", req)
	if err != nil {
		return nil, storeErr("query", err)
	}
	out := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		out = append(out, Match{ID: m.ID, Score: m.Score, Metadata: Metadata(m.Metadata)})
	}
	sortMatches(out)
	return out, nil
}

func (p *PineconeStore) Fetch(ctx context.Context, ids []string) ([]*Record, error) {
	out := make([]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids", id)
	}
	if p.cfg.Namespace != "" {
		q.Set("namespace", p.cfg.Namespace)
	}
	resp, err := doJSON[pcFetchResponse](ctx, p, http.MethodGet, "/vectors/fetch?"+q.Encode(), nil)
	if err != nil {
		return nil, storeErr("fetch", err)
	}
	for i, id := range ids {
		v, ok := resp.Vectors[id]
		if !ok {
			continue
		}
		md := Metadata(v.Metadata)
		if md == nil {
			md = Metadata{}
		}
		out[i] = &Record{ID: id, Vector: v.Values, Metadata: md}
	}
	return out, nil
}

// UpdateMetadata sends setMetadata without looking the id up first. A fetch
// right after an upsert may not see the record yet, while updates are
// applied after the writes that preceded them. Pinecone accepts updates for
// unknown ids, so this store never reports ErrNotFound.
func (p *PineconeStore) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	req := pcUpdateRequest{ID: id, SetMetadata: md.withoutNulls(), Namespace: p.cfg.Namespace}
	if _, err := doJSON[struct{}](ctx, p, http.MethodPost, "/vectors/update", req); err != nil {
		return storeErr("update", err)
	}
	return nil
}

func (p *PineconeStore) DeleteAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	// The delete endpoint caps a single call at 1000 ids.
	for start := 0; start < len(ids); start += MaxListSize {
		end := min(start+MaxListSize, len(ids))
		req := pcDeleteRequest{IDs: ids[start:end], Namespace: p.cfg.Namespace}
		if _, err := doJSON[struct{}](ctx, p, http.MethodPost, "/vectors/delete", req); err != nil {
			return storeErr("delete", err)
		}
	}
	return nil
}

// List pages through ids, then fetches records in batches of 100.
func (p *PineconeStore) List(ctx context.Context, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	var ids []string
	token := ""
	for len(ids) < limit {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(min(100, limit-len(ids))))
		if p.cfg.Namespace != "" {
			q.Set("namespace", p.cfg.Namespace)
		}
		if token != "" {
			q.Set("paginationToken", token)
		}
		page, err := doJSON[pcListResponse](ctx, p, http.MethodGet, "/vectors/list?"+q.Encode(), nil)
		if err != nil {
			return nil, storeErr("list", err)
		}
		for _, v := range page.Vectors {
			ids = append(ids, v.ID)
		}
		if page.Pagination == nil || page.Pagination.Next == "" || len(page.Vectors) == 0 {
			break
		}
		token = page.Pagination.Next
	}

	out := make([]Record, 0, len(ids))
	for start := 0; start < len(ids); start += 100 {
		end := min(start+100, len(ids))
		recs, err := p.Fetch(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r != nil {
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func doJSON[T any](ctx context.Context, p *PineconeStore, method, path string, body any) (*T, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.base+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-Api-Version", p.cfg.APIVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pinecone http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return &out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("pinecone decode: %w", err)
	}
	return &out, nil
}
