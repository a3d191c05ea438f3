package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/qcluster/internal/config"
	"github.com/kalambet/qcluster/internal/pipeline"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func(cfg config.Config) (*apiClient, error) {
	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("no API token; set QCLUSTER_SERVER_TOKEN to the token the server was started with")
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is qcluster serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// remotePipeline drives a running server. History lives server-side, keyed
// by chat id, so the local session is not used.
type remotePipeline struct {
	client *apiClient
}

func (r remotePipeline) ProcessMessage(ctx context.Context, _ *pipeline.Session, msg pipeline.Message) pipeline.Result {
	var res pipeline.Result
	resp, err := r.client.post(ctx, "/messages", msg)
	if err == nil {
		err = decodeJSON(resp, &res)
	}
	if err != nil {
		qr := pipeline.QuestionResult{Error: err.Error()}
		qr.QuestionText = msg.Text
		return pipeline.Result{
			OriginalMessage:         msg.Text,
			ClusteringResults:       []pipeline.QuestionResult{qr},
			TotalQuestionsProcessed: 1,
		}
	}
	return res
}

func (r remotePipeline) DisplayClusters(ctx context.Context) (pipeline.ClusterReport, error) {
	var report pipeline.ClusterReport
	resp, err := r.client.get(ctx, "/clusters")
	if err != nil {
		return report, err
	}
	return report, decodeJSON(resp, &report)
}

func (r remotePipeline) ClearAll(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	resp, err := r.client.delete(ctx, "/clusters")
	if err != nil {
		return 0, err
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (r remotePipeline) enqueue(ctx context.Context, msg pipeline.Message) (string, error) {
	var out map[string]string
	resp, err := r.client.post(ctx, "/messages?async=true", msg)
	if err != nil {
		return "", err
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out["id"], nil
}

type jobStatus struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (r remotePipeline) job(ctx context.Context, id string) (jobStatus, error) {
	var js jobStatus
	resp, err := r.client.get(ctx, "/jobs/"+id)
	if err != nil {
		return js, err
	}
	return js, decodeJSON(resp, &js)
}
