package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/qcluster/internal/clustering"
	"github.com/kalambet/qcluster/internal/intent"
	"github.com/kalambet/qcluster/internal/pipeline"
	"github.com/kalambet/qcluster/internal/storage"
)

const testToken = "test-token-12345"

// --- mock pipeline ---

type mockPipeline struct {
	mu         sync.Mutex
	messages   []pipeline.Message
	sessions   []*pipeline.Session
	report     pipeline.ClusterReport
	displayErr error
	cleared    int
	clearErr   error
}

func (m *mockPipeline) ProcessMessage(_ context.Context, sess *pipeline.Session, msg pipeline.Message) pipeline.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.sessions = append(m.sessions, sess)
	sess.Append(msg.Text)
	return pipeline.Result{
		OriginalMessage: msg.Text,
		IntentAnalysis:  intent.Analysis{Message: msg.Text, Questions: []string{msg.Text}, Tags: []string{}},
		ClusteringResults: []pipeline.QuestionResult{{Outcome: clustering.Outcome{
			Status:       clustering.StatusCreatedUniqueCluster,
			QuestionID:   "q-1",
			QuestionText: msg.Text,
			ClusterID:    "c-1",
		}}},
		TotalQuestionsProcessed: 1,
	}
}

func (m *mockPipeline) DisplayClusters(context.Context) (pipeline.ClusterReport, error) {
	return m.report, m.displayErr
}

func (m *mockPipeline) ClearAll(context.Context) (int, error) {
	m.cleared++
	return 7, m.clearErr
}

// --- helpers ---

func setupHandler(t *testing.T, p *mockPipeline) (http.Handler, *storage.Store, *pipeline.SessionRegistry) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := pipeline.NewSessionRegistry(10)
	h := NewHandler(Deps{Pipeline: p, Sessions: sessions, Jobs: store, Token: testToken})
	return h, store, sessions
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, &mockPipeline{})
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestAuth_Rejects(t *testing.T) {
	h, _, _ := setupHandler(t, &mockPipeline{})
	for _, token := range []string{"", "wrong"} {
		rr := serve(h, authReq(http.MethodGet, "/clusters", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuth_EmptyServerTokenRejectsAll(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Sessions: pipeline.NewSessionRegistry(10)})
	req := httptest.NewRequest(http.MethodGet, "/clusters", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestProcessMessage_Sync(t *testing.T) {
	p := &mockPipeline{}
	h, _, sessions := setupHandler(t, p)

	body := `{"text":"How many rest days?","chatId":"chat-7","userId":"u1"}`
	rr := serve(h, authReq(http.MethodPost, "/messages", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var res pipeline.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.TotalQuestionsProcessed != 1 || res.ClusteringResults[0].ClusterID != "c-1" {
		t.Errorf("result = %+v", res)
	}
	if p.messages[0].ChatID != "chat-7" || p.messages[0].UserID != "u1" {
		t.Errorf("message = %+v", p.messages[0])
	}
	if p.sessions[0] != sessions.Get("chat-7") {
		t.Error("message not routed to its chat session")
	}
}

func TestProcessMessage_Validation(t *testing.T) {
	h, _, _ := setupHandler(t, &mockPipeline{})
	for _, body := range []string{`not json`, `{"text":""}`, `{}`} {
		rr := serve(h, authReq(http.MethodPost, "/messages", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestProcessMessage_AsyncQueuesJob(t *testing.T) {
	p := &mockPipeline{}
	h, store, _ := setupHandler(t, p)

	rr := serve(h, authReq(http.MethodPost, "/messages?async=true", `{"text":"Creatine timing?"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("resp = %v", resp)
	}
	if len(p.messages) != 0 {
		t.Error("async request processed inline")
	}

	job, err := store.GetJob(resp["id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != pipeline.JobTypeProcessMessage || job.MaxAttempts != 1 {
		t.Errorf("job = %+v", job)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/"+resp["id"], "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET job status = %d", rr.Code)
	}
	var jr jobResponse
	json.NewDecoder(rr.Body).Decode(&jr)
	if jr.Status != storage.JobPending {
		t.Errorf("job status = %q, want pending", jr.Status)
	}
}

func TestGetJob_CompletedCarriesResult(t *testing.T) {
	h, store, _ := setupHandler(t, &mockPipeline{})
	if err := store.EnqueueJob(storage.Job{ID: "j1", Type: pipeline.JobTypeProcessMessage, PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteJob("j1", `{"totalQuestionsProcessed":2}`); err != nil {
		t.Fatal(err)
	}

	rr := serve(h, authReq(http.MethodGet, "/jobs/j1", "", testToken))
	var jr jobResponse
	json.NewDecoder(rr.Body).Decode(&jr)
	if jr.Status != storage.JobCompleted || !strings.Contains(string(jr.Result), `"totalQuestionsProcessed":2`) {
		t.Errorf("job = %+v", jr)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rr.Code)
	}
}

func TestAsyncWithoutQueue(t *testing.T) {
	h := NewHandler(Deps{Pipeline: &mockPipeline{}, Sessions: pipeline.NewSessionRegistry(10), Token: testToken})
	rr := serve(h, authReq(http.MethodPost, "/messages?async=1", `{"text":"x?"}`, testToken))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rr.Code)
	}
}

func TestListClusters(t *testing.T) {
	p := &mockPipeline{report: pipeline.ClusterReport{
		TotalVectors: 2,
		Clusters:     []pipeline.ClusterGroup{{ClusterID: "c-1", Topic: "training", Members: []pipeline.ClusterMember{{ID: "q1"}, {ID: "q2"}}}},
		Unclustered:  []pipeline.ClusterMember{},
	}}
	h, _, _ := setupHandler(t, p)

	rr := serve(h, authReq(http.MethodGet, "/clusters", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got pipeline.ClusterReport
	json.NewDecoder(rr.Body).Decode(&got)
	if got.TotalVectors != 2 || len(got.Clusters[0].Members) != 2 {
		t.Errorf("report = %+v", got)
	}

	p.displayErr = errors.New("vector store error: list: 500")
	rr = serve(h, authReq(http.MethodGet, "/clusters", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status on store error = %d, want 502", rr.Code)
	}
}

func TestClearClusters_ResetsSessions(t *testing.T) {
	p := &mockPipeline{}
	h, _, sessions := setupHandler(t, p)
	sessions.Get("chat-1").Append("hello")

	rr := serve(h, authReq(http.MethodDelete, "/clusters", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["deleted"].(float64) != 7 {
		t.Errorf("resp = %v", resp)
	}
	if sessions.Len() != 0 {
		t.Errorf("sessions survived clear: %d", sessions.Len())
	}
}
