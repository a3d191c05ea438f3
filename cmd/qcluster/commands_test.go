package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/qcluster/internal/clustering"
	"github.com/kalambet/qcluster/internal/config"
	"github.com/kalambet/qcluster/internal/engine"
	"github.com/kalambet/qcluster/internal/intent"
	"github.com/kalambet/qcluster/internal/pipeline"
	"github.com/kalambet/qcluster/internal/shell"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) remote() remotePipeline {
	return remotePipeline{client: &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}}
}

var ctx = context.Background()

// --- remote pipeline ---

func TestRemoteProcessMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /messages": `{"originalMessage":"Rest days?","totalQuestionsProcessed":1,
			"clusteringResults":[{"status":"created_unique_cluster","questionId":"q1","questionText":"Rest days?","clusterId":"c1","similarQuestions":[]}]}`,
	})

	msg := pipeline.Message{Text: "Rest days?", ChatID: "dm-1"}
	res := ts.remote().ProcessMessage(ctx, nil, msg)

	if res.TotalQuestionsProcessed != 1 || res.ClusteringResults[0].ClusterID != "c1" {
		t.Errorf("result = %+v", res)
	}
	if res.ClusteringResults[0].Status != clustering.StatusCreatedUniqueCluster {
		t.Errorf("status = %q", res.ClusteringResults[0].Status)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/messages" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["text"] != "Rest days?" || body["chatId"] != "dm-1" {
		t.Errorf("body = %v", body)
	}
}

func TestRemoteProcessMessage_ServerErrorBecomesQuestionError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	res := ts.remote().ProcessMessage(ctx, nil, pipeline.Message{Text: "Anyone there?"})
	if res.TotalQuestionsProcessed != 1 || len(res.ClusteringResults) != 1 {
		t.Fatalf("result = %+v", res)
	}
	qr := res.ClusteringResults[0]
	if qr.QuestionText != "Anyone there?" || !strings.Contains(qr.Error, "404") {
		t.Errorf("question result = %+v", qr)
	}
}

func TestRemoteClustersAndClear(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /clusters":    `{"clusters":[{"clusterId":"c1","topic":"training","members":[{"id":"q1","questionText":"a?"}]}],"unclustered":[],"totalVectors":1}`,
		"DELETE /clusters": `{"status":"deleted","deleted":4}`,
	})
	rp := ts.remote()

	report, err := rp.DisplayClusters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.TotalVectors != 1 || report.Clusters[0].Topic != "training" {
		t.Errorf("report = %+v", report)
	}

	n, err := rp.ClearAll(ctx)
	if err != nil || n != 4 {
		t.Errorf("ClearAll = %d, %v", n, err)
	}
}

func TestRemoteEnqueueAndJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /messages":  `{"id":"job-1","status":"queued"}`,
		"GET /jobs/job-1": `{"id":"job-1","status":"completed","attempts":1,"result":{"totalQuestionsProcessed":2}}`,
	})
	rp := ts.remote()

	id, err := rp.enqueue(ctx, pipeline.Message{Text: "x?"})
	if err != nil || id != "job-1" {
		t.Fatalf("enqueue = %q, %v", id, err)
	}
	if ts.requests[0].Path != "/messages?async=true" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}

	js, err := rp.job(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if js.Status != "completed" || !strings.Contains(string(js.Result), `"totalQuestionsProcessed":2`) {
		t.Errorf("job = %+v", js)
	}
}

func TestServerNotReachable(t *testing.T) {
	ts := newTestServer(t, nil)
	rp := ts.remote()
	ts.server.Close()

	_, err := rp.DisplayClusters(ctx)
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNewAPIClient_RequiresToken(t *testing.T) {
	if _, err := newAPIClient(config.Config{}); err == nil || !strings.Contains(err.Error(), "QCLUSTER_SERVER_TOKEN") {
		t.Errorf("err = %v", err)
	}
	c, err := newAPIClient(config.Config{Server: config.ServerConfig{Port: 4100, Token: "t"}})
	if err != nil || c.baseURL != "http://127.0.0.1:4100" {
		t.Errorf("client = %+v, err = %v", c, err)
	}
}

// --- commands ---

type fakePipeline struct {
	messages []pipeline.Message
	cleared  int
	report   pipeline.ClusterReport
}

func (f *fakePipeline) ProcessMessage(_ context.Context, sess *pipeline.Session, msg pipeline.Message) pipeline.Result {
	f.messages = append(f.messages, msg)
	if sess != nil {
		sess.Append(msg.Text)
	}
	qr := pipeline.QuestionResult{Outcome: clustering.Outcome{
		Status:       clustering.StatusCreatedUniqueCluster,
		QuestionID:   "q-1",
		QuestionText: msg.Text,
		ClusterID:    "c-1",
	}}
	return pipeline.Result{
		OriginalMessage:         msg.Text,
		IntentAnalysis:          intent.Analysis{Message: msg.Text, Questions: []string{msg.Text}, Topic: "training", Tone: "curious", Tags: []string{}},
		ClusteringResults:       []pipeline.QuestionResult{qr},
		TotalQuestionsProcessed: 1,
	}
}

func (f *fakePipeline) DisplayClusters(context.Context) (pipeline.ClusterReport, error) {
	return f.report, nil
}

func (f *fakePipeline) ClearAll(context.Context) (int, error) {
	f.cleared++
	return 3, nil
}

// openedStoreOnly records how the last executed command opened its pipeline.
var openedStoreOnly bool

// execute runs the root command against p and returns stdout and stderr.
func execute(t *testing.T, p shell.Pipeline, stdin string, args ...string) (string, string, error) {
	t.Helper()

	oldLoad, oldOpen, oldStderr := loadConfig, openPipeline, stderr
	t.Cleanup(func() {
		loadConfig, openPipeline, stderr = oldLoad, oldOpen, oldStderr
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
	})

	loadConfig = func() (config.Config, error) {
		return config.Config{
			Pipeline: config.PipelineConfig{HistorySize: 10},
			Log:      config.LogConfig{Level: "error"},
		}, nil
	}
	openPipeline = func(_ context.Context, _ config.Config, storeOnly bool) (shell.Pipeline, func(), error) {
		openedStoreOnly = storeOnly
		return p, func() {}, nil
	}

	if args == nil {
		args = []string{}
	}

	var out, errOut bytes.Buffer
	stderr = &errOut
	noColor = true
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestProcessCommand_Text(t *testing.T) {
	p := &fakePipeline{}
	out, _, err := execute(t, p, "", "process", "--format", "text", "--chat", "dm-9", "How", "many", "sets?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.messages) != 1 || p.messages[0].Text != "How many sets?" || p.messages[0].ChatID != "dm-9" {
		t.Fatalf("messages = %+v", p.messages)
	}
	if !strings.Contains(out, "created_unique_cluster cluster=c-1") {
		t.Errorf("output = %q", out)
	}
}

func TestProcessCommand_JSON(t *testing.T) {
	out, _, err := execute(t, &fakePipeline{}, "", "process", "--format", "json", "Is creatine safe?")
	if err != nil {
		t.Fatal(err)
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if res.TotalQuestionsProcessed != 1 || res.ClusteringResults[0].QuestionText != "Is creatine safe?" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessCommand_AsyncNeedsRemote(t *testing.T) {
	_, _, err := execute(t, &fakePipeline{}, "", "process", "--format", "text", "--async", "x?")
	if err == nil || !strings.Contains(err.Error(), "--remote") {
		t.Errorf("err = %v", err)
	}
	processCmd.Flags().Set("async", "false")
}

func TestProcessCommand_MissingArgs(t *testing.T) {
	_, _, err := execute(t, &fakePipeline{}, "", "process")
	if err == nil {
		t.Fatal("expected error for missing message")
	}
}

func TestClustersCommand_Formats(t *testing.T) {
	p := &fakePipeline{report: pipeline.ClusterReport{
		TotalVectors: 2,
		Clusters: []pipeline.ClusterGroup{{
			ClusterID: "c-1", Topic: "recovery",
			Members: []pipeline.ClusterMember{{ID: "q1", QuestionText: "Rest days?"}, {ID: "q2", QuestionText: "Sleep?"}},
		}},
		Unclustered: []pipeline.ClusterMember{},
	}}

	out, _, err := execute(t, p, "", "clusters", "--format", "yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "clusterId: c-1") || !strings.Contains(out, "totalVectors: 2") {
		t.Errorf("yaml output = %q", out)
	}

	out, _, err = execute(t, p, "", "clusters", "--format", "text")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "c-1") || !strings.Contains(out, "Rest days?") {
		t.Errorf("text output = %q", out)
	}

	if _, _, err := execute(t, p, "", "clusters", "--format", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestClearCommand_RequiresConfirm(t *testing.T) {
	p := &fakePipeline{}
	_, errOut, err := execute(t, p, "", "clear", "--confirm=false")
	if err != nil {
		t.Fatal(err)
	}
	if p.cleared != 0 || !strings.Contains(errOut, "--confirm") {
		t.Errorf("cleared = %d, stderr = %q", p.cleared, errOut)
	}

	_, errOut, err = execute(t, p, "", "clear", "--confirm")
	if err != nil {
		t.Fatal(err)
	}
	if p.cleared != 1 || !strings.Contains(errOut, "Deleted 3 questions") {
		t.Errorf("cleared = %d, stderr = %q", p.cleared, errOut)
	}
}

func TestRootCommand_RunsShell(t *testing.T) {
	p := &fakePipeline{}
	out, _, err := execute(t, p, "Do you meal prep?\n\nclear\nexit\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.messages) != 1 || p.messages[0].Text != "Do you meal prep?" {
		t.Errorf("messages = %+v", p.messages)
	}
	if p.cleared != 1 {
		t.Errorf("cleared = %d, want 1", p.cleared)
	}
	if !strings.Contains(out, "bye") {
		t.Errorf("output = %q", out)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestWriteStructured(t *testing.T) {
	v := map[string]int{"deleted": 3}

	var buf bytes.Buffer
	if err := writeStructured(&buf, "json", v); err != nil || !strings.Contains(buf.String(), `"deleted": 3`) {
		t.Errorf("json = %q, err = %v", buf.String(), err)
	}
	buf.Reset()
	if err := writeStructured(&buf, "yaml", v); err != nil || strings.TrimSpace(buf.String()) != "deleted: 3" {
		t.Errorf("yaml = %q, err = %v", buf.String(), err)
	}
	if err := writeStructured(&buf, "toml", v); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestChatAndEmbedModels(t *testing.T) {
	cfg := config.Config{
		Engine: config.EngineConfig{Backend: config.EngineOpenAI},
		Ollama: config.ModelConfig{ChatModel: "llama3.2", EmbedModel: "nomic-embed-text"},
		OpenAI: config.ModelConfig{ChatModel: "gpt-4o-mini", EmbedModel: "text-embedding-3-small"},
	}
	if c, e := chatAndEmbedModels(cfg); c != "gpt-4o-mini" || e != "text-embedding-3-small" {
		t.Errorf("openai models = %q, %q", c, e)
	}
	cfg.Engine.Backend = config.EngineOllama
	if c, e := chatAndEmbedModels(cfg); c != "llama3.2" || e != "nomic-embed-text" {
		t.Errorf("ollama models = %q, %q", c, e)
	}
}

func TestAppClose_JoinsErrors(t *testing.T) {
	var order []int
	a := &app{closers: []func() error{
		func() error { order = append(order, 1); return errors.New("first") },
		func() error { order = append(order, 2); return nil },
	}}
	err := a.Close()
	if err == nil || !strings.Contains(err.Error(), "first") {
		t.Errorf("err = %v", err)
	}
	if len(order) != 2 || order[0] != 2 {
		t.Errorf("close order = %v, want reverse", order)
	}
}

func TestStoreCommandsSkipModelBackend(t *testing.T) {
	cases := []struct {
		args      []string
		storeOnly bool
	}{
		{[]string{"clusters", "--format", "text"}, true},
		{[]string{"clear", "--confirm"}, true},
		{[]string{"process", "--format", "text", "--async=false", "Is fasted cardio worth it?"}, false},
	}
	for _, tc := range cases {
		if _, _, err := execute(t, &fakePipeline{}, "", tc.args...); err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if openedStoreOnly != tc.storeOnly {
			t.Errorf("%v: storeOnly = %v, want %v", tc.args, openedStoreOnly, tc.storeOnly)
		}
	}
}

func TestBuildApp_StoreOnlyWithBackendDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	down.Close()

	cfg := config.Config{
		Engine:      config.EngineConfig{Backend: config.EngineOllama},
		Ollama:      config.ModelConfig{BaseURL: down.URL, ChatModel: "llama3.2", EmbedModel: "nomic-embed-text"},
		VectorStore: config.VectorStoreConfig{Backend: config.StoreMemory, Timeout: time.Second},
		Pipeline:    config.PipelineConfig{HistorySize: 10},
	}
	ctx := context.Background()

	if _, err := buildApp(ctx, cfg, appOptions{}); !errors.Is(err, engine.ErrBackendDown) {
		t.Fatalf("full build err = %v, want ErrBackendDown", err)
	}

	a, err := buildApp(ctx, cfg, appOptions{storeOnly: true})
	if err != nil {
		t.Fatalf("store-only build: %v", err)
	}
	defer a.Close()

	report, err := a.orch.DisplayClusters(ctx)
	if err != nil || report.TotalVectors != 0 {
		t.Errorf("DisplayClusters = %+v, %v", report, err)
	}
	if n, err := a.orch.ClearAll(ctx); err != nil || n != 0 {
		t.Errorf("ClearAll = %d, %v", n, err)
	}
	res := a.orch.ProcessMessage(ctx, pipeline.NewSession(0), pipeline.Message{Text: "Is fasted cardio worth it?"})
	for _, qr := range res.ClusteringResults {
		if qr.Error == "" {
			t.Errorf("question %q processed without a model backend", qr.QuestionText)
		}
	}
}
