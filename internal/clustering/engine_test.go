package clustering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/qcluster/internal/vectorstore"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	store  *vectorstore.MemoryStore
	clock  *testClock
	engine *Engine
}

func newHarness(t *testing.T, vectors map[string][]float32, threshold float64) *harness {
	t.Helper()
	clock := &testClock{t: time.UnixMilli(1700000000000)}
	store := vectorstore.NewMemoryStore()
	store.Now = clock.Now
	eng := New(&fakeEmbedder{vectors: vectors}, store, Config{
		SimilarityThreshold: threshold,
		Settler:             FixedSettler{Sleep: noSleep},
		Now:                 clock.Now,
		NewID:               sequentialIDs(),
	})
	return &harness{store: store, clock: clock, engine: eng}
}

func (h *harness) cluster(t *testing.T, text string) Outcome {
	t.Helper()
	out, err := h.engine.Cluster(context.Background(), Input{QuestionText: text, FullMessageText: text, ChatID: "chat-1"})
	if err != nil {
		t.Fatalf("Cluster(%q): %v", text, err)
	}
	return out
}

func (h *harness) record(t *testing.T, id string) QuestionRecord {
	t.Helper()
	recs, err := h.store.Fetch(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("Fetch(%s): %v", id, err)
	}
	if recs[0] == nil {
		t.Fatalf("record %s not found", id)
	}
	return RecordFromMetadata(id, recs[0].Metadata)
}

func (h *harness) seed(t *testing.T, id, text string, vec []float32, clusterID string) {
	t.Helper()
	r := QuestionRecord{ID: id, QuestionText: text, CreatedAtMillis: 1}
	if clusterID != "" {
		at := int64(42)
		r.ClusterID, r.ClusterAssignedAtMillis = &clusterID, &at
	}
	if err := h.store.Upsert(context.Background(), id, vec, r.Metadata()); err != nil {
		t.Fatal(err)
	}
}

func TestCluster_SingletonInEmptyStore(t *testing.T) {
	h := newHarness(t, map[string][]float32{"How much protein do I need?": {1, 0}}, 0)

	out := h.cluster(t, "How much protein do I need?")
	if out.Status != StatusCreatedUniqueCluster {
		t.Fatalf("Status = %s, want %s", out.Status, StatusCreatedUniqueCluster)
	}
	if out.ClusterID == "" || out.ClusterID == out.QuestionID {
		t.Errorf("ClusterID = %q, QuestionID = %q", out.ClusterID, out.QuestionID)
	}
	if len(out.SimilarQuestions) != 0 || out.MembersStamped != 1 {
		t.Errorf("outcome = %+v", out)
	}

	rec := h.record(t, out.QuestionID)
	if rec.ClusterID == nil || *rec.ClusterID != out.ClusterID {
		t.Errorf("stored clusterId = %v, want %s", rec.ClusterID, out.ClusterID)
	}
	if rec.ClusterAssignedAtMillis == nil || *rec.ClusterAssignedAtMillis != h.clock.t.UnixMilli() {
		t.Errorf("stored clusterAssignedAtMillis = %v", rec.ClusterAssignedAtMillis)
	}
	if rec.ChatID != "chat-1" || rec.CreatedAtMillis != h.clock.t.UnixMilli() {
		t.Errorf("stored record = %+v", rec)
	}
	if h.store.Len() != 1 {
		t.Errorf("store holds %d records, want 1", h.store.Len())
	}
}

func TestCluster_IdenticalTextsGetDistinctIDs(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	eng := New(&fakeEmbedder{vectors: map[string][]float32{"same?": {1, 1}}}, store, Config{
		Settler: FixedSettler{Sleep: noSleep},
	})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		out, err := eng.Cluster(context.Background(), Input{QuestionText: "same?"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[out.QuestionID] {
			t.Fatalf("duplicate question id %s", out.QuestionID)
		}
		seen[out.QuestionID] = true
		// Identical text never counts as its own neighbour.
		if out.Status != StatusCreatedUniqueCluster || len(out.SimilarQuestions) != 0 {
			t.Errorf("run %d: outcome = %+v", i, out)
		}
	}
	if store.Len() != 5 {
		t.Errorf("store holds %d records, want 5", store.Len())
	}
}

func TestCluster_ThresholdIsInclusive(t *testing.T) {
	// cos([4,3],[1,0]) is exactly 0.8.
	vectors := map[string][]float32{
		"Best time to do cardio?":        {4, 3},
		"When should I schedule cardio?": {1, 0},
	}

	t.Run("at threshold", func(t *testing.T) {
		h := newHarness(t, vectors, 0.8)
		first := h.cluster(t, "Best time to do cardio?")
		second := h.cluster(t, "When should I schedule cardio?")
		if second.Status != StatusAddedToExisting || second.ClusterID != first.ClusterID {
			t.Fatalf("second = %+v, want join of %s", second, first.ClusterID)
		}
		if len(second.SimilarQuestions) != 1 || second.SimilarQuestions[0].Score != 0.8 {
			t.Errorf("SimilarQuestions = %+v", second.SimilarQuestions)
		}
	})

	t.Run("just above score", func(t *testing.T) {
		h := newHarness(t, vectors, math.Nextafter(0.8, 1))
		h.cluster(t, "Best time to do cardio?")
		second := h.cluster(t, "When should I schedule cardio?")
		if second.Status != StatusCreatedUniqueCluster || len(second.SimilarQuestions) != 0 {
			t.Errorf("second = %+v, want unique", second)
		}
	})
}

func TestCluster_JoinCopiesAssignedAt(t *testing.T) {
	h := newHarness(t, map[string][]float32{
		"How do I fix my squat form?":   {1, 0},
		"Any tips for squat technique?": {0.95, 0.05},
	}, 0)

	first := h.cluster(t, "How do I fix my squat form?")
	h.clock.Advance(time.Hour)
	second := h.cluster(t, "Any tips for squat technique?")

	if second.Status != StatusAddedToExisting {
		t.Fatalf("Status = %s", second.Status)
	}
	if second.ClusterID != first.ClusterID || second.ClusterAssignedAtMillis != first.ClusterAssignedAtMillis {
		t.Errorf("second = %+v, first = %+v", second, first)
	}
	if second.MembersStamped != 1 {
		t.Errorf("MembersStamped = %d, want 1", second.MembersStamped)
	}

	older := h.record(t, first.QuestionID)
	if *older.ClusterAssignedAtMillis != first.ClusterAssignedAtMillis {
		t.Errorf("existing member restamped: %d", *older.ClusterAssignedAtMillis)
	}
	newer := h.record(t, second.QuestionID)
	if *newer.ClusterID != first.ClusterID || *newer.ClusterAssignedAtMillis != first.ClusterAssignedAtMillis {
		t.Errorf("joined record = %+v", newer)
	}
	if newer.QuestionText != "Any tips for squat technique?" {
		t.Errorf("joined record lost its own metadata: %+v", newer)
	}
}

func TestCluster_JoinWithoutAssignedAtUsesNow(t *testing.T) {
	h := newHarness(t, map[string][]float32{"Is creatine safe?": {1, 0}}, 0)
	legacy := QuestionRecord{ID: "legacy", QuestionText: "Should I take creatine?"}
	md := legacy.Metadata()
	md[KeyClusterID] = "old-cluster"
	if err := h.store.Upsert(context.Background(), "legacy", []float32{1, 0}, md); err != nil {
		t.Fatal(err)
	}

	out := h.cluster(t, "Is creatine safe?")
	if out.Status != StatusAddedToExisting || out.ClusterID != "old-cluster" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ClusterAssignedAtMillis != h.clock.t.UnixMilli() {
		t.Errorf("ClusterAssignedAtMillis = %d, want now", out.ClusterAssignedAtMillis)
	}
}

func TestCluster_FirstClusteredNeighbourWins(t *testing.T) {
	h := newHarness(t, map[string][]float32{"q": {1, 0}}, 0)
	h.seed(t, "n1", "unclustered", []float32{1, 0}, "")
	h.seed(t, "n2", "in A", []float32{0.9, 0.1}, "A")
	h.seed(t, "n3", "in B", []float32{0.8, 0.2}, "B")

	out := h.cluster(t, "q")
	if out.Status != StatusAddedToExisting || out.ClusterID != "A" {
		t.Fatalf("outcome = %+v, want join of A", out)
	}
	if len(out.SimilarQuestions) != 3 || out.SimilarQuestions[0].ID != "n1" {
		t.Errorf("SimilarQuestions = %+v", out.SimilarQuestions)
	}
	if rec := h.record(t, "n1"); rec.ClusterID != nil {
		t.Errorf("unclustered neighbour was stamped: %v", *rec.ClusterID)
	}
	if rec := h.record(t, out.QuestionID); *rec.ClusterAssignedAtMillis != 42 {
		t.Errorf("clusterAssignedAtMillis = %d, want 42", *rec.ClusterAssignedAtMillis)
	}
}

func TestCluster_NewClusterFromUnclusteredNeighbours(t *testing.T) {
	h := newHarness(t, map[string][]float32{"How many rest days?": {1, 0}}, 0)
	h.seed(t, "n1", "How often should I rest?", []float32{1, 0.1}, "")
	h.seed(t, "n2", "Do I need rest days?", []float32{1, 0.2}, "")
	h.seed(t, "far", "What shoes for running?", []float32{0, 1}, "")

	out := h.cluster(t, "How many rest days?")
	if out.Status != StatusCreatedNewCluster {
		t.Fatalf("Status = %s", out.Status)
	}
	if out.MembersStamped != 3 || len(out.MemberErrors) != 0 {
		t.Errorf("MembersStamped = %d, MemberErrors = %v", out.MembersStamped, out.MemberErrors)
	}
	for _, id := range []string{out.QuestionID, "n1", "n2"} {
		rec := h.record(t, id)
		if rec.ClusterID == nil || *rec.ClusterID != out.ClusterID {
			t.Errorf("%s clusterId = %v, want %s", id, rec.ClusterID, out.ClusterID)
		}
		if *rec.ClusterAssignedAtMillis != out.ClusterAssignedAtMillis {
			t.Errorf("%s assignedAt = %d, want shared %d", id, *rec.ClusterAssignedAtMillis, out.ClusterAssignedAtMillis)
		}
		if rec.QuestionText == "" {
			t.Errorf("%s lost questionText", id)
		}
	}
	if rec := h.record(t, "far"); rec.ClusterID != nil {
		t.Errorf("dissimilar record was stamped")
	}
}

func TestCluster_StaleNeighbourFoundsSharedCluster(t *testing.T) {
	// Metadata updates lag behind reads, as on hosted indexes: the second
	// question still sees the first one unclustered.
	h := newHarness(t, map[string][]float32{
		"How long should I rest between sets?": {1, 0},
		"What rest time between sets?":         {1, 0.1},
	}, 0)
	h.store.UpdateDelay = time.Hour

	q1 := h.cluster(t, "How long should I rest between sets?")
	q2 := h.cluster(t, "What rest time between sets?")

	if q1.Status != StatusCreatedUniqueCluster {
		t.Fatalf("q1 Status = %s", q1.Status)
	}
	if q2.Status != StatusCreatedNewCluster {
		t.Fatalf("q2 Status = %s, want %s", q2.Status, StatusCreatedNewCluster)
	}

	h.clock.Advance(time.Hour)
	r1, r2 := h.record(t, q1.QuestionID), h.record(t, q2.QuestionID)
	if r1.ClusterID == nil || r2.ClusterID == nil || *r1.ClusterID != *r2.ClusterID || *r2.ClusterID != q2.ClusterID {
		t.Errorf("clusters = %v, %v, want shared %s", r1.ClusterID, r2.ClusterID, q2.ClusterID)
	}
	if r1.QuestionText != "How long should I rest between sets?" {
		t.Errorf("q1 metadata clobbered: %+v", r1)
	}
}

type flakyStore struct {
	*vectorstore.MemoryStore
	failUpdate string
	failUpsert bool
	failQuery  bool
	strip      string
}

func (s *flakyStore) Upsert(ctx context.Context, id string, v []float32, md vectorstore.Metadata) error {
	if s.failUpsert {
		return fmt.Errorf("%w: upsert: connection refused", vectorstore.ErrStore)
	}
	return s.MemoryStore.Upsert(ctx, id, v, md)
}

func (s *flakyStore) Query(ctx context.Context, v []float32, k int, f *vectorstore.Filter) ([]vectorstore.Match, error) {
	if s.failQuery {
		return nil, fmt.Errorf("%w: query: timeout", vectorstore.ErrStore)
	}
	matches, err := s.MemoryStore.Query(ctx, v, k, f)
	for i := range matches {
		if matches[i].ID == s.strip {
			matches[i].Metadata = nil
		}
	}
	return matches, err
}

func (s *flakyStore) UpdateMetadata(ctx context.Context, id string, md vectorstore.Metadata) error {
	if id == s.failUpdate {
		return fmt.Errorf("%w: update: 503", vectorstore.ErrStore)
	}
	return s.MemoryStore.UpdateMetadata(ctx, id, md)
}

func newFlakyHarness(t *testing.T, vectors map[string][]float32) (*harness, *flakyStore) {
	t.Helper()
	h := newHarness(t, vectors, 0)
	fs := &flakyStore{MemoryStore: h.store}
	h.engine = New(&fakeEmbedder{vectors: vectors}, fs, Config{
		Settler: FixedSettler{Sleep: noSleep},
		Now:     h.clock.Now,
		NewID:   sequentialIDs(),
	})
	return h, fs
}

func TestCluster_MemberUpdateFailureDoesNotAbort(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"Keto or low carb?": {1, 0}})
	h.seed(t, "n1", "Is keto better than low carb?", []float32{1, 0.1}, "")
	h.seed(t, "n2", "Low carb vs keto?", []float32{1, 0.2}, "")
	fs.failUpdate = "n1"

	out := h.cluster(t, "Keto or low carb?")
	if out.Status != StatusCreatedNewCluster {
		t.Fatalf("Status = %s", out.Status)
	}
	if out.MembersStamped != 2 || len(out.MemberErrors) != 1 {
		t.Fatalf("MembersStamped = %d, MemberErrors = %v", out.MembersStamped, out.MemberErrors)
	}
	if !errors.Is(out.MemberErrors[0], vectorstore.ErrStore) {
		t.Errorf("MemberErrors[0] = %v", out.MemberErrors[0])
	}
	if rec := h.record(t, "n2"); rec.ClusterID == nil || *rec.ClusterID != out.ClusterID {
		t.Errorf("n2 not stamped after n1 failed")
	}
	if rec := h.record(t, "n1"); rec.ClusterID != nil {
		t.Errorf("n1 stamped despite failure")
	}
}

func TestCluster_FetchesUnheldMetadataAndSkipsMalformed(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"Why am I always sore?": {1, 0}})
	h.seed(t, "n1", "Why does everything ache after leg day?", []float32{1, 0.1}, "")
	if err := h.store.Upsert(context.Background(), "junk", []float32{1, 0.05}, vectorstore.Metadata{"note": "imported"}); err != nil {
		t.Fatal(err)
	}
	fs.strip = "n1"

	out := h.cluster(t, "Why am I always sore?")
	if out.Status != StatusCreatedNewCluster {
		t.Fatalf("Status = %s", out.Status)
	}
	if out.MembersStamped != 2 {
		t.Errorf("MembersStamped = %d, want 2", out.MembersStamped)
	}
	rec := h.record(t, "n1")
	if rec.ClusterID == nil || *rec.ClusterID != out.ClusterID || rec.QuestionText == "" {
		t.Errorf("n1 = %+v", rec)
	}
	recs, _ := h.store.Fetch(context.Background(), []string{"junk"})
	if recs[0].Metadata.Has(KeyClusterID) {
		t.Errorf("record without questionText was stamped")
	}
}

func TestCluster_EmbeddingFailureStoresNothing(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	boom := errors.New("model offline")
	eng := New(&fakeEmbedder{err: boom}, store, Config{Settler: FixedSettler{Sleep: noSleep}})

	_, err := eng.Cluster(context.Background(), Input{QuestionText: "anything?"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d records after failed embed", store.Len())
	}
}

func TestCluster_UpsertFailure(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"q?": {1, 0}})
	fs.failUpsert = true

	out, err := h.engine.Cluster(context.Background(), Input{QuestionText: "q?"})
	if !errors.Is(err, vectorstore.ErrStore) {
		t.Fatalf("err = %v, want ErrStore", err)
	}
	if out.QuestionID != "" {
		t.Errorf("QuestionID = %q for unstored question", out.QuestionID)
	}
}

func TestCluster_QueryFailureLeavesQuestionUnclustered(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"q?": {1, 0}})
	fs.failQuery = true

	out, err := h.engine.Cluster(context.Background(), Input{QuestionText: "q?"})
	if !errors.Is(err, vectorstore.ErrStore) {
		t.Fatalf("err = %v, want ErrStore", err)
	}
	if out.QuestionID == "" {
		t.Fatal("partial outcome lacks QuestionID")
	}
	if rec := h.record(t, out.QuestionID); rec.ClusterID != nil {
		t.Errorf("question clustered despite failed search")
	}
}

type recordingSettler struct{ ids []string }

func (r *recordingSettler) Settle(_ context.Context, _ vectorstore.Store, id string) bool {
	r.ids = append(r.ids, id)
	return true
}

func TestCluster_SettlesOwnID(t *testing.T) {
	rs := &recordingSettler{}
	eng := New(&fakeEmbedder{vectors: map[string][]float32{"q?": {1}}}, vectorstore.NewMemoryStore(), Config{
		Settler: rs,
		NewID:   sequentialIDs(),
	})
	out, err := eng.Cluster(context.Background(), Input{QuestionText: "q?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs.ids) != 1 || rs.ids[0] != out.QuestionID {
		t.Errorf("settled %v, want [%s]", rs.ids, out.QuestionID)
	}
}

func TestCluster_MembershipIsNeverCleared(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	vectors := map[string][]float32{
		"a": {1, 0, 0}, "b": {0.9, 0.1, 0}, "c": {0, 1, 0}, "d": {0, 0.95, 0.1},
		"e": {0.5, 0.5, 0}, "f": {0, 0, 1}, "g": {0.1, 0, 0.9}, "h": {0.6, 0.4, 0},
	}
	h := newHarness(t, vectors, 0)
	clustered := map[string]bool{}

	for _, text := range texts {
		h.clock.Advance(time.Second)
		h.cluster(t, text)

		recs, err := h.store.List(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range recs {
			has := r.Metadata.Has(KeyClusterID)
			if clustered[r.ID] && !has {
				t.Fatalf("after %q: %s lost its clusterId", text, r.ID)
			}
			if has {
				clustered[r.ID] = true
			}
		}
	}
	if len(clustered) != len(texts) {
		t.Errorf("%d of %d questions clustered", len(clustered), len(texts))
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(&fakeEmbedder{}, vectorstore.NewMemoryStore(), Config{})
	if e.topK != DefaultTopK || e.threshold != DefaultSimilarityThreshold {
		t.Errorf("topK = %d, threshold = %v", e.topK, e.threshold)
	}
	if _, ok := e.settler.(*PollSettler); !ok {
		t.Errorf("settler = %T, want *PollSettler", e.settler)
	}
}

func TestCluster_OwnStampFailureIsReturned(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"Creatine before or after?": {1, 0}})
	fs.failUpdate = "id-1"

	out, err := h.engine.Cluster(context.Background(), Input{QuestionText: "Creatine before or after?"})
	if !errors.Is(err, ErrStamp) || !errors.Is(err, vectorstore.ErrStore) {
		t.Fatalf("err = %v, want ErrStamp wrapping the store error", err)
	}
	if out.Status != StatusCreatedUniqueCluster || out.QuestionID != "id-1" || out.ClusterID == "" {
		t.Errorf("outcome = %+v", out)
	}
	if out.MembersStamped != 0 || len(out.MemberErrors) != 0 {
		t.Errorf("MembersStamped = %d, MemberErrors = %v", out.MembersStamped, out.MemberErrors)
	}
}

func TestCluster_OwnStampFailureOnJoin(t *testing.T) {
	h, fs := newFlakyHarness(t, map[string][]float32{"Is oat milk ok post workout?": {1, 0}})
	h.seed(t, "n1", "Can I drink oat milk after training?", []float32{1, 0.1}, "c-old")
	fs.failUpdate = "id-1"

	out, err := h.engine.Cluster(context.Background(), Input{QuestionText: "Is oat milk ok post workout?"})
	if !errors.Is(err, ErrStamp) {
		t.Fatalf("err = %v, want ErrStamp", err)
	}
	if out.Status != StatusAddedToExisting || out.ClusterID != "c-old" || len(out.MemberErrors) != 0 {
		t.Errorf("outcome = %+v", out)
	}
}

// laggingPinecone answers like a Pinecone index whose fetch and query do not
// yet see anything written, while updates are accepted.
func laggingPinecone(t *testing.T) (vectorstore.Store, *[]map[string]any) {
	t.Helper()
	var (
		mu      sync.Mutex
		updates []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vectors/upsert":
			io.WriteString(w, `{"upsertedCount":1}`)
		case "/query":
			io.WriteString(w, `{"matches":[]}`)
		case "/vectors/fetch":
			io.WriteString(w, `{"vectors":{}}`)
		case "/vectors/update":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			updates = append(updates, body)
			mu.Unlock()
			io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	store, err := vectorstore.NewPineconeStore(vectorstore.PineconeConfig{Host: srv.URL, APIKey: "k", Namespace: "questions"})
	if err != nil {
		t.Fatal(err)
	}
	return store, &updates
}

func TestCluster_StampsOwnRecordWhileIndexLags(t *testing.T) {
	store, updates := laggingPinecone(t)
	eng := New(&fakeEmbedder{vectors: map[string][]float32{"Do I need a deload week?": {1, 0}}}, store, Config{
		Settler: FixedSettler{Sleep: noSleep},
		NewID:   sequentialIDs(),
	})

	out, err := eng.Cluster(context.Background(), Input{QuestionText: "Do I need a deload week?"})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if out.Status != StatusCreatedUniqueCluster || out.MembersStamped != 1 || len(out.MemberErrors) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(*updates) != 1 {
		t.Fatalf("updates sent = %d, want 1", len(*updates))
	}
	sent := (*updates)[0]
	md, _ := sent["setMetadata"].(map[string]any)
	if sent["id"] != out.QuestionID || md[KeyClusterID] != out.ClusterID || md[KeyQuestionText] != "Do I need a deload week?" {
		t.Errorf("update = %v", sent)
	}
}

// staticEmbedder is safe for concurrent use.
type staticEmbedder map[string][]float32

func (s staticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return s[text], nil
}

func TestCluster_ConcurrentSimilarQuestionsCanSplit(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	store.VisibilityDelay = time.Hour
	texts := []string{"How do I stop knee pain when squatting?", "Why do my knees hurt on squats?"}
	eng := New(staticEmbedder{texts[0]: {1, 0}, texts[1]: {0.99, 0.05}}, store, Config{
		Settler: FixedSettler{Sleep: noSleep},
	})

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]Outcome, len(texts))
		errs     = make([]error, len(texts))
	)
	for i, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcomes[i], errs[i] = eng.Cluster(context.Background(), Input{QuestionText: text})
		}()
	}
	close(start)
	wg.Wait()

	for i := range texts {
		if errs[i] != nil {
			t.Fatalf("Cluster(%q): %v", texts[i], errs[i])
		}
		if outcomes[i].Status != StatusCreatedUniqueCluster {
			t.Errorf("outcome %d status = %s", i, outcomes[i].Status)
		}
	}
	if outcomes[0].ClusterID == outcomes[1].ClusterID {
		t.Fatalf("racing callers shared cluster %s", outcomes[0].ClusterID)
	}

	store.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	recs, err := store.Fetch(context.Background(), []string{outcomes[0].QuestionID, outcomes[1].QuestionID})
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range recs {
		if rec == nil || rec.Metadata.String(KeyClusterID) != outcomes[i].ClusterID {
			t.Errorf("record %d = %+v, want cluster %s", i, rec, outcomes[i].ClusterID)
		}
	}
}
