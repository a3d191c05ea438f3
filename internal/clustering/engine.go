package clustering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/qcluster/internal/vectorstore"
)

// Status is the terminal state of one clustering run.
type Status string

const (
	StatusAddedToExisting      Status = "added_to_existing"
	StatusCreatedNewCluster    Status = "created_new_cluster"
	StatusCreatedUniqueCluster Status = "created_unique_cluster"
)

// ErrStamp means the question was stored and a cluster was chosen, but its
// own cluster fields could not be written. The returned Outcome is complete.
var ErrStamp = errors.New("cluster assignment not stored")

// Defaults observed in production.
const (
	DefaultTopK                = 10
	DefaultSimilarityThreshold = 0.8
)

// Embedder turns question text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Input is one extracted question with the context it came from.
type Input struct {
	QuestionText    string
	FullMessageText string
	ChatID          string
	UserID          string
	CreatorID       string
	Topic           string
	Tone            string
	Tags            []string
}

// Neighbor is a stored question that passed the similarity filter.
type Neighbor struct {
	ID           string  `json:"id" yaml:"id"`
	Score        float64 `json:"score" yaml:"score"`
	QuestionText string  `json:"questionText" yaml:"questionText"`
	ClusterID    string  `json:"clusterId,omitempty" yaml:"clusterId,omitempty"`
}

// Outcome reports what happened to one question. MemberErrors holds the
// neighbour updates that failed; they never abort the run.
type Outcome struct {
	Status                  Status     `json:"status" yaml:"status"`
	QuestionID              string     `json:"questionId" yaml:"questionId"`
	QuestionText            string     `json:"questionText" yaml:"questionText"`
	ClusterID               string     `json:"clusterId,omitempty" yaml:"clusterId,omitempty"`
	ClusterAssignedAtMillis int64      `json:"clusterAssignedAtMillis,omitempty" yaml:"clusterAssignedAtMillis,omitempty"`
	SimilarQuestions        []Neighbor `json:"similarQuestions" yaml:"similarQuestions"`
	MembersStamped          int        `json:"membersStamped" yaml:"membersStamped"`
	MemberErrors            []error    `json:"-" yaml:"-"`
}

// Config tunes an Engine. Zero fields take the defaults.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	Settler             Settler
	Now                 func() time.Time
	NewID               func() string
	Logger              *slog.Logger
}

// Engine assigns questions to clusters by online nearest-neighbour search.
// It holds no mutable state and is safe for concurrent use. Concurrent
// callers are not coordinated: two similar questions racing through the
// create branch can each found their own cluster.
type Engine struct {
	embedder  Embedder
	store     vectorstore.Store
	topK      int
	threshold float64
	settler   Settler
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// New builds an Engine over embedder and store.
func New(embedder Embedder, store vectorstore.Store, cfg Config) *Engine {
	e := &Engine{
		embedder:  embedder,
		store:     store,
		topK:      cfg.TopK,
		threshold: cfg.SimilarityThreshold,
		settler:   cfg.Settler,
		now:       cfg.Now,
		newID:     cfg.NewID,
		logger:    cfg.Logger,
	}
	if e.topK <= 0 {
		e.topK = DefaultTopK
	}
	if e.threshold == 0 {
		e.threshold = DefaultSimilarityThreshold
	}
	if e.settler == nil {
		e.settler = NewPollSettler(0, 0)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// member is a record about to be stamped. md is nil when the caller does
// not already hold its metadata.
type member struct {
	id string
	md vectorstore.Metadata
}

// Cluster stores the question, then decides its cluster. An error means the
// question could not be stored, the neighbourhood could not be searched, or
// (wrapping ErrStamp) its own cluster fields could not be written. In the
// last two cases the question stays stored without a cluster and the
// returned Outcome carries its id.
func (e *Engine) Cluster(ctx context.Context, in Input) (Outcome, error) {
	vec, err := e.embedder.Embed(ctx, in.QuestionText)
	if err != nil {
		return Outcome{}, err
	}

	rec := QuestionRecord{
		ID:              e.newID(),
		QuestionText:    in.QuestionText,
		FullMessageText: in.FullMessageText,
		ChatID:          in.ChatID,
		UserID:          in.UserID,
		CreatorID:       in.CreatorID,
		Topic:           in.Topic,
		Tone:            in.Tone,
		Tags:            in.Tags,
		CreatedAtMillis: e.now().UnixMilli(),
	}
	own := rec.Metadata()
	if err := e.store.Upsert(ctx, rec.ID, vec, own); err != nil {
		return Outcome{}, fmt.Errorf("storing question: %w", err)
	}

	out := Outcome{QuestionID: rec.ID, QuestionText: rec.QuestionText, SimilarQuestions: []Neighbor{}}
	log := e.logger.With("question_id", rec.ID)

	e.settler.Settle(ctx, e.store, rec.ID)

	matches, err := e.store.Query(ctx, vec, e.topK, nil)
	if err != nil {
		return out, fmt.Errorf("searching neighbours: %w", err)
	}
	similar := e.filter(matches, in.QuestionText)
	for _, m := range similar {
		out.SimilarQuestions = append(out.SimilarQuestions, Neighbor{
			ID:           m.ID,
			Score:        m.Score,
			QuestionText: m.Metadata.String(KeyQuestionText),
			ClusterID:    m.Metadata.String(KeyClusterID),
		})
	}

	if len(similar) == 0 {
		out.Status = StatusCreatedUniqueCluster
		err := e.createCluster(ctx, &out, []member{{id: rec.ID, md: own}})
		log.Info("question is novel", "cluster_id", out.ClusterID)
		return out, err
	}

	for _, m := range similar {
		if !m.Metadata.Has(KeyClusterID) {
			continue
		}
		out.Status = StatusAddedToExisting
		err := e.join(ctx, &out, rec.ID, own, m.Metadata)
		log.Info("question joined cluster", "cluster_id", out.ClusterID, "neighbor_id", m.ID, "score", m.Score)
		return out, err
	}

	members := make([]member, 0, len(similar)+1)
	members = append(members, member{id: rec.ID, md: own})
	for _, m := range similar {
		var md vectorstore.Metadata
		if len(m.Metadata) > 0 {
			md = m.Metadata
		}
		members = append(members, member{id: m.ID, md: md})
	}
	out.Status = StatusCreatedNewCluster
	err = e.createCluster(ctx, &out, members)
	log.Info("created cluster from unclustered neighbours", "cluster_id", out.ClusterID, "members", out.MembersStamped)
	return out, err
}

// filter keeps matches at or above the threshold whose text differs from
// the question, preserving rank order.
func (e *Engine) filter(matches []vectorstore.Match, questionText string) []vectorstore.Match {
	var kept []vectorstore.Match
	for _, m := range matches {
		if m.Score < e.threshold {
			continue
		}
		if m.Metadata.String(KeyQuestionText) == questionText {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// join copies the neighbour's cluster fields onto the new question only.
func (e *Engine) join(ctx context.Context, out *Outcome, id string, own, neighbor vectorstore.Metadata) error {
	out.ClusterID = neighbor.String(KeyClusterID)
	assignedAt, ok := neighbor.Int64(KeyClusterAssignedAt)
	if !ok {
		assignedAt = e.now().UnixMilli()
	}
	out.ClusterAssignedAtMillis = assignedAt

	patch := own.Merge(vectorstore.Metadata{KeyClusterID: out.ClusterID, KeyClusterAssignedAt: assignedAt})
	if err := e.store.UpdateMetadata(ctx, id, patch); err != nil {
		e.logger.Error("stamping joined question failed", "question_id", id, "cluster_id", out.ClusterID, "error", err)
		return fmt.Errorf("%w: updating %s: %w", ErrStamp, id, err)
	}
	out.MembersStamped = 1
	return nil
}

// createCluster stamps every member with one fresh cluster id and one
// shared timestamp. members[0] is the question itself; a failure there is
// returned, a neighbour's failure lands in MemberErrors. Either way the
// remaining updates still run. Members whose metadata lacks questionText
// are skipped.
func (e *Engine) createCluster(ctx context.Context, out *Outcome, members []member) error {
	var ownErr error
	out.ClusterID = e.newID()
	out.ClusterAssignedAtMillis = e.now().UnixMilli()
	stamp := vectorstore.Metadata{KeyClusterID: out.ClusterID, KeyClusterAssignedAt: out.ClusterAssignedAtMillis}

	for i, m := range members {
		md := m.md
		if md == nil {
			recs, err := e.store.Fetch(ctx, []string{m.id})
			if err != nil {
				e.logger.Error("fetching cluster member failed", "question_id", m.id, "cluster_id", out.ClusterID, "error", err)
				out.MemberErrors = append(out.MemberErrors, fmt.Errorf("fetching %s: %w", m.id, err))
				continue
			}
			if recs[0] == nil {
				e.logger.Warn("cluster member not found", "question_id", m.id, "cluster_id", out.ClusterID)
				continue
			}
			md = recs[0].Metadata
		}
		if !md.Has(KeyQuestionText) {
			e.logger.Warn("skipping cluster member without question text", "question_id", m.id, "cluster_id", out.ClusterID)
			continue
		}
		if err := e.store.UpdateMetadata(ctx, m.id, md.Merge(stamp)); err != nil {
			e.logger.Error("stamping cluster member failed", "question_id", m.id, "cluster_id", out.ClusterID, "error", err)
			if i == 0 {
				ownErr = fmt.Errorf("%w: updating %s: %w", ErrStamp, m.id, err)
			} else {
				out.MemberErrors = append(out.MemberErrors, fmt.Errorf("updating %s: %w", m.id, err))
			}
			continue
		}
		out.MembersStamped++
	}
	return ownErr
}
