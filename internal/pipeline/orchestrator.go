package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/qcluster/internal/clustering"
	"github.com/kalambet/qcluster/internal/engine"
	"github.com/kalambet/qcluster/internal/intent"
	"github.com/kalambet/qcluster/internal/vectorstore"
)

// Identifiers used when a caller does not supply them.
const (
	DefaultChatID    = "test-chat"
	DefaultUserID    = "test-user"
	DefaultCreatorID = "test-creator"
)

// Analyzer extracts structured intent from a message.
type Analyzer interface {
	Analyze(ctx context.Context, message string, history []engine.Message) intent.Result
}

// Clusterer assigns one question to a cluster.
type Clusterer interface {
	Cluster(ctx context.Context, in clustering.Input) (clustering.Outcome, error)
}

// Message is one incoming fan message.
type Message struct {
	Text      string `json:"text"`
	ChatID    string `json:"chatId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	CreatorID string `json:"creatorId,omitempty"`
}

func (m Message) withDefaults() Message {
	if m.ChatID == "" {
		m.ChatID = DefaultChatID
	}
	if m.UserID == "" {
		m.UserID = DefaultUserID
	}
	if m.CreatorID == "" {
		m.CreatorID = DefaultCreatorID
	}
	return m
}

// QuestionResult is the clustering outcome of one extracted question. Error
// is set when the question could not be stored or searched.
type QuestionResult struct {
	clustering.Outcome `yaml:",inline"`
	Error              string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result aggregates everything that happened to one message.
type Result struct {
	OriginalMessage         string           `json:"originalMessage" yaml:"originalMessage"`
	IntentAnalysis          intent.Analysis  `json:"intentAnalysis" yaml:"intentAnalysis"`
	ExtractionFallback      bool             `json:"extractionFallback" yaml:"extractionFallback"`
	ClusteringResults       []QuestionResult `json:"clusteringResults" yaml:"clusteringResults"`
	TotalQuestionsProcessed int              `json:"totalQuestionsProcessed" yaml:"totalQuestionsProcessed"`
	DurationMs              int64            `json:"durationMs" yaml:"durationMs"`
}

// Config tunes an Orchestrator.
type Config struct {
	HistorySize int
	Logger      *slog.Logger
}

// Orchestrator runs messages through extraction and clustering.
type Orchestrator struct {
	analyzer    Analyzer
	clusterer   Clusterer
	store       vectorstore.Store
	historySize int
	logger      *slog.Logger
}

// New wires an Orchestrator. store backs DisplayClusters and ClearAll.
func New(analyzer Analyzer, clusterer Clusterer, store vectorstore.Store, cfg Config) *Orchestrator {
	o := &Orchestrator{
		analyzer:    analyzer,
		clusterer:   clusterer,
		store:       store,
		historySize: cfg.HistorySize,
		logger:      cfg.Logger,
	}
	if o.historySize <= 0 {
		o.historySize = DefaultHistorySize
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// NewSession returns a Session sized for this Orchestrator.
func (o *Orchestrator) NewSession() *Session {
	return NewSession(o.historySize)
}

// NewSessionRegistry returns a registry sized for this Orchestrator.
func (o *Orchestrator) NewSessionRegistry() *SessionRegistry {
	return NewSessionRegistry(o.historySize)
}

// ProcessMessage extracts the questions in msg and clusters them one at a
// time. It never fails as a whole: extraction errors fall back to the
// deterministic reading and clustering errors are reported per question.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sess *Session, msg Message) (out Result) {
	start := time.Now()
	defer func() {
		out.DurationMs = time.Since(start).Milliseconds()
	}()

	msg = msg.withDefaults()
	log := o.logger.With("chat_id", msg.ChatID)

	res := o.analyzer.Analyze(ctx, msg.Text, sess.History())
	analysis := res.Analysis
	if !res.OK() {
		log.Warn("intent extraction failed, using fallback", "error", res.Err)
		analysis = intent.Fallback(msg.Text)
		out.ExtractionFallback = true
	}
	sess.Append(msg.Text)

	out.OriginalMessage = msg.Text
	out.IntentAnalysis = analysis
	out.ClusteringResults = make([]QuestionResult, 0, len(analysis.Questions))

	for _, q := range analysis.Questions {
		outcome, err := o.clusterer.Cluster(ctx, clustering.Input{
			QuestionText:    q,
			FullMessageText: msg.Text,
			ChatID:          msg.ChatID,
			UserID:          msg.UserID,
			CreatorID:       msg.CreatorID,
			Topic:           analysis.Topic,
			Tone:            analysis.Tone,
			Tags:            analysis.Tags,
		})
		qr := QuestionResult{Outcome: outcome}
		if qr.QuestionText == "" {
			qr.QuestionText = q
		}
		if err != nil {
			log.Error("clustering question failed", "question", q, "error", err)
			qr.Error = err.Error()
		}
		out.ClusteringResults = append(out.ClusteringResults, qr)
	}
	out.TotalQuestionsProcessed = len(analysis.Questions)

	log.Debug("message processed",
		"questions", out.TotalQuestionsProcessed,
		"fallback", out.ExtractionFallback,
	)
	return out
}
