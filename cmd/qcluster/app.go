package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/qcluster/internal/clustering"
	"github.com/kalambet/qcluster/internal/config"
	"github.com/kalambet/qcluster/internal/engine"
	"github.com/kalambet/qcluster/internal/intent"
	"github.com/kalambet/qcluster/internal/pipeline"
	"github.com/kalambet/qcluster/internal/retrieval"
	"github.com/kalambet/qcluster/internal/storage"
	"github.com/kalambet/qcluster/internal/vectorstore"
)

// app is the assembled in-process pipeline and everything it holds open.
type app struct {
	cfg     config.Config
	orch    *pipeline.Orchestrator
	vectors vectorstore.Store
	db      *storage.Store // nil unless the sqlite store or the job queue is in use
	closers []func() error
}

type appOptions struct {
	// needJobs opens the local database even when vectors live elsewhere.
	needJobs bool
	// progress receives model readiness output.
	progress io.Writer
	// storeOnly skips the model backend entirely. The pipeline can list and
	// clear the store; processing a message fails every question.
	storeOnly bool
}

var errStoreOnly = errors.New("opened without a model backend")

// noModels stands in for the extractor and the clusterer of a store-only
// pipeline.
type noModels struct{}

func (noModels) Analyze(_ context.Context, message string, _ []engine.Message) intent.Result {
	return intent.Result{Analysis: intent.Fallback(message), Err: errStoreOnly}
}

func (noModels) Cluster(context.Context, clustering.Input) (clustering.Outcome, error) {
	return clustering.Outcome{}, errStoreOnly
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func chatAndEmbedModels(cfg config.Config) (string, string) {
	if cfg.Engine.Backend == config.EngineOpenAI {
		return cfg.OpenAI.ChatModel, cfg.OpenAI.EmbedModel
	}
	return cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel
}

func buildApp(ctx context.Context, cfg config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	if opts.progress == nil {
		opts.progress = io.Discard
	}
	if opts.storeOnly {
		if err := a.openStore(opts.needJobs); err != nil {
			return nil, err
		}
		a.orch = pipeline.New(noModels{}, noModels{}, a.vectors, pipeline.Config{HistorySize: cfg.Pipeline.HistorySize})
		return a, nil
	}

	eng, err := engine.Detect(engine.DetectConfig{
		Backend:       cfg.Engine.Backend,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAI:        engine.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	chatModel, embedModel := chatAndEmbedModels(cfg)
	if err := engine.EnsureReady(ctx, eng, chatModel, embedModel, opts.progress); err != nil {
		return nil, err
	}

	embedder, err := a.buildEmbedder(ctx, eng, embedModel)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(opts.needJobs); err != nil {
		return nil, err
	}

	var settler clustering.Settler
	switch cfg.Clustering.SettleMode {
	case config.SettleFixed:
		settler = clustering.FixedSettler{Delay: cfg.Clustering.SettleDelay}
	default:
		settler = clustering.NewPollSettler(cfg.Clustering.SettleInitial, cfg.Clustering.SettleMaxAttempts)
	}

	clusterer := clustering.New(embedder, a.vectors, clustering.Config{
		TopK:                cfg.Clustering.TopK,
		SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
		Settler:             settler,
	})
	extractor := intent.NewExtractor(eng, chatModel, cfg.Intent.Timeout)
	a.orch = pipeline.New(extractor, clusterer, a.vectors, pipeline.Config{HistorySize: cfg.Pipeline.HistorySize})

	slog.Debug("pipeline ready",
		"engine", cfg.Engine.Backend,
		"chat_model", chatModel,
		"embed_model", embedModel,
		"vector_store", cfg.VectorStore.Backend,
		"cache", cfg.Cache.Backend,
		"settle_mode", cfg.Clustering.SettleMode,
	)
	return a, nil
}

func (a *app) buildEmbedder(ctx context.Context, eng engine.Engine, model string) (clustering.Embedder, error) {
	base := retrieval.NewEmbedder(eng, model, a.cfg.Embedding.Timeout)
	switch a.cfg.Cache.Backend {
	case config.CacheLRU:
		return retrieval.NewCachedEmbedder(base, retrieval.NewLRUCache(a.cfg.Cache.LRUSize), model), nil
	case config.CacheRedis:
		rc, err := retrieval.NewRedisCache(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		return retrieval.NewCachedEmbedder(base, rc, model), nil
	}
	return base, nil
}

func (a *app) openStore(needJobs bool) error {
	vectors, err := a.openVectors(needJobs)
	if err != nil {
		return err
	}
	a.vectors = vectorstore.WithTimeout(vectors, a.cfg.VectorStore.Timeout)
	return nil
}

func (a *app) openVectors(needJobs bool) (vectorstore.Store, error) {
	backend := a.cfg.VectorStore.Backend
	if backend == config.StoreSQLite || needJobs {
		db, err := storage.Open(a.cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
	}

	switch backend {
	case config.StorePinecone:
		return vectorstore.NewPineconeStore(vectorstore.PineconeConfig{
			Host:      a.cfg.Pinecone.IndexHost,
			APIKey:    a.cfg.Pinecone.APIKey,
			Namespace: a.cfg.Pinecone.Namespace,
			Timeout:   a.cfg.VectorStore.Timeout,
		})
	case config.StoreMemory:
		return vectorstore.NewMemoryStore(), nil
	default:
		return vectorstore.NewSQLiteStore(a.db.DB()), nil
	}
}

// Close releases everything buildApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
