package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfiguration marks a configuration that cannot start the service.
var ErrConfiguration = errors.New("configuration error")

// Backend and mode names.
const (
	EngineOllama = "ollama"
	EngineOpenAI = "openai"

	StoreSQLite   = "sqlite"
	StorePinecone = "pinecone"
	StoreMemory   = "memory"

	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"

	SettlePoll  = "poll"
	SettleFixed = "fixed"
)

type Config struct {
	Engine      EngineConfig
	Ollama      ModelConfig
	OpenAI      ModelConfig
	VectorStore VectorStoreConfig
	Storage     StorageConfig
	Pinecone    PineconeConfig
	Cache       CacheConfig
	Clustering  ClusteringConfig
	Intent      TimeoutConfig
	Embedding   TimeoutConfig
	Pipeline    PipelineConfig
	Server      ServerConfig
	Log         LogConfig
}

type EngineConfig struct {
	Backend string
}

// ModelConfig names the endpoint and models of one completion backend.
// APIKey is only used by OpenAI-compatible services.
type ModelConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	APIKey     string
}

type VectorStoreConfig struct {
	Backend string
	Timeout time.Duration
}

type StorageConfig struct {
	DataDir string
}

type PineconeConfig struct {
	IndexHost string
	Namespace string
	APIKey    string
}

type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	TTL           time.Duration
	LRUSize       int
}

type ClusteringConfig struct {
	TopK                int
	SimilarityThreshold float64
	SettleMode          string
	SettleDelay         time.Duration
	SettleInitial       time.Duration
	SettleMaxAttempts   int
}

type TimeoutConfig struct {
	Timeout time.Duration
}

type PipelineConfig struct {
	HistorySize int
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{Backend: EngineOllama},
		Ollama: ModelConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		OpenAI: ModelConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		VectorStore: VectorStoreConfig{Backend: StoreSQLite, Timeout: 30 * time.Second},
		Storage:     StorageConfig{DataDir: defaultDataDir()},
		Pinecone:    PineconeConfig{Namespace: "questions"},
		Cache: CacheConfig{
			Backend: CacheNone,
			TTL:     24 * time.Hour,
			LRUSize: 1024,
		},
		Clustering: ClusteringConfig{
			TopK:                10,
			SimilarityThreshold: 0.8,
			SettleMode:          SettlePoll,
			SettleDelay:         time.Second,
			SettleInitial:       250 * time.Millisecond,
			SettleMaxAttempts:   5,
		},
		Intent:    TimeoutConfig{Timeout: 10 * time.Second},
		Embedding: TimeoutConfig{Timeout: 15 * time.Second},
		Pipeline:  PipelineConfig{HistorySize: 10},
		Server:    ServerConfig{Port: 4100},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration and validates it.
//
// Values come from defaults, then the config file (JSON or YAML, chosen by
// extension; QCLUSTER_CONFIG or $XDG_CONFIG_HOME/qcluster/config.json),
// then QCLUSTER_* environment variables. A .env file in the working
// directory is loaded into the environment first without overriding
// variables that are already set. Secrets are read from the environment
// only.
func Load() (Config, error) {
	cfg, err := LoadUnchecked()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnchecked is Load without validation, for inspecting a broken setup.
func LoadUnchecked() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: reading %s: %w", ErrConfiguration, path, err)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate reports every setting that would stop the service from working.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	switch c.Engine.Backend {
	case EngineOllama:
		check(c.Ollama.BaseURL != "", "ollama.base_url is required")
	case EngineOpenAI:
		check(c.OpenAI.APIKey != "", "OpenAI API key is required; set QCLUSTER_OPENAI_API_KEY")
	default:
		check(false, "engine.backend must be %s or %s, got %q", EngineOllama, EngineOpenAI, c.Engine.Backend)
	}

	switch c.VectorStore.Backend {
	case StoreSQLite:
		check(c.Storage.DataDir != "", "storage.data_dir is required for the sqlite store")
	case StorePinecone:
		check(c.Pinecone.IndexHost != "", "pinecone.index_host is required for the pinecone store")
		check(c.Pinecone.APIKey != "", "Pinecone API key is required; set QCLUSTER_PINECONE_API_KEY")
	case StoreMemory:
	default:
		check(false, "vectorstore.backend must be one of sqlite, pinecone, memory, got %q", c.VectorStore.Backend)
	}

	switch c.Cache.Backend {
	case CacheNone:
	case CacheLRU:
		check(c.Cache.LRUSize > 0, "cache.lru_size must be positive")
	case CacheRedis:
		check(c.Cache.RedisAddr != "", "cache.redis_addr is required for the redis cache")
	default:
		check(false, "cache.backend must be one of none, lru, redis, got %q", c.Cache.Backend)
	}

	cl := c.Clustering
	check(cl.TopK > 0, "clustering.top_k must be positive")
	check(cl.SimilarityThreshold > 0 && cl.SimilarityThreshold <= 1,
		"clustering.similarity_threshold must be in (0, 1], got %v", cl.SimilarityThreshold)
	switch cl.SettleMode {
	case SettlePoll:
		check(cl.SettleInitial > 0 && cl.SettleMaxAttempts > 0,
			"clustering.settle_initial and clustering.settle_max_attempts must be positive")
	case SettleFixed:
		check(cl.SettleDelay >= 0, "clustering.settle_delay must not be negative")
	default:
		check(false, "clustering.settle_mode must be %s or %s, got %q", SettlePoll, SettleFixed, cl.SettleMode)
	}

	check(c.Pipeline.HistorySize > 0, "pipeline.history_size must be positive")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d is out of range", c.Server.Port)

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
}
