package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kFloat:
		return "number"
	case kDuration:
		return "duration"
	}
	return "string"
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func str(key, env string, field func(*Config) *string) keySpec {
	return keySpec{
		key: key, typ: kString, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func secret(key, env string, field func(*Config) *string) keySpec {
	s := str(key, env, field)
	s.secret = true
	return s
}

func integer(key, env string, field func(*Config) *int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func float(key, env string, field func(*Config) *float64) keySpec {
	return keySpec{
		key: key, typ: kFloat, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func duration(key, env string, field func(*Config) *time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(time.Duration) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

var specs = []keySpec{
	str("engine.backend", "QCLUSTER_ENGINE", func(c *Config) *string { return &c.Engine.Backend }),

	str("ollama.base_url", "QCLUSTER_OLLAMA_BASE_URL", func(c *Config) *string { return &c.Ollama.BaseURL }),
	str("ollama.chat_model", "QCLUSTER_OLLAMA_CHAT_MODEL", func(c *Config) *string { return &c.Ollama.ChatModel }),
	str("ollama.embed_model", "QCLUSTER_OLLAMA_EMBED_MODEL", func(c *Config) *string { return &c.Ollama.EmbedModel }),

	str("openai.base_url", "QCLUSTER_OPENAI_BASE_URL", func(c *Config) *string { return &c.OpenAI.BaseURL }),
	str("openai.chat_model", "QCLUSTER_OPENAI_CHAT_MODEL", func(c *Config) *string { return &c.OpenAI.ChatModel }),
	str("openai.embed_model", "QCLUSTER_OPENAI_EMBED_MODEL", func(c *Config) *string { return &c.OpenAI.EmbedModel }),
	secret("openai.api_key", "QCLUSTER_OPENAI_API_KEY", func(c *Config) *string { return &c.OpenAI.APIKey }),

	str("vectorstore.backend", "QCLUSTER_VECTORSTORE", func(c *Config) *string { return &c.VectorStore.Backend }),
	duration("vectorstore.timeout", "QCLUSTER_VECTORSTORE_TIMEOUT", func(c *Config) *time.Duration { return &c.VectorStore.Timeout }),
	str("storage.data_dir", "QCLUSTER_STORAGE_DATA_DIR", func(c *Config) *string { return &c.Storage.DataDir }),

	str("pinecone.index_host", "QCLUSTER_PINECONE_INDEX_HOST", func(c *Config) *string { return &c.Pinecone.IndexHost }),
	str("pinecone.namespace", "QCLUSTER_PINECONE_NAMESPACE", func(c *Config) *string { return &c.Pinecone.Namespace }),
	secret("pinecone.api_key", "QCLUSTER_PINECONE_API_KEY", func(c *Config) *string { return &c.Pinecone.APIKey }),

	str("cache.backend", "QCLUSTER_CACHE", func(c *Config) *string { return &c.Cache.Backend }),
	str("cache.redis_addr", "QCLUSTER_REDIS_ADDR", func(c *Config) *string { return &c.Cache.RedisAddr }),
	secret("cache.redis_password", "QCLUSTER_REDIS_PASSWORD", func(c *Config) *string { return &c.Cache.RedisPassword }),
	duration("cache.ttl", "QCLUSTER_CACHE_TTL", func(c *Config) *time.Duration { return &c.Cache.TTL }),
	integer("cache.lru_size", "QCLUSTER_CACHE_LRU_SIZE", func(c *Config) *int { return &c.Cache.LRUSize }),

	integer("clustering.top_k", "QCLUSTER_CLUSTERING_TOP_K", func(c *Config) *int { return &c.Clustering.TopK }),
	float("clustering.similarity_threshold", "QCLUSTER_CLUSTERING_THRESHOLD", func(c *Config) *float64 { return &c.Clustering.SimilarityThreshold }),
	str("clustering.settle_mode", "QCLUSTER_CLUSTERING_SETTLE_MODE", func(c *Config) *string { return &c.Clustering.SettleMode }),
	duration("clustering.settle_delay", "QCLUSTER_CLUSTERING_SETTLE_DELAY", func(c *Config) *time.Duration { return &c.Clustering.SettleDelay }),
	duration("clustering.settle_initial", "QCLUSTER_CLUSTERING_SETTLE_INITIAL", func(c *Config) *time.Duration { return &c.Clustering.SettleInitial }),
	integer("clustering.settle_max_attempts", "QCLUSTER_CLUSTERING_SETTLE_MAX_ATTEMPTS", func(c *Config) *int { return &c.Clustering.SettleMaxAttempts }),

	duration("intent.timeout", "QCLUSTER_INTENT_TIMEOUT", func(c *Config) *time.Duration { return &c.Intent.Timeout }),
	duration("embedding.timeout", "QCLUSTER_EMBEDDING_TIMEOUT", func(c *Config) *time.Duration { return &c.Embedding.Timeout }),
	integer("pipeline.history_size", "QCLUSTER_HISTORY_SIZE", func(c *Config) *int { return &c.Pipeline.HistorySize }),

	integer("server.port", "QCLUSTER_SERVER_PORT", func(c *Config) *int { return &c.Server.Port }),
	secret("server.token", "QCLUSTER_SERVER_TOKEN", func(c *Config) *string { return &c.Server.Token }),

	str("log.level", "QCLUSTER_LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),
}

// parse converts raw text into the Go type the key's apply func expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
