// Package config loads runtime settings from built-in defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete runtime configuration.
type Config struct {
	OpenAI        OpenAIConfig           `yaml:"openai"`
	Compact       CompactConfig          `yaml:"compact"`
	Milvus        MilvusConfig           `yaml:"milvus"`
	Postgres      PostgresConfig         `yaml:"postgres"`
	Redis         RedisConfig            `yaml:"redis"`
	TMDB          TMDBConfig             `yaml:"tmdb"`
	OpenSubtitles OpenSubtitlesConfig    `yaml:"opensubtitles"`
	Transcripts   TranscriptsConfig      `yaml:"transcripts"`
	Chunking      subtitle.ChunkerConfig `yaml:"chunking"`
	Retrieval     rag.RetrievalConfig    `yaml:"retrieval"`
	Digests       rag.DigestConfig       `yaml:"digests"`
	Populator     PopulatorConfig        `yaml:"populator"`
	Retry         retry.Policy           `yaml:"retry"`
	Log           LogConfig              `yaml:"log"`
	Server        ServerConfig           `yaml:"server"`
}

type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	ChatModel      string  `yaml:"chat_model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// CompactConfig selects the Ollama model serving the 384-dim space.
type CompactConfig struct {
	ServerURL string `yaml:"server_url"`
	Model     string `yaml:"model"`
}

type MilvusConfig struct {
	Address        string `yaml:"address"`
	Collection     string `yaml:"collection"`
	Dimension      int    `yaml:"dimension"`
	HNSWM          int    `yaml:"hnsw_m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"debug"`
}

type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	QueueKey  string        `yaml:"queue_key"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

type TMDBConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Language string `yaml:"language"`
}

type OpenSubtitlesConfig struct {
	APIKey    string   `yaml:"api_key"`
	UserAgent string   `yaml:"user_agent"`
	BaseURL   string   `yaml:"base_url"`
	Languages []string `yaml:"languages"`
}

// TranscriptsConfig points at a local directory of SRT files.
type TranscriptsConfig struct {
	Dir string `yaml:"dir"`
}

type PopulatorConfig struct {
	IngestDelay       time.Duration `yaml:"ingest_delay"`
	MaxPriorSeasons   int           `yaml:"max_prior_seasons"`
	EnrichmentTimeout time.Duration `yaml:"enrichment_timeout"`
	EmbedBatchSize    int           `yaml:"embed_batch_size"`
	// Queue selects the enrichment dispatcher: "detached", "redis" or "none".
	Queue string `yaml:"queue"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OpenAI: OpenAIConfig{
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			Temperature:    0.3,
			MaxTokens:      700,
		},
		Compact: CompactConfig{
			ServerURL: "http://localhost:11434",
			Model:     "all-minilm",
		},
		Milvus: MilvusConfig{
			Address:        "localhost:19530",
			Collection:     "subtitle_chunks",
			Dimension:      1536,
			HNSWM:          16,
			EfConstruction: 200,
			EfSearch:       128,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			QueueKey:  "spoilerguard:enrich",
			DedupeTTL: 30 * time.Minute,
		},
		TMDB: TMDBConfig{
			BaseURL:  "https://api.themoviedb.org/3",
			Language: "en-US",
		},
		OpenSubtitles: OpenSubtitlesConfig{
			UserAgent: "spoilerguard v0.1",
			BaseURL:   "https://api.opensubtitles.com/api/v1",
			Languages: []string{"en"},
		},
		Chunking:  subtitle.DefaultChunkerConfig(),
		Retrieval: rag.DefaultRetrievalConfig(),
		Digests:   rag.DefaultDigestConfig(),
		Populator: PopulatorConfig{
			IngestDelay:       500 * time.Millisecond,
			MaxPriorSeasons:   10,
			EnrichmentTimeout: 2 * time.Minute,
			EmbedBatchSize:    32,
			Queue:             "detached",
		},
		Retry: retry.DefaultPolicy(),
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Server: ServerConfig{
			Address: ":8080",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables that are set and non-empty.
func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("OPENAI_CHAT_MODEL", &c.OpenAI.ChatModel)
	str("OPENAI_EMBEDDING_MODEL", &c.OpenAI.EmbeddingModel)
	str("OLLAMA_SERVER_URL", &c.Compact.ServerURL)
	str("OLLAMA_EMBEDDING_MODEL", &c.Compact.Model)
	str("MILVUS_ADDRESS", &c.Milvus.Address)
	str("MILVUS_COLLECTION", &c.Milvus.Collection)
	str("DATABASE_URL", &c.Postgres.DSN)
	flag("DATABASE_DEBUG", &c.Postgres.Debug)
	str("REDIS_ADDRESS", &c.Redis.Address)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("TMDB_API_KEY", &c.TMDB.APIKey)
	str("TMDB_BASE_URL", &c.TMDB.BaseURL)
	str("OPENSUBTITLES_API_KEY", &c.OpenSubtitles.APIKey)
	str("OPENSUBTITLES_USER_AGENT", &c.OpenSubtitles.UserAgent)
	str("TRANSCRIPTS_DIR", &c.Transcripts.Dir)
	str("ENRICHMENT_QUEUE", &c.Populator.Queue)
	str("LOG_LEVEL", &c.Log.Level)
	flag("LOG_PRETTY", &c.Log.Pretty)
	str("SERVER_ADDRESS", &c.Server.Address)
}

// Validate rejects settings that would break chunking or scoring.
func (c Config) Validate() error {
	var problems []string

	if c.Chunking.TargetTokens <= 0 || c.Chunking.HardCapTokens <= 0 {
		problems = append(problems, "chunking token sizes must be positive")
	}
	if c.Chunking.TargetTokens > c.Chunking.HardCapTokens {
		problems = append(problems, "chunking target_tokens exceeds hard_cap_tokens")
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.HardCapTokens {
		problems = append(problems, "chunking overlap_tokens must be within [0, hard_cap_tokens)")
	}

	r := c.Retrieval
	for name, w := range map[string]float64{
		"similarity_weight": r.SimilarityWeight,
		"proximity_weight":  r.ProximityWeight,
		"recency_weight":    r.RecencyWeight,
		"keyword_weight":    r.KeywordWeight,
	} {
		if w < 0 {
			problems = append(problems, "retrieval "+name+" must not be negative")
		}
	}
	if r.AnchorLimit <= 0 || r.FallbackLimit <= 0 || r.SemanticCandidates <= 0 || r.SemanticKeep <= 0 {
		problems = append(problems, "retrieval limits must be positive")
	}
	if r.AnchorWindowSeconds < 0 {
		problems = append(problems, "retrieval anchor_window_seconds must not be negative")
	}

	if c.Milvus.Dimension <= 0 {
		problems = append(problems, "milvus dimension must be positive")
	}
	if c.Digests.Candidates <= 0 || c.Digests.CrossSeasonCandidates <= 0 || c.Digests.Keep <= 0 {
		problems = append(problems, "digest counts must be positive")
	}

	switch c.Populator.Queue {
	case "detached", "redis", "none":
	default:
		problems = append(problems, fmt.Sprintf("populator queue %q must be detached, redis or none", c.Populator.Queue))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
