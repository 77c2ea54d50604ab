package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Qdrant vector index
	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantUseTLS bool
	IndexBackend string // "qdrant" or "memory"

	// Bi-encoder
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int
	EmbedMaxTokens int
	OllamaHost     string
	OpenAIAPIKey   string
	GeminiAPIKey   string

	// Cross-encoder
	RerankProvider string
	RerankModel    string
	AWSRegion      string

	// Alignment
	BiEncoderTopK    int
	AlignConcurrency int
	RemoteTimeout    time.Duration

	// Server
	ServerPort      int
	DataSourcesFile string
	Store           string // "surrealdb" or "memory"
	DispatchMode    string // "local" or "queue"

	// Worker
	WorkerPollInterval time.Duration
	WorkerID           string
	// WorkerClaimLease is how long a job claim survives without a heartbeat
	// before another worker may take the job over.
	WorkerClaimLease time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	hostname, _ := os.Hostname()

	return Config{
		SurrealDBURL:       getEnv("SKILLALIGN_SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SKILLALIGN_SURREALDB_NAMESPACE", "skillalign"),
		SurrealDBDatabase:  getEnv("SKILLALIGN_SURREALDB_DATABASE", "alignment"),
		SurrealDBUser:      getEnv("SKILLALIGN_SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SKILLALIGN_SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SKILLALIGN_SURREALDB_AUTH_LEVEL", "root"),

		QdrantHost:   getEnv("SKILLALIGN_QDRANT_HOST", "localhost"),
		QdrantPort:   getEnvInt("SKILLALIGN_QDRANT_PORT", 6334),
		QdrantAPIKey: getEnv("SKILLALIGN_QDRANT_API_KEY", ""),
		QdrantUseTLS: getEnvBool("SKILLALIGN_QDRANT_USE_TLS", false),
		IndexBackend: getEnv("SKILLALIGN_INDEX_BACKEND", "qdrant"),

		EmbedProvider:  getEnv("SKILLALIGN_EMBED_PROVIDER", "ollama"),
		EmbedModel:     getEnv("SKILLALIGN_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension: getEnvInt("SKILLALIGN_EMBED_DIMENSION", 384),
		EmbedMaxTokens: getEnvInt("SKILLALIGN_EMBED_MAX_TOKENS", 512),
		OllamaHost:     getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:   getEnv("SKILLALIGN_GEMINI_API_KEY", ""),

		RerankProvider: getEnv("SKILLALIGN_RERANK_PROVIDER", "embedding"),
		RerankModel:    getEnv("SKILLALIGN_RERANK_MODEL", "cohere.rerank-v3-5:0"),
		AWSRegion:      getEnv("AWS_REGION", "us-west-2"),

		BiEncoderTopK:    getEnvInt("SKILLALIGN_BI_ENCODER_TOP_K", 32),
		AlignConcurrency: getEnvInt("SKILLALIGN_ALIGN_CONCURRENCY", 15),
		RemoteTimeout:    getEnvDuration("SKILLALIGN_REMOTE_TIMEOUT", 60*time.Second),

		ServerPort:      getEnvInt("SKILLALIGN_SERVER_PORT", 8585),
		DataSourcesFile: getEnv("SKILLALIGN_DATA_SOURCES_FILE", ""),
		Store:           getEnv("SKILLALIGN_STORE", "surrealdb"),
		DispatchMode:    getEnv("SKILLALIGN_DISPATCH_MODE", "local"),

		WorkerPollInterval: getEnvDuration("SKILLALIGN_WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerID:           getEnv("SKILLALIGN_WORKER_ID", "worker-"+hostname),
		WorkerClaimLease:   getEnvDuration("SKILLALIGN_WORKER_CLAIM_LEASE", 2*time.Minute),

		LogFile:  getEnv("SKILLALIGN_LOG_FILE", "/tmp/skillalign.log"),
		LogLevel: parseLogLevel(getEnv("SKILLALIGN_LOG_LEVEL", "INFO")),
	}
}

// Validate reports settings that would make the service unusable.
func (c Config) Validate() error {
	var errs []error

	switch c.EmbedProvider {
	case "ollama":
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embed provider"))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("SKILLALIGN_GEMINI_API_KEY is required for the gemini embed provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embed provider %q", c.EmbedProvider))
	}

	switch c.RerankProvider {
	case "bedrock", "embedding":
	default:
		errs = append(errs, fmt.Errorf("unknown rerank provider %q", c.RerankProvider))
	}

	switch c.Store {
	case "surrealdb", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	switch c.IndexBackend {
	case "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", c.IndexBackend))
	}

	switch c.DispatchMode {
	case "local", "queue":
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch mode %q", c.DispatchMode))
	}

	if c.WorkerClaimLease <= 0 {
		errs = append(errs, errors.New("worker claim lease must be positive"))
	}
	if c.EmbedDimension <= 0 {
		errs = append(errs, errors.New("embed dimension must be positive"))
	}
	if c.BiEncoderTopK <= 0 {
		errs = append(errs, errors.New("bi-encoder top k must be positive"))
	}
	if c.AlignConcurrency <= 0 {
		errs = append(errs, errors.New("align concurrency must be positive"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("remote timeout must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
