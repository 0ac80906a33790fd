package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "sync"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Data layout root: token files and local document storage live here
	DataRoot string

	// Database
	DatabaseURL string
	DirectURL   string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string

	// JWT (ops API bearer auth)
	JWTSecret string

	// Token encryption at rest
	TokenEncryptionKey string

	// OpenAI
	OpenAIAPIKey        string
	LLMModel            string
	LLMMaxTokens        int
	LLMTemperature      float64
	LLMTimeoutSec       int
	LLMMaxRetries       int
	EmbeddingModel      string
	EmbeddingDimensions int

	// Classification
	ClassifyMaxPromptChars int
	ClassifyPreviewChars   int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Sync behavior. The Sync* fields are the global defaults; SyncTuning
	// holds per-source overrides resolved at load time.
	SyncDaysFilter     int
	SyncLimitPerFolder int
	SyncLimitPerSync   int
	SyncBatchSize      int
	SyncIntervalSec    int
	SyncForceReingest  bool
	SyncSaveAttachment bool
	SyncAutoActions    bool
	SyncProviders      []string
	SyncTuning         map[string]SyncTuning
	AttachmentMaxBytes int64
	ChunkSizeTokens    int
	ChunkOverlap       int
	SenderAvoidList    []string
	MboxMinBodyLength  int
	ArchiveTTLDays     int

	// Retrieval defaults (tool server); fixed server-side so a caller
	// can never widen its own scope
	RetrievalTopK        int
	RetrievalMinScore    float64
	RetrievalSplitPrompt bool
	RetrievalUseHyDE     bool
	RetrievalRerank      bool
	ToolUserID           string

	// Worker
	WorkerID            string
	WorkerMin           int
	WorkerMax           int
	WorkerQueueSize     int
	WorkerScaleInterval time.Duration
	WorkerIdleTimeout   time.Duration

	// Consumer (Redis Stream)
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerRetryDelaySec   int

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool
}

// SyncTuning are the pull knobs for one source. Every source starts
// from the global SYNC_* values; SYNC_<SOURCE>_* variables override
// them per source (SYNC_GOOGLE_EMAIL_DAYS_FILTER, SYNC_MBOX_LIMIT_PER_FOLDER).
type SyncTuning struct {
	DaysFilter      int
	LimitPerFolder  int
	ForceReingest   bool
	SaveAttachments bool
}

// syncTuningSources are the canonical source names accepted in
// SYNC_<SOURCE>_* override variables.
var syncTuningSources = []string{
	"google_email", "microsoft_email",
	"google_storage", "microsoft_storage",
	"google_calendar", "microsoft_calendar",
	"mbox", "local_storage",
}

// TuningFor returns the pull knobs for the source, falling back to the
// global defaults for sources without an override entry.
func (c *Config) TuningFor(source string) SyncTuning {
	if t, ok := c.SyncTuning[source]; ok {
		return t
	}
	return SyncTuning{
		DaysFilter:      c.SyncDaysFilter,
		LimitPerFolder:  c.SyncLimitPerFolder,
		ForceReingest:   c.SyncForceReingest,
		SaveAttachments: c.SyncSaveAttachment,
	}
}

func loadSyncTuning(c *Config) map[string]SyncTuning {
	tuning := make(map[string]SyncTuning, len(syncTuningSources))
	for _, source := range syncTuningSources {
		prefix := "SYNC_" + strings.ToUpper(source) + "_"
		tuning[source] = SyncTuning{
			DaysFilter:      getEnvInt(prefix+"DAYS_FILTER", c.SyncDaysFilter),
			LimitPerFolder:  getEnvInt(prefix+"LIMIT_PER_FOLDER", c.SyncLimitPerFolder),
			ForceReingest:   getEnvBool(prefix+"FORCE_REINGEST", c.SyncForceReingest),
			SaveAttachments: getEnvBool(prefix+"SAVE_ATTACHMENTS", c.SyncSaveAttachment),
		}
	}
	return tuning
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		DataRoot: getEnv("DATA_ROOT", "data"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DirectURL:   getEnv("DIRECT_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "syncd"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Neo4j
		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Token encryption
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		// OpenAI
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:        getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature:      getEnvFloat("LLM_TEMPERATURE", 0.0),
		LLMTimeoutSec:       getEnvInt("LLM_TIMEOUT_SEC", 30),
		LLMMaxRetries:       getEnvInt("LLM_MAX_RETRIES", 3),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536),

		// Classification
		ClassifyMaxPromptChars: getEnvInt("CLASSIFY_MAX_PROMPT_CHARS", 10000),
		ClassifyPreviewChars:   getEnvInt("CLASSIFY_PREVIEW_CHARS", 400),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		// Sync behavior
		SyncDaysFilter:     getEnvInt("SYNC_DAYS_FILTER", 2),
		SyncLimitPerFolder: getEnvInt("SYNC_LIMIT_PER_FOLDER", 50),
		SyncLimitPerSync:   getEnvInt("SYNC_LIMIT_PER_SYNC", 500),
		SyncBatchSize:      getEnvInt("SYNC_BATCH_SIZE", 20),
		SyncIntervalSec:    getEnvInt("SYNC_INTERVAL_SEC", 300),
		SyncForceReingest:  getEnvBool("SYNC_FORCE_REINGEST", false),
		SyncSaveAttachment: getEnvBool("SYNC_SAVE_ATTACHMENTS", true),
		SyncAutoActions:    getEnvBool("SYNC_AUTO_ACTIONS", false),
		SyncProviders:      getEnvSlice("SYNC_PROVIDERS", nil),
		AttachmentMaxBytes: int64(getEnvInt("ATTACHMENT_MAX_BYTES", 10*1024*1024)),
		ChunkSizeTokens:    getEnvInt("CHUNK_SIZE_TOKENS", 300),
		ChunkOverlap:       getEnvInt("CHUNK_OVERLAP_TOKENS", 50),
		SenderAvoidList:    getEnvSlice("SENDER_AVOID_LIST", nil),
		MboxMinBodyLength:  getEnvInt("MBOX_MIN_BODY_LENGTH", 100),
		ArchiveTTLDays:     getEnvInt("ARCHIVE_TTL_DAYS", 180),

		// Retrieval defaults
		RetrievalTopK:        getEnvInt("MCP_DEFAULT_TOP_K", 50),
		RetrievalMinScore:    getEnvFloat("MCP_MIN_SCORE", 0.2),
		RetrievalSplitPrompt: getEnvBool("MCP_SPLIT_PROMPT", false),
		RetrievalUseHyDE:     getEnvBool("MCP_USE_HYDE", false),
		RetrievalRerank:      getEnvBool("MCP_RERANK", false),
		ToolUserID:           getEnv("MCP_USER_ID", ""),

		// Worker
		WorkerID:            getEnv("WORKER_ID", generateWorkerID()),
		WorkerMin:           getEnvInt("WORKER_MIN", 2),
		WorkerMax:           getEnvInt("WORKER_MAX", 20),
		WorkerQueueSize:     getEnvInt("WORKER_QUEUE_SIZE", 1000),
		WorkerScaleInterval: time.Duration(getEnvInt("WORKER_SCALE_INTERVAL_SEC", 10)) * time.Second,
		WorkerIdleTimeout:   time.Duration(getEnvInt("WORKER_IDLE_TIMEOUT_SEC", 30)) * time.Second,

		// Consumer
		ConsumerBatchSize:       getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:         getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),
		ConsumerRetryDelaySec:   getEnvInt("CONSUMER_RETRY_DELAY_SEC", 5),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	cfg.SyncTuning = loadSyncTuning(cfg)
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
