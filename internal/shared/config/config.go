package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string
	DatabaseURL     string
	Env             string

	JWTSecret       string
	TrustUserHeader bool
	UploadsPerMin   int

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string
	GeminiAPIKey string

	OCRBackend        string
	TesseractAPIURL   string
	TesseractAPIField string
	TesseractPath     string
	TesseractLang     string
	VisionCredentials string

	StagingDir string

	MaxCharsPerRequest int
	ChunkSize          int
	ChunkOverlap       int
	MaxMergeChars      int
	ChunkConcurrency   int
	CallTimeoutSeconds int
	SystemPrompt       string
	RetentionMonths    int
	MaxAttempts        int
	MaxFileBytes       int64

	QueueBackend      string
	SQSQueueURL       string
	RedisURL          string
	RedisQueueKey     string
	WorkerConcurrency int
	StaleAfterMinutes int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience. Already-set
	// variables win over file contents.
	for _, path := range []string{".env", "cmd/.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				log.Printf("config: load %s: %v", path, err)
			}
		}
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		DatabaseURL:     dbURL,
		Env:             env,

		JWTSecret:       os.Getenv("JWT_SECRET"),
		TrustUserHeader: getEnvBool("AUTH_TRUST_USER_HEADER", env != "production"),
		UploadsPerMin:   getEnvInt("UPLOADS_PER_MINUTE", 20),

		LLMProvider:  strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMModel:     getEnv("LLM_MODEL", ""),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		OCRBackend:        normalizeOCRBackend(os.Getenv("OCR_BACKEND"), os.Getenv("TESSERACT_API_URL")),
		TesseractAPIURL:   getEnv("TESSERACT_API_URL", "http://127.0.0.1:8080/ocr"),
		TesseractAPIField: getEnv("TESSERACT_API_FIELD", "file"),
		TesseractPath:     getEnv("TESSERACT_PATH", "tesseract"),
		TesseractLang:     getEnv("TESSERACT_LANG", "rus+eng"),
		VisionCredentials: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		StagingDir: getEnv("STAGING_DIR", "./data/staging"),

		MaxCharsPerRequest: getEnvInt("CONTRACT_MAX_CHARS_PER_REQUEST", 35000),
		ChunkSize:          getEnvInt("CONTRACT_CHUNK_SIZE", 32000),
		ChunkOverlap:       getEnvInt("CONTRACT_CHUNK_OVERLAP", 2000),
		MaxMergeChars:      getEnvInt("CONTRACT_MAX_MERGE_CHARS", 30000),
		ChunkConcurrency:   getEnvInt("CONTRACT_CHUNK_CONCURRENCY", 2),
		CallTimeoutSeconds: getEnvInt("CONTRACT_CALL_TIMEOUT_SECONDS", 60),
		SystemPrompt:       getEnv("CONTRACT_SYSTEM_PROMPT", ""),
		RetentionMonths:    getEnvInt("CONTRACT_RETENTION_MONTHS", 6),
		MaxAttempts:        getEnvInt("CONTRACT_MAX_ATTEMPTS", 0),
		MaxFileBytes:       int64(getEnvInt("CONTRACT_MAX_FILE_BYTES", 20*1024*1024)),

		QueueBackend:      normalizeQueueBackend(os.Getenv("QUEUE_BACKEND")),
		SQSQueueURL:       getEnv("RA_SQS_QUEUE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisQueueKey:     getEnv("REDIS_QUEUE_KEY", "contract:analyses"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		StaleAfterMinutes: getEnvInt("CONTRACT_STALE_AFTER_MINUTES", 30),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: %s invalid int %q, using %d", key, raw, def)
		return def
	}
	return val
}

func getEnvBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config: %s invalid bool %q, using %t", key, raw, def)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

// normalizeOCRBackend defaults to the HTTP API unless TESSERACT_API_URL was
// explicitly set to an empty value, in which case the local binary is used.
func normalizeOCRBackend(raw, apiURL string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "api":
		return "api"
	case "cli", "binary":
		return "cli"
	case "vision", "gcp":
		return "vision"
	case "none", "off":
		return "none"
	}
	if _, set := os.LookupEnv("TESSERACT_API_URL"); set && strings.TrimSpace(apiURL) == "" {
		return "cli"
	}
	return "api"
}

func normalizeQueueBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "redis":
		return "redis"
	case "none":
		return "none"
	}
	if strings.TrimSpace(os.Getenv("RA_SQS_QUEUE_URL")) != "" {
		return "sqs"
	}
	if strings.TrimSpace(os.Getenv("REDIS_URL")) != "" {
		return "redis"
	}
	return "none"
}
