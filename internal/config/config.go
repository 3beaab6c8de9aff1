// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerPort string
	LogLevel   string
	LogFormat  string

	// DB
	DBHost    string
	DBPort    string
	DBUser    string
	DBPass    string
	DBName    string
	DBSSLMode string
	SeedFile  string

	// Auth
	ServiceExpectedToken string
	AllowedOrigins       string

	// Engine
	WorkerCount       int
	QueueSize         int
	RowLockTTL        time.Duration
	MappingCacheTTL   time.Duration
	DownstreamTimeout time.Duration

	// Retry scheduler
	RetryScanInterval time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryParallelism  int
	StuckAfter        time.Duration

	// Google Sheets
	GoogleCredentialsJSON string
	StatusFlushInterval   time.Duration
	StatusBatchSize       int

	// Alerts
	FirebaseCredentialsJSON string
	AlertTopic              string
	SMTPUser                string
	SMTPPass                string
	SMTPFrom                string
	SMTPHost                string
	SMTPPort                int
	SMTPFromName            string
	AlertEmailTo            string

	// Outbound events
	NATSURL     string
	NATSSubject string

	// R2 archive of raw webhook payloads
	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2BucketName      string
}

func Load() *Config {
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load() // optional .env for local
	}

	cfg := &Config{
		ServerPort: getEnv("PORT", "8085"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),

		DBHost:    getEnv("DB_HOST", "localhost"),
		DBPort:    getEnv("DB_PORT", "5432"),
		DBUser:    getEnv("DB_USER", "postgres"),
		DBPass:    getEnv("DB_PASS", "postgres"),
		DBName:    getEnv("DB_NAME", "crm_sheet_sync"),
		DBSSLMode: getEnv("DB_SSLMODE", "disable"),
		SeedFile:  os.Getenv("SEED_FILE"),

		ServiceExpectedToken: getEnv("SERVICE_TOKEN", "your-secret-service-token"),
		AllowedOrigins:       getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),

		WorkerCount:       getInt("WORKER_COUNT", 8),
		QueueSize:         getInt("QUEUE_SIZE", 256),
		RowLockTTL:        getDuration("ROW_LOCK_TTL", time.Minute),
		MappingCacheTTL:   getDuration("MAPPING_CACHE_TTL", 30*time.Second),
		DownstreamTimeout: getDuration("DOWNSTREAM_TIMEOUT", 15*time.Second),

		RetryScanInterval: getDuration("RETRY_SCAN_INTERVAL", 15*time.Second),
		RetryBaseDelay:    getDuration("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:     getDuration("RETRY_MAX_DELAY", 30*time.Minute),
		RetryParallelism:  getInt("RETRY_PARALLELISM", 4),
		StuckAfter:        getDuration("STUCK_AFTER", 10*time.Minute),

		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		StatusFlushInterval:   getDuration("STATUS_FLUSH_INTERVAL", 2*time.Second),
		StatusBatchSize:       getInt("STATUS_BATCH_SIZE", 50),

		FirebaseCredentialsJSON: os.Getenv("FIREBASE_CREDENTIALS_JSON"),
		AlertTopic:              getEnv("ALERT_TOPIC", "sync-needs-attention"),
		SMTPUser:                os.Getenv("SMTP_USER"),
		SMTPPass:                os.Getenv("SMTP_PASS"),
		SMTPFrom:                os.Getenv("SMTP_FROM"),
		SMTPHost:                os.Getenv("SMTP_HOST"),
		SMTPPort:                getInt("SMTP_PORT", 587),
		SMTPFromName:            getEnv("SMTP_FROM_NAME", "CRM Sheet Sync"),
		AlertEmailTo:            os.Getenv("ALERT_EMAIL_TO"),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getEnv("NATS_SUBJECT", "crm-sheet-sync.events"),

		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
	}
	if floor := MinRowLockTTL(cfg.DownstreamTimeout); cfg.RowLockTTL < floor {
		cfg.RowLockTTL = floor
	}
	return cfg
}

// MinRowLockTTL is the shortest row lease that outlives a resolve holding it:
// an entity lookup, a sheet write and a CRM write, plus one call's worth of
// rate-limiter wait.
func MinRowLockTTL(downstream time.Duration) time.Duration {
	return 4 * downstream
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
