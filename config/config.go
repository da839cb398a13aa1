package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application. Log level and
// format are read by the logger package straight from the environment, before
// configuration loads.
type Config struct {
	Port        string
	DatabaseDSN string

	// External gateway
	GatewayBaseURL    string
	GatewayAPIKey     string
	GatewayTimeout    time.Duration
	WebhookPublicURL  string

	// Queue / events
	RabbitURL   string
	QueuePrefix string

	// Dispatch engine
	DispatchWorkers int
	SendDelay       time.Duration

	// Media storage
	MediaDisk      string // "local" or "s3"
	MediaBasePath  string
	MediaPublicURL string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
}

// LoadConfig loads configuration from environment variables, reading a .env
// file first if one is present. Environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseDSN:      getEnv("DATABASE_DSN", "zapdesk.db"),
		GatewayBaseURL:   getEnv("GATEWAY_BASE_URL", "http://localhost:8081"),
		GatewayAPIKey:    os.Getenv("GATEWAY_API_KEY"),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		WebhookPublicURL: os.Getenv("WEBHOOK_PUBLIC_URL"),
		RabbitURL:        os.Getenv("RABBITMQ_URL"),
		QueuePrefix:      getEnv("RABBITMQ_QUEUE_PREFIX", "zapdesk"),
		DispatchWorkers:  getEnvInt("DISPATCH_WORKERS", 4),
		SendDelay:        getEnvDuration("SEND_DELAY", 3*time.Second),
		MediaDisk:        getEnv("MEDIA_DISK", "local"),
		MediaBasePath:    getEnv("MEDIA_BASE_PATH", "storage/media"),
		MediaPublicURL:   os.Getenv("MEDIA_PUBLIC_URL"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Region:         os.Getenv("S3_REGION"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
	}

	log.Info().
		Str("port", cfg.Port).
		Str("mediaDisk", cfg.MediaDisk).
		Int("dispatchWorkers", cfg.DispatchWorkers).
		Msg("Configuration loaded")
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer env value, using default")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Plain integers are treated as seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration env value, using default")
	}
	return fallback
}
