package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the assessment service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	AMQPURL     string

	EventsSubject  string
	EventsExchange string

	JWTSecret string

	StorageDriver  string
	UploadRoot     string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	TrackerBackend       string
	TrackerRetention     time.Duration
	TrackerSweepInterval time.Duration

	ExtractionTimeout time.Duration
	ScoringTimeout    time.Duration
	MaxConcurrentRuns int

	AIProvider   string
	OpenAIAPIKey string
	OpenAIModel  string

	OCRProvider           string
	OCRLanguage           string
	GoogleCredentialsFile string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Assessment API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.subject", "gema.assessments")
	v.SetDefault("events.exchange", "gema.assessments")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.upload_root", ".")
	v.SetDefault("minio.bucket", "submissions")
	v.SetDefault("tracker.backend", "memory")
	v.SetDefault("tracker.retention", "1h")
	v.SetDefault("tracker.sweep_interval", "5m")
	v.SetDefault("pipeline.extraction_timeout", "2m")
	v.SetDefault("pipeline.scoring_timeout", "60s")
	v.SetDefault("pipeline.max_concurrent_runs", 4)
	v.SetDefault("ai.provider", "deterministic")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("ocr.provider", "none")
	v.SetDefault("ocr.language", "en")
}

func fromViper(v *viper.Viper) (Config, error) {
	retention, err := parseDuration(v, "tracker.retention", time.Hour)
	if err != nil {
		return Config{}, err
	}
	sweep, err := parseDuration(v, "tracker.sweep_interval", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	extractionTimeout, err := parseDuration(v, "pipeline.extraction_timeout", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	scoringTimeout, err := parseDuration(v, "pipeline.scoring_timeout", time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		AMQPURL:               v.GetString("amqp.url"),
		EventsSubject:         v.GetString("events.subject"),
		EventsExchange:        v.GetString("events.exchange"),
		JWTSecret:             v.GetString("jwt.secret"),
		StorageDriver:         strings.ToLower(v.GetString("storage.driver")),
		UploadRoot:            v.GetString("storage.upload_root"),
		MinIOEndpoint:         v.GetString("minio.endpoint"),
		MinIOAccessKey:        v.GetString("minio.access_key"),
		MinIOSecretKey:        v.GetString("minio.secret_key"),
		MinIOBucket:           v.GetString("minio.bucket"),
		MinIOUseSSL:           v.GetBool("minio.use_ssl"),
		TrackerBackend:        strings.ToLower(v.GetString("tracker.backend")),
		TrackerRetention:      retention,
		TrackerSweepInterval:  sweep,
		ExtractionTimeout:     extractionTimeout,
		ScoringTimeout:        scoringTimeout,
		MaxConcurrentRuns:     v.GetInt("pipeline.max_concurrent_runs"),
		AIProvider:            strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		OpenAIModel:           v.GetString("openai.model"),
		OCRProvider:           strings.ToLower(v.GetString("ocr.provider")),
		OCRLanguage:           v.GetString("ocr.language"),
		GoogleCredentialsFile: v.GetString("google.credentials_file"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.TrackerSweepInterval >= cfg.TrackerRetention {
		return Config{}, fmt.Errorf("tracker sweep interval %s must be shorter than retention %s", cfg.TrackerSweepInterval, cfg.TrackerRetention)
	}

	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}

	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = "en"
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}

	return parsed, nil
}
