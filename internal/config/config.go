package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	RemoverBackendHTTP = "http"
	RemoverBackendONNX = "onnx"
	RemoverBackendNone = "none"

	StorageBackendLocal = "local"
	StorageBackendMinIO = "minio"
)

type Config struct {
	Web       WebConfig
	Pipeline  PipelineConfig
	Remover   RemoverConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
}

type WebConfig struct {
	Addr              string
	UploadDir         string
	ConvertedDir      string
	MaxUploadBytes    int64
	DefaultFormat     string
	AllowedExtensions []string
}

type PipelineConfig struct {
	RemoveBackground bool
}

type RemoverConfig struct {
	Backend     string
	Endpoint    string
	Timeout     time.Duration
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
}

type StorageConfig struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Capacity      int
	Window        time.Duration
}

func (r RateLimitConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     r.RedisAddr,
		Password: r.RedisPassword,
		DB:       r.RedisDB,
	}
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	URL           string
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

func Load() Config {
	return Config{
		Web: WebConfig{
			Addr:              env("PIXELCONVERT_ADDR", ":5000"),
			UploadDir:         env("PIXELCONVERT_UPLOAD_DIR", "uploads"),
			ConvertedDir:      env("PIXELCONVERT_CONVERTED_DIR", "converted"),
			MaxUploadBytes:    envInt64("PIXELCONVERT_MAX_UPLOAD_BYTES", 16<<20),
			DefaultFormat:     strings.ToLower(env("PIXELCONVERT_DEFAULT_FORMAT", "png")),
			AllowedExtensions: envList("PIXELCONVERT_ALLOWED_EXTENSIONS", domain.FormatKeys()),
		},
		Pipeline: PipelineConfig{
			RemoveBackground: envBool("PIXELCONVERT_REMOVE_BACKGROUND", true),
		},
		Remover: RemoverConfig{
			Backend:     strings.ToLower(env("REMOVER_BACKEND", RemoverBackendHTTP)),
			Endpoint:    env("REMOVER_ENDPOINT", "http://localhost:7000/api/remove"),
			Timeout:     envDuration("REMOVER_TIMEOUT", 60*time.Second),
			ModelPath:   env("REMOVER_MODEL_PATH", "models/u2net.onnx"),
			LibraryPath: env("ONNXRUNTIME_LIB_PATH", "/usr/local/lib/libonnxruntime.so"),
			InputName:   env("REMOVER_INPUT_NAME", "input.1"),
			OutputName:  env("REMOVER_OUTPUT_NAME", "1959"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(env("STORAGE_BACKEND", StorageBackendLocal)),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "pixelconvert"),
			Prefix:    env("MINIO_PREFIX", "converted"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Capacity:      envInt("RATE_LIMIT_UPLOADS", 30),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Tracing: TracingConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "pixelconvert"),
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Webhook: WebhookConfig{
			URL:           env("WEBHOOK_URL", ""),
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       envDuration("WEBHOOK_TIMEOUT", 5*time.Second),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 1),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// envList reads a comma separated list, lower-cased with empty items dropped.
func envList(key string, fallback []string) []string {
	value := env(key, "")
	if value == "" {
		return fallback
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
