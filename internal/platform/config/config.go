package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration. Built once in main from the
// environment so the rest of the code never touches os.Getenv.
type Config struct {
	Addr string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Audit    AuditConfig
	Export   ExportConfig
}

// PostgresConfig captures database connection settings.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig captures cache connection settings. An empty URL disables the
// query cache; the service degrades to direct store reads.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig captures the outbox relay target. Empty brokers disable the
// relay; events stay queued in the outbox table until a relay drains them.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	PollInterval time.Duration
	BatchSize    int
}

// AuditConfig captures audit-domain policy knobs.
type AuditConfig struct {
	RetentionDays     int
	EnablePIIRedact   bool
	RetentionInterval time.Duration
	CacheTTL          time.Duration
	OpsSampleRate     float64
}

// ExportConfig captures export processing limits.
type ExportConfig struct {
	Dir           string
	MaxRecords    int
	MaxDownloads  int
	TokenSecret   string
	TokenLifetime time.Duration
	PollInterval  time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr: envString("AUDITCORE_ADDR", ":8080"),
		Postgres: PostgresConfig{
			URL:             os.Getenv("AUDITCORE_POSTGRES_URL"),
			MaxOpenConns:    envInt("AUDITCORE_POSTGRES_MAX_OPEN", 25),
			MaxIdleConns:    envInt("AUDITCORE_POSTGRES_MAX_IDLE", 5),
			ConnMaxLifetime: envDuration("AUDITCORE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("AUDITCORE_REDIS_URL"),
			PoolSize:     envInt("AUDITCORE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("AUDITCORE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("AUDITCORE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("AUDITCORE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("AUDITCORE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:      splitNonEmpty(os.Getenv("AUDITCORE_KAFKA_BROKERS")),
			Topic:        envString("AUDITCORE_KAFKA_TOPIC", "audit.events"),
			PollInterval: envDuration("AUDITCORE_OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:    envInt("AUDITCORE_OUTBOX_BATCH_SIZE", 100),
		},
		Audit: AuditConfig{
			// 7 years, per the compliance retention default.
			RetentionDays:     envInt("AUDITCORE_RETENTION_DAYS", 2555),
			EnablePIIRedact:   envBool("AUDITCORE_ENABLE_PII_REDACTION", true),
			RetentionInterval: envDuration("AUDITCORE_RETENTION_INTERVAL", time.Hour),
			CacheTTL:          envDuration("AUDITCORE_CACHE_TTL", 5*time.Minute),
			OpsSampleRate:     envFloat("AUDITCORE_OPS_SAMPLE_RATE", 1.0),
		},
		Export: ExportConfig{
			Dir:           envString("AUDITCORE_EXPORT_DIR", os.TempDir()),
			MaxRecords:    envInt("AUDITCORE_EXPORT_MAX_RECORDS", 10000),
			MaxDownloads:  envInt("AUDITCORE_EXPORT_MAX_DOWNLOADS", 3),
			TokenSecret:   envString("AUDITCORE_EXPORT_TOKEN_SECRET", "dev-secret-change-in-production"),
			TokenLifetime: envDuration("AUDITCORE_EXPORT_TOKEN_LIFETIME", 24*time.Hour),
			PollInterval:  envDuration("AUDITCORE_EXPORT_POLL_INTERVAL", 5*time.Second),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
