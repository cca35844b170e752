package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

type Config struct {
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	CORSOrigin         string
	RedisURL           string
	PermissionCacheTTL time.Duration
	NotifyTimeout      time.Duration
	MeiliURL           string
	MeiliMasterKey     string
	JournalDir         string
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioUseSSL        bool
	LogLevel           string
	LogFormat          string
}

// source resolves a key from the environment first, then the optional INI
// file named by EIDOS_CONFIG_FILE.
type source struct {
	file *ini.File
}

// Load reads configuration. It fails only when EIDOS_CONFIG_FILE names a
// file that cannot be parsed.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("EIDOS_CONFIG_FILE")); path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
		src.file = file
	}
	return src.config(), nil
}

func (s source) config() Config {
	return Config{
		Addr:               s.getenv("API_ADDR", ":8787"),
		DatabaseURL:        s.getenv("DATABASE_URL", ""),
		MigrationsDir:      s.getenv("EIDOS_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          s.getenv("EIDOS_JWT_SECRET", "eidos-dev-secret"),
		CORSOrigin:         s.getenv("EIDOS_CORS_ORIGIN", "*"),
		RedisURL:           s.getenv("REDIS_URL", ""),
		PermissionCacheTTL: time.Duration(s.getenvInt("EIDOS_PERMISSION_CACHE_TTL_SECONDS", 60)) * time.Second,
		NotifyTimeout:      time.Duration(s.getenvInt("EIDOS_NOTIFY_TIMEOUT_SECONDS", 5)) * time.Second,
		MeiliURL:           s.getenv("MEILI_URL", ""),
		MeiliMasterKey:     s.getenv("MEILI_MASTER_KEY", ""),
		JournalDir:         s.getenv("EIDOS_JOURNAL_DIR", ""),
		MinioEndpoint:      s.getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     s.getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     s.getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:        s.getenv("MINIO_BUCKET", "eidos-reports"),
		MinioUseSSL:        s.getenvBool("MINIO_USE_SSL", false),
		LogLevel:           s.getenv("LOG_LEVEL", "info"),
		LogFormat:          s.getenv("LOG_FORMAT", "text"),
	}
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if s.file == nil {
		return ""
	}
	section := s.file.Section("")
	if !section.HasKey(key) {
		return ""
	}
	return strings.TrimSpace(section.Key(key).String())
}

func (s source) getenv(key, fallback string) string {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	return value
}

func (s source) getenvInt(key string, fallback int) int {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) getenvBool(key string, fallback bool) bool {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
