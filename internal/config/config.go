package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "kiln.db"
	defaultToolsDir    = "tools"
	defaultDataDir     = "data"
	defaultMinIOBucket = "kiln"

	envListenAddr     = "KILN_LISTEN_ADDR"
	envDBPath         = "KILN_DB_PATH"
	envLogLevel       = "KILN_LOG_LEVEL"
	envToolsDir       = "KILN_TOOLS_DIR"
	envDataDir        = "KILN_DATA_DIR"
	envPublicURL      = "KILN_PUBLIC_URL"
	envComfyUIURL     = "KILN_COMFYUI_URL"
	envComfyUIRoot    = "KILN_COMFYUI_ROOT"
	envReplicateURL   = "KILN_REPLICATE_URL"
	envReplicateToken = "KILN_REPLICATE_TOKEN"
	envWebhookURL     = "KILN_WEBHOOK_URL"
	envStorage        = "KILN_STORAGE"
	envMinIOEndpoint  = "KILN_MINIO_ENDPOINT"
	envMinIOAccessKey = "KILN_MINIO_ACCESS_KEY"
	envMinIOSecretKey = "KILN_MINIO_SECRET_KEY"
	envMinIOBucket    = "KILN_MINIO_BUCKET"
	envMinIOUseSSL    = "KILN_MINIO_USE_SSL"
	envMinIOPublicURL = "KILN_MINIO_PUBLIC_URL"
	envOTelExporter   = "KILN_OTEL_EXPORTER"
)

// MinIO holds the object store settings used when Storage is "minio".
type MinIO struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   logrus.Level
	ToolsDir   string
	DataDir    string
	// PublicURL is the address clients reach the API on. Local storage
	// links and the default webhook URL are built from it.
	PublicURL string

	ComfyUIURL  string
	ComfyUIRoot string

	ReplicateURL   string
	ReplicateToken string
	WebhookURL     string

	Storage string
	MinIO   MinIO

	OTelExporter string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     logrus.InfoLevel,
		ToolsDir:     defaultToolsDir,
		DataDir:      defaultDataDir,
		Storage:      StorageLocal,
		MinIO:        MinIO{Bucket: defaultMinIOBucket},
		OTelExporter: "none",
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envToolsDir); v != "" {
		cfg.ToolsDir = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envStorage); v != "" {
		cfg.Storage = strings.ToLower(v)
	}
	if v := os.Getenv(envMinIOBucket); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv(envOTelExporter); v != "" {
		cfg.OTelExporter = v
	}

	cfg.PublicURL = strings.TrimRight(os.Getenv(envPublicURL), "/")
	cfg.ComfyUIURL = os.Getenv(envComfyUIURL)
	cfg.ComfyUIRoot = os.Getenv(envComfyUIRoot)
	cfg.ReplicateURL = os.Getenv(envReplicateURL)
	cfg.ReplicateToken = os.Getenv(envReplicateToken)
	cfg.WebhookURL = os.Getenv(envWebhookURL)
	cfg.MinIO.Endpoint = os.Getenv(envMinIOEndpoint)
	cfg.MinIO.AccessKey = os.Getenv(envMinIOAccessKey)
	cfg.MinIO.SecretKey = os.Getenv(envMinIOSecretKey)
	cfg.MinIO.PublicURL = os.Getenv(envMinIOPublicURL)
	cfg.MinIO.UseSSL, _ = strconv.ParseBool(os.Getenv(envMinIOUseSSL))

	if cfg.WebhookURL == "" && cfg.PublicURL != "" {
		cfg.WebhookURL = cfg.PublicURL + "/v1/webhooks/replicate"
	}

	return cfg
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageLocal:
	case StorageMinIO:
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("%s is required for minio storage", envMinIOEndpoint)
		}
	default:
		return fmt.Errorf("%s: unknown storage %q", envStorage, c.Storage)
	}
	if c.ComfyUIURL != "" && c.ComfyUIRoot == "" {
		return fmt.Errorf("%s is required when %s is set", envComfyUIRoot, envComfyUIURL)
	}
	return nil
}

// FilesDir is where local storage keeps artifacts.
func (c Config) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}

// WorkDir holds files in transit between backends and storage.
func (c Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

func parseLogLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}
