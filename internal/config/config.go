package config

import (
	"runtime"
	"time"

	"github.com/rpattn/datacheck/internal/db"
)

// Config is the full service configuration.
type Config struct {
	Database     db.Config
	Server       ServerConfig
	Storage      StorageConfig
	Definition   DefinitionConfig
	Extraction   ExtractionConfig
	Orchestrator OrchestratorConfig
	Retention    RetentionConfig
	Logging      LoggingConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
}

// StorageConfig selects and configures the artifact storage driver.
type StorageConfig struct {
	Driver string // local or minio
	Root   string
	MinIO  MinIOConfig
}

// MinIOConfig configures the S3-compatible storage driver.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// DefinitionConfig controls definition planning.
type DefinitionConfig struct {
	// StrictTypes rejects unknown column types instead of treating them as strings.
	StrictTypes bool
}

// ExtractionConfig tunes dataset extraction.
type ExtractionConfig struct {
	MaxInMemoryBytes int64
	ScratchDir       string
	ViolationLimit   int
	InsertBatchSize  int
	DebugSQL         bool
}

// OrchestratorConfig tunes the check scheduler.
type OrchestratorConfig struct {
	Workers      int
	RunTimeout   time.Duration
	RowNumberCap int
}

// RetentionConfig controls artifact cleanup.
type RetentionConfig struct {
	Enabled       bool
	SweepInterval time.Duration
	SweepBatch    int
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string // text or json
	Level  string
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  1 << 30,
		},
		Storage: StorageConfig{
			Driver: "local",
			Root:   "./data",
			MinIO: MinIOConfig{
				Endpoint: "localhost:9000",
				Bucket:   "datacheck",
			},
		},
		Extraction: ExtractionConfig{
			MaxInMemoryBytes: 500 << 20,
			ViolationLimit:   100,
			InsertBatchSize:  500,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      runtime.NumCPU(),
			RunTimeout:   30 * time.Minute,
			RowNumberCap: 1000,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			SweepInterval: 15 * time.Minute,
			SweepBatch:    100,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}
