package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. DATACHECK_DATABASE_HOST.
const EnvPrefix = "DATACHECK"

// Load reads config.yaml from configPath (if present) and applies environment
// overrides on top of DefaultConfig.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Debug("no config.yaml found, using defaults and env vars")
	} else {
		slog.Debug("loaded config", slog.String("file", v.ConfigFileUsed()))
	}

	cfg.Database.Host = v.GetString("database.host")
	cfg.Database.Port = v.GetInt("database.port")
	cfg.Database.User = v.GetString("database.user")
	cfg.Database.Password = v.GetString("database.password")
	cfg.Database.DBName = v.GetString("database.dbname")
	cfg.Database.SSLMode = v.GetString("database.sslmode")
	cfg.Database.MaxConns = v.GetInt32("database.max_conns")

	cfg.Server.Addr = v.GetString("server.addr")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	cfg.Server.MaxUploadBytes = v.GetInt64("server.max_upload_bytes")

	cfg.Storage.Driver = strings.ToLower(v.GetString("storage.driver"))
	cfg.Storage.Root = v.GetString("storage.root")
	cfg.Storage.MinIO.Endpoint = v.GetString("storage.minio.endpoint")
	cfg.Storage.MinIO.AccessKey = v.GetString("storage.minio.access_key")
	cfg.Storage.MinIO.SecretKey = v.GetString("storage.minio.secret_key")
	cfg.Storage.MinIO.Bucket = v.GetString("storage.minio.bucket")
	cfg.Storage.MinIO.UseSSL = v.GetBool("storage.minio.use_ssl")
	cfg.Storage.MinIO.Region = v.GetString("storage.minio.region")

	cfg.Definition.StrictTypes = v.GetBool("definition.strict_types")

	cfg.Extraction.MaxInMemoryBytes = v.GetInt64("extraction.max_in_memory_bytes")
	cfg.Extraction.ScratchDir = v.GetString("extraction.scratch_dir")
	cfg.Extraction.ViolationLimit = v.GetInt("extraction.violation_limit")
	cfg.Extraction.InsertBatchSize = v.GetInt("extraction.insert_batch_size")
	cfg.Extraction.DebugSQL = v.GetBool("extraction.debug_sql")

	cfg.Orchestrator.Workers = v.GetInt("orchestrator.workers")
	cfg.Orchestrator.RunTimeout = v.GetDuration("orchestrator.run_timeout")
	cfg.Orchestrator.RowNumberCap = v.GetInt("orchestrator.row_number_cap")

	cfg.Retention.Enabled = v.GetBool("retention.enabled")
	cfg.Retention.SweepInterval = v.GetDuration("retention.sweep_interval")
	cfg.Retention.SweepBatch = v.GetInt("retention.sweep_batch")

	cfg.Logging.Format = strings.ToLower(v.GetString("logging.format"))
	cfg.Logging.Level = v.GetString("logging.level")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve nested keys.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.max_upload_bytes", cfg.Server.MaxUploadBytes)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.root", cfg.Storage.Root)
	v.SetDefault("storage.minio.endpoint", cfg.Storage.MinIO.Endpoint)
	v.SetDefault("storage.minio.access_key", cfg.Storage.MinIO.AccessKey)
	v.SetDefault("storage.minio.secret_key", cfg.Storage.MinIO.SecretKey)
	v.SetDefault("storage.minio.bucket", cfg.Storage.MinIO.Bucket)
	v.SetDefault("storage.minio.use_ssl", cfg.Storage.MinIO.UseSSL)
	v.SetDefault("storage.minio.region", cfg.Storage.MinIO.Region)

	v.SetDefault("definition.strict_types", cfg.Definition.StrictTypes)

	v.SetDefault("extraction.max_in_memory_bytes", cfg.Extraction.MaxInMemoryBytes)
	v.SetDefault("extraction.scratch_dir", cfg.Extraction.ScratchDir)
	v.SetDefault("extraction.violation_limit", cfg.Extraction.ViolationLimit)
	v.SetDefault("extraction.insert_batch_size", cfg.Extraction.InsertBatchSize)
	v.SetDefault("extraction.debug_sql", cfg.Extraction.DebugSQL)

	v.SetDefault("orchestrator.workers", cfg.Orchestrator.Workers)
	v.SetDefault("orchestrator.run_timeout", cfg.Orchestrator.RunTimeout)
	v.SetDefault("orchestrator.row_number_cap", cfg.Orchestrator.RowNumberCap)

	v.SetDefault("retention.enabled", cfg.Retention.Enabled)
	v.SetDefault("retention.sweep_interval", cfg.Retention.SweepInterval)
	v.SetDefault("retention.sweep_batch", cfg.Retention.SweepBatch)

	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "local", "minio":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported logging format %q", c.Logging.Format)
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be positive, got %d", c.Orchestrator.Workers)
	}
	if c.Orchestrator.RowNumberCap <= 0 {
		return fmt.Errorf("orchestrator.row_number_cap must be positive, got %d", c.Orchestrator.RowNumberCap)
	}
	return nil
}
