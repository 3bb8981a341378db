package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level" toml:"log_level"`
	LogFormat     string `yaml:"log_format" toml:"log_format"`
	LogFile       string `yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups" toml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days" toml:"log_max_age_days"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces  bool   `yaml:"stdout_traces" toml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name" toml:"runtime_name"`
	Environment string          `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig      `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig       `yaml:"bus" toml:"bus"`
	Render      RenderConfig    `yaml:"render" toml:"render"`
	Journal     JournalConfig   `yaml:"journal" toml:"journal"`
	Service     ServiceConfig   `yaml:"service" toml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	// MaxPayload caps a single message on the embedded server. Render
	// results larger than the negotiated limit are split into chunks.
	MaxPayload int `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
}

// RenderConfig tunes the render scheduler and backends.
type RenderConfig struct {
	MaxConcurrency     int    `yaml:"max_concurrency" toml:"max_concurrency"`
	CancelCheckSamples int    `yaml:"cancel_check_samples" toml:"cancel_check_samples"`
	DefaultSinger      string `yaml:"default_singer" toml:"default_singer"`
	JobTimeoutMS       int    `yaml:"job_timeout_ms" toml:"job_timeout_ms"`
	MaxDurationMS      int    `yaml:"max_duration_ms" toml:"max_duration_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries" toml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

type ServiceConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	QueueGroup string `yaml:"queue_group" toml:"queue_group"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-render",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			LogMaxSizeMB:  64,
			LogMaxBackups: 3,
			LogMaxAgeDays: 7,
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     1 << 20,
		},
		Render: RenderConfig{
			MaxConcurrency:     4,
			CancelCheckSamples: 44100,
			DefaultSinger:      "enunu",
			MaxDurationMS:      10 * 60 * 1000,
		},
		Journal: JournalConfig{
			Path:          "./data/render-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 14,
			MaxEntries:    50000,
		},
		Service: ServiceConfig{
			Enabled:    true,
			QueueGroup: "render-workers",
		},
	}
}

// Load reads path (YAML, or TOML when the extension is .toml) over the
// defaults, applies LOQA_* environment overrides and validates the result.
// An empty path yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideInt(&cfg.Render.MaxConcurrency, "LOQA_RENDER_MAX_CONCURRENCY")
	overrideInt(&cfg.Render.CancelCheckSamples, "LOQA_RENDER_CANCEL_CHECK_SAMPLES")
	overrideString(&cfg.Render.DefaultSinger, "LOQA_RENDER_DEFAULT_SINGER")
	overrideInt(&cfg.Render.JobTimeoutMS, "LOQA_RENDER_JOB_TIMEOUT_MS")
	overrideInt(&cfg.Render.MaxDurationMS, "LOQA_RENDER_MAX_DURATION_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "LOQA_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
	overrideString(&cfg.Service.QueueGroup, "LOQA_SERVICE_QUEUE_GROUP")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Embedded {
		// -1 asks the embedded server for a random port.
		if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > 64<<20 {
		return errors.New("bus.max_payload_bytes must be between 0 and 67108864")
	}
	if cfg.Render.MaxConcurrency < 0 {
		return errors.New("render.max_concurrency must be >= 0")
	}
	if cfg.Render.CancelCheckSamples < 0 {
		return errors.New("render.cancel_check_samples must be >= 0")
	}
	if cfg.Render.JobTimeoutMS < 0 {
		return errors.New("render.job_timeout_ms must be >= 0")
	}
	if cfg.Render.MaxDurationMS < 0 {
		return errors.New("render.max_duration_ms must be >= 0")
	}
	if cfg.Render.DefaultSinger == "" {
		return errors.New("render.default_singer must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Journal.MaxEntries < 0 {
		return errors.New("journal.max_entries must be >= 0")
	}
	return nil
}
