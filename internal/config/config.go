package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is otlp, stdout or none. Empty picks otlp when an endpoint is set, else stdout.
	TraceExporter string  `yaml:"trace_exporter"`
	SampleRatio   float64 `yaml:"sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Database    DatabaseConfig   `yaml:"database"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Storage     StorageConfig    `yaml:"storage"`
	TTS         TTSConfig        `yaml:"tts"`
	Workers     WorkersConfig    `yaml:"workers"`
	Combiner    CombinerConfig   `yaml:"combiner"`
	LLM         LLMConfig        `yaml:"llm"`
	Course      CourseConfig     `yaml:"course"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps embedded server messages; chapter jobs carry the chapter text.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	// PruneInterval reapplies retention while running. Zero prunes only at startup.
	PruneInterval int `yaml:"prune_interval_minutes"`
}

type StorageConfig struct {
	Backend string             `yaml:"backend"` // local, s3
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3StorageConfig    `yaml:"s3"`
}

type LocalStorageConfig struct {
	Root      string `yaml:"root"`
	PublicURL string `yaml:"public_url"`
}

type S3StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PublicURL       string `yaml:"public_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type TTSConfig struct {
	Mode              string   `yaml:"mode"` // mock, exec, openai
	Command           string   `yaml:"command"`
	Endpoint          string   `yaml:"endpoint"`
	APIKey            string   `yaml:"api_key"`
	Model             string   `yaml:"model"`
	Voice             string   `yaml:"voice"`
	Voices            []string `yaml:"voices"`
	MaxChunkSize      int      `yaml:"max_chunk_size"`
	PaddingBytes      int      `yaml:"padding_bytes"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	JobTimeoutSeconds int      `yaml:"job_timeout_seconds"`
}

type WorkersConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Concurrency int    `yaml:"max_concurrency"`
	Dispatch    string `yaml:"dispatch"` // local, bus
	QueueGroup  string `yaml:"queue_group"`

	// NodeID names this process in worker presence messages; empty picks a random id.
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type CombinerConfig struct {
	OutputDir             string `yaml:"output_dir"`
	PublicURL             string `yaml:"public_url"`
	Mode                  string `yaml:"mode"` // copy, ffmpeg
	FFmpegCommand         string `yaml:"ffmpeg_command"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type CourseConfig struct {
	DefaultChapters       int `yaml:"default_chapters"`
	MaxChapters           int `yaml:"max_chapters"`
	OutlineTimeoutSeconds int `yaml:"outline_timeout_seconds"`
	ChapterTimeoutSeconds int `yaml:"chapter_timeout_seconds"`
	SummaryTimeoutSeconds int `yaml:"summary_timeout_seconds"`
	QuizTimeoutSeconds    int `yaml:"quiz_timeout_seconds"`
}

func Default() Config {
	return Config{
		RuntimeName: "lectern",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			SampleRatio:    1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     8 << 20,
		},
		Database: DatabaseConfig{
			Path: "./data/lectern.db",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lectern-jobs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
			PruneInterval: 60,
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalStorageConfig{
				Root:      "./data/media",
				PublicURL: "http://localhost:8080/media",
			},
			S3: S3StorageConfig{
				Region: "us-east-1",
			},
		},
		TTS: TTSConfig{
			Mode:              "mock",
			Model:             "tts-1",
			Voice:             "alloy",
			Voices:            []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
			MaxChunkSize:      3500,
			PaddingBytes:      4096,
			RequestsPerMinute: 0,
			JobTimeoutSeconds: 1800,
		},
		Workers: WorkersConfig{
			Enabled:           true,
			Concurrency:       2,
			Dispatch:          "local",
			QueueGroup:        "lectern-audio-workers",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Combiner: CombinerConfig{
			OutputDir:             "./data/combined",
			PublicURL:             "http://localhost:8080/combined",
			Mode:                  "copy",
			FFmpegCommand:         "ffmpeg",
			DefaultTimeoutSeconds: 300,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Course: CourseConfig{
			DefaultChapters:       5,
			MaxChapters:           30,
			OutlineTimeoutSeconds: 30,
			ChapterTimeoutSeconds: 1800,
			SummaryTimeoutSeconds: 30,
			QuizTimeoutSeconds:    60,
		},
	}
}

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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LECTERN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTERN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTERN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTERN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTERN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LECTERN_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.SampleRatio, "LECTERN_TELEMETRY_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTERN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTERN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTERN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LECTERN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LECTERN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTERN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LECTERN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LECTERN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTERN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTERN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTERN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTERN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTERN_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LECTERN_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.Database.Path, "LECTERN_DATABASE_PATH")
	overrideString(&cfg.EventStore.Path, "LECTERN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LECTERN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LECTERN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LECTERN_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LECTERN_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneInterval, "LECTERN_EVENT_STORE_PRUNE_INTERVAL_MINUTES")
	overrideString(&cfg.Storage.Backend, "LECTERN_STORAGE_BACKEND")
	overrideString(&cfg.Storage.Local.Root, "LECTERN_STORAGE_LOCAL_ROOT")
	overrideString(&cfg.Storage.Local.PublicURL, "LECTERN_STORAGE_LOCAL_PUBLIC_URL")
	overrideString(&cfg.Storage.S3.Bucket, "LECTERN_STORAGE_S3_BUCKET")
	overrideString(&cfg.Storage.S3.Region, "LECTERN_STORAGE_S3_REGION")
	overrideString(&cfg.Storage.S3.Endpoint, "LECTERN_STORAGE_S3_ENDPOINT")
	overrideString(&cfg.Storage.S3.PublicURL, "LECTERN_STORAGE_S3_PUBLIC_URL")
	overrideString(&cfg.Storage.S3.AccessKeyID, "LECTERN_STORAGE_S3_ACCESS_KEY_ID")
	overrideString(&cfg.Storage.S3.SecretAccessKey, "LECTERN_STORAGE_S3_SECRET_ACCESS_KEY")
	overrideBool(&cfg.Storage.S3.UsePathStyle, "LECTERN_STORAGE_S3_USE_PATH_STYLE")
	overrideString(&cfg.TTS.Mode, "LECTERN_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LECTERN_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LECTERN_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LECTERN_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LECTERN_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LECTERN_TTS_VOICE")
	overrideStringSlice(&cfg.TTS.Voices, "LECTERN_TTS_VOICES")
	overrideInt(&cfg.TTS.MaxChunkSize, "LECTERN_TTS_MAX_CHUNK_SIZE")
	overrideInt(&cfg.TTS.PaddingBytes, "LECTERN_TTS_PADDING_BYTES")
	overrideInt(&cfg.TTS.RequestsPerMinute, "LECTERN_TTS_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.TTS.JobTimeoutSeconds, "LECTERN_TTS_JOB_TIMEOUT_SECONDS")
	overrideBool(&cfg.Workers.Enabled, "LECTERN_WORKERS_ENABLED")
	overrideInt(&cfg.Workers.Concurrency, "LECTERN_WORKERS_MAX_CONCURRENCY")
	overrideString(&cfg.Workers.Dispatch, "LECTERN_WORKERS_DISPATCH")
	overrideString(&cfg.Workers.QueueGroup, "LECTERN_WORKERS_QUEUE_GROUP")
	overrideString(&cfg.Workers.NodeID, "LECTERN_WORKERS_NODE_ID")
	overrideInt(&cfg.Workers.HeartbeatInterval, "LECTERN_WORKERS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Workers.HeartbeatTimeout, "LECTERN_WORKERS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Combiner.OutputDir, "LECTERN_COMBINER_OUTPUT_DIR")
	overrideString(&cfg.Combiner.PublicURL, "LECTERN_COMBINER_PUBLIC_URL")
	overrideString(&cfg.Combiner.Mode, "LECTERN_COMBINER_MODE")
	overrideString(&cfg.Combiner.FFmpegCommand, "LECTERN_COMBINER_FFMPEG_COMMAND")
	overrideInt(&cfg.Combiner.DefaultTimeoutSeconds, "LECTERN_COMBINER_DEFAULT_TIMEOUT_SECONDS")
	overrideString(&cfg.LLM.Mode, "LECTERN_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LECTERN_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LECTERN_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LECTERN_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LECTERN_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LECTERN_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LECTERN_LLM_TEMPERATURE")
	overrideInt(&cfg.Course.DefaultChapters, "LECTERN_COURSE_DEFAULT_CHAPTERS")
	overrideInt(&cfg.Course.MaxChapters, "LECTERN_COURSE_MAX_CHAPTERS")
	overrideInt(&cfg.Course.OutlineTimeoutSeconds, "LECTERN_COURSE_OUTLINE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Course.ChapterTimeoutSeconds, "LECTERN_COURSE_CHAPTER_TIMEOUT_SECONDS")
	overrideInt(&cfg.Course.SummaryTimeoutSeconds, "LECTERN_COURSE_SUMMARY_TIMEOUT_SECONDS")
	overrideInt(&cfg.Course.QuizTimeoutSeconds, "LECTERN_COURSE_QUIZ_TIMEOUT_SECONDS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.MaxPayload < 0 || cfg.Bus.MaxPayload > 64<<20 {
			return errors.New("bus.max_payload_bytes must be between 0 and 64MiB")
		}
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.PruneInterval < 0 {
		return errors.New("event_store.prune_interval_minutes must be >= 0")
	}
	switch cfg.Storage.Backend {
	case "local":
		if cfg.Storage.Local.Root == "" {
			return errors.New("storage.local.root must not be empty when backend=local")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket must be set when backend=s3")
		}
	default:
		return errors.New("storage.backend must be one of local|s3")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.MaxChunkSize <= 0 {
		return errors.New("tts.max_chunk_size must be positive")
	}
	if cfg.TTS.PaddingBytes < 0 {
		return errors.New("tts.padding_bytes must be >= 0")
	}
	if len(cfg.TTS.Voices) == 0 {
		return errors.New("tts.voices must not be empty")
	}
	if cfg.TTS.JobTimeoutSeconds <= 0 {
		return errors.New("tts.job_timeout_seconds must be positive")
	}
	if cfg.Workers.Enabled {
		if cfg.Workers.Concurrency <= 0 {
			return errors.New("workers.max_concurrency must be >= 1")
		}
	}
	if cfg.Workers.HeartbeatInterval <= 0 {
		return errors.New("workers.heartbeat_interval_ms must be positive")
	}
	if cfg.Workers.HeartbeatTimeout <= cfg.Workers.HeartbeatInterval {
		return errors.New("workers.heartbeat_timeout_ms must exceed workers.heartbeat_interval_ms")
	}
	switch cfg.Workers.Dispatch {
	case "local":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("workers.dispatch=bus requires bus.enabled")
		}
	default:
		return errors.New("workers.dispatch must be one of local|bus")
	}
	if cfg.Combiner.OutputDir == "" {
		return errors.New("combiner.output_dir must not be empty")
	}
	switch cfg.Combiner.Mode {
	case "copy":
	case "ffmpeg":
		if cfg.Combiner.FFmpegCommand == "" {
			return errors.New("combiner.ffmpeg_command must be set when mode=ffmpeg")
		}
	default:
		return errors.New("combiner.mode must be one of copy|ffmpeg")
	}
	if cfg.Combiner.DefaultTimeoutSeconds <= 0 {
		return errors.New("combiner.default_timeout_seconds must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Course.DefaultChapters <= 0 || cfg.Course.DefaultChapters > cfg.Course.MaxChapters {
		return errors.New("course.default_chapters must be between 1 and course.max_chapters")
	}
	return nil
}
