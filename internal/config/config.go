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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	History     HistoryConfig     `yaml:"history"`
	Credentials CredentialsConfig `yaml:"credentials"`
	STT         STTConfig         `yaml:"stt"`
}

// NodeConfig identifies this daemon to peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
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
}

// HistoryConfig controls where finished transcripts are kept.
type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CredentialsConfig struct {
	Path string `yaml:"path"`
}

type STTConfig struct {
	DefaultModel  string              `yaml:"default_model"`
	Language      string              `yaml:"language"`
	Task          string              `yaml:"task"`
	Device        string              `yaml:"device"`
	LocalModel    LocalModelConfig    `yaml:"local_model"`
	LocalPipeline LocalPipelineConfig `yaml:"local_pipeline"`
	RemoteAPI     RemoteAPIConfig     `yaml:"remote_api"`
}

// LocalModelConfig configures the in-process whisper.cpp backend.
type LocalModelConfig struct {
	ModelsDir string `yaml:"models_dir"`
	Threads   int    `yaml:"threads"`
}

// LocalPipelineConfig configures the helper-process pipeline backend.
type LocalPipelineConfig struct {
	Command        string `yaml:"command"`
	VADModel       string `yaml:"vad_model"`
	PuncModel      string `yaml:"punc_model"`
	StartTimeoutMS int    `yaml:"start_timeout_ms"`
	StopTimeoutMS  int    `yaml:"stop_timeout_ms"`
}

// RemoteAPIConfig configures the asynchronous cloud transcription backend.
type RemoteAPIConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	CredentialType string   `yaml:"credential_type"`
	LanguageHints  []string `yaml:"language_hints"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	TaskTimeoutMS  int      `yaml:"task_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4223,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4223"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/scribe-history.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxEntries:    5000,
		},
		Credentials: CredentialsConfig{
			Path: "./data/api_keys.json",
		},
		STT: STTConfig{
			DefaultModel: "",
			Language:     "zh",
			Task:         "transcribe",
			Device:       "auto",
			LocalModel: LocalModelConfig{
				ModelsDir: "./models/whisper",
				Threads:   0,
			},
			LocalPipeline: LocalPipelineConfig{
				Command:        "python3 -m scribe_pipeline",
				VADModel:       "iic/speech_fsmn_vad_zh-cn-16k-common-pytorch",
				PuncModel:      "iic/punc_ct-transformer_zh-cn-common-vocab272727-pytorch",
				StartTimeoutMS: 120000,
				StopTimeoutMS:  5000,
			},
			RemoteAPI: RemoteAPIConfig{
				Endpoint:       "https://dashscope.aliyuncs.com/api/v1",
				CredentialType: "aliyun",
				LanguageHints:  []string{"zh"},
				PollIntervalMS: 1000,
				TaskTimeoutMS:  300000,
			},
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SCRIBE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SCRIBE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "SCRIBE_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "SCRIBE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Credentials.Path, "SCRIBE_CREDENTIALS_PATH")
	overrideString(&cfg.STT.DefaultModel, "SCRIBE_STT_DEFAULT_MODEL")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideString(&cfg.STT.Task, "SCRIBE_STT_TASK")
	overrideString(&cfg.STT.Device, "SCRIBE_STT_DEVICE")
	overrideString(&cfg.STT.LocalModel.ModelsDir, "SCRIBE_STT_LOCAL_MODEL_MODELS_DIR")
	overrideInt(&cfg.STT.LocalModel.Threads, "SCRIBE_STT_LOCAL_MODEL_THREADS")
	overrideString(&cfg.STT.LocalPipeline.Command, "SCRIBE_STT_LOCAL_PIPELINE_COMMAND")
	overrideString(&cfg.STT.LocalPipeline.VADModel, "SCRIBE_STT_LOCAL_PIPELINE_VAD_MODEL")
	overrideString(&cfg.STT.LocalPipeline.PuncModel, "SCRIBE_STT_LOCAL_PIPELINE_PUNC_MODEL")
	overrideInt(&cfg.STT.LocalPipeline.StartTimeoutMS, "SCRIBE_STT_LOCAL_PIPELINE_START_TIMEOUT_MS")
	overrideInt(&cfg.STT.LocalPipeline.StopTimeoutMS, "SCRIBE_STT_LOCAL_PIPELINE_STOP_TIMEOUT_MS")
	overrideString(&cfg.STT.RemoteAPI.Endpoint, "SCRIBE_STT_REMOTE_API_ENDPOINT")
	overrideString(&cfg.STT.RemoteAPI.CredentialType, "SCRIBE_STT_REMOTE_API_CREDENTIAL_TYPE")
	overrideStringSlice(&cfg.STT.RemoteAPI.LanguageHints, "SCRIBE_STT_REMOTE_API_LANGUAGE_HINTS")
	overrideInt(&cfg.STT.RemoteAPI.PollIntervalMS, "SCRIBE_STT_REMOTE_API_POLL_INTERVAL_MS")
	overrideInt(&cfg.STT.RemoteAPI.TaskTimeoutMS, "SCRIBE_STT_REMOTE_API_TASK_TIMEOUT_MS")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be at least heartbeat_interval_ms")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention_mode=persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxEntries < 0 {
		return errors.New("history.max_entries must be >= 0")
	}
	if cfg.Credentials.Path == "" {
		return errors.New("credentials.path must not be empty")
	}
	switch cfg.STT.Task {
	case "transcribe", "translate":
	default:
		return errors.New("stt.task must be one of transcribe|translate")
	}
	switch cfg.STT.Device {
	case "auto", "cpu", "cuda":
	default:
		return errors.New("stt.device must be one of auto|cpu|cuda")
	}
	if cfg.STT.LocalModel.ModelsDir == "" {
		return errors.New("stt.local_model.models_dir must not be empty")
	}
	if cfg.STT.LocalModel.Threads < 0 {
		return errors.New("stt.local_model.threads must be >= 0")
	}
	if cfg.STT.LocalPipeline.StartTimeoutMS <= 0 {
		return errors.New("stt.local_pipeline.start_timeout_ms must be positive")
	}
	if cfg.STT.RemoteAPI.Endpoint == "" {
		return errors.New("stt.remote_api.endpoint must not be empty")
	}
	if cfg.STT.RemoteAPI.CredentialType == "" {
		return errors.New("stt.remote_api.credential_type must not be empty")
	}
	if cfg.STT.RemoteAPI.PollIntervalMS <= 0 {
		return errors.New("stt.remote_api.poll_interval_ms must be positive")
	}
	if cfg.STT.RemoteAPI.TaskTimeoutMS < cfg.STT.RemoteAPI.PollIntervalMS {
		return errors.New("stt.remote_api.task_timeout_ms must be at least poll_interval_ms")
	}
	return nil
}
