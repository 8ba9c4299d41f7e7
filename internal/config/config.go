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
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"` // json, text
	Traces           string  `yaml:"traces"`     // auto, otlp, stdout, none
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Chat        ChatConfig       `yaml:"chat"`
	LLM         LLMConfig        `yaml:"llm"`
	Summary     SummaryConfig    `yaml:"summary"`
	Speech      SpeechConfig     `yaml:"speech"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxMemoryMB    int      `yaml:"jetstream_max_memory_mb"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon on the bus. Capabilities are derived
// from the configured backends.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxBatches    int    `yaml:"max_batches"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ChatConfig points at the channel snapshot consumed from the chat transport.
type ChatConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
	Watch        bool   `yaml:"watch"`
	ChannelLimit int    `yaml:"channel_limit"`
	DefaultUser  string `yaml:"default_user"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, completion, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type SummaryConfig struct {
	Mode           string `yaml:"mode"` // strict, partial
	MaxConcurrency int    `yaml:"max_concurrency"`
	SystemPrompt   string `yaml:"system_prompt"`
}

type SpeechConfig struct {
	Mode           string `yaml:"mode"` // mock, elevenlabs, exec
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Command        string `yaml:"command"`
	ModelID        string `yaml:"model_id"`
	DefaultVoiceID string `yaml:"default_voice_id"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Handle string `yaml:"handle"` // memory, bus
	Target string `yaml:"target"`
}

const (
	DefaultCompletionEndpoint = "http://127.0.0.1:1234"
	DefaultVoiceID            = "JBFqnCBsd6RMkjVDRZzb"
	DefaultSpeechModel        = "eleven_flash_v2_5"
	DefaultSystemPrompt       = "You are handed messages from a chat channel. Please summarize them in 2 sentences and ensure there is no missing information. Respond only with the summary that is relevant to the user and no boilerplate."
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-digest",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			Traces:           "auto",
			TraceSampleRatio: 1,
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			MaxMemoryMB:    64,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "digest-node-1",
			Role:              "digest",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/digest-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxBatches:    1000,
		},
		Chat: ChatConfig{
			SnapshotPath: "./data/channels.yaml",
			Watch:        true,
			ChannelLimit: 10,
		},
		LLM: LLMConfig{
			Mode:        "completion",
			Endpoint:    DefaultCompletionEndpoint,
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		Summary: SummaryConfig{
			Mode:           "partial",
			MaxConcurrency: 0,
			SystemPrompt:   DefaultSystemPrompt,
		},
		Speech: SpeechConfig{
			Mode:           "elevenlabs",
			Endpoint:       "https://api.elevenlabs.io",
			ModelID:        DefaultSpeechModel,
			DefaultVoiceID: DefaultVoiceID,
			TimeoutMS:      45000,
		},
		Playback: PlaybackConfig{
			Handle: "bus",
			Target: "default",
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
	overrideString(&cfg.RuntimeName, "DIGEST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DIGEST_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DIGEST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DIGEST_HTTP_PORT")
	overrideString(&cfg.HTTP.PublicBaseURL, "DIGEST_HTTP_PUBLIC_BASE_URL")
	overrideString(&cfg.Telemetry.LogLevel, "DIGEST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "DIGEST_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.Traces, "DIGEST_TELEMETRY_TRACES")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "DIGEST_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DIGEST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DIGEST_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DIGEST_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "DIGEST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "DIGEST_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "DIGEST_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "DIGEST_BUS_PORT")
	overrideInt(&cfg.Bus.MaxMemoryMB, "DIGEST_BUS_JETSTREAM_MAX_MEMORY_MB")
	overrideString(&cfg.Bus.StoreDir, "DIGEST_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DIGEST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DIGEST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DIGEST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DIGEST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DIGEST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DIGEST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "DIGEST_NODE_ID")
	overrideString(&cfg.Node.Role, "DIGEST_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "DIGEST_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "DIGEST_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "DIGEST_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DIGEST_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DIGEST_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxBatches, "DIGEST_EVENT_STORE_MAX_BATCHES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DIGEST_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Chat.SnapshotPath, "DIGEST_CHAT_SNAPSHOT_PATH")
	overrideBool(&cfg.Chat.Watch, "DIGEST_CHAT_WATCH")
	overrideInt(&cfg.Chat.ChannelLimit, "DIGEST_CHAT_CHANNEL_LIMIT")
	overrideString(&cfg.Chat.DefaultUser, "DIGEST_CHAT_DEFAULT_USER")
	overrideString(&cfg.LLM.Mode, "DIGEST_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "DIGEST_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "DIGEST_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "DIGEST_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "DIGEST_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "DIGEST_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "DIGEST_LLM_TIMEOUT_MS")
	overrideString(&cfg.Summary.Mode, "DIGEST_SUMMARY_MODE")
	overrideInt(&cfg.Summary.MaxConcurrency, "DIGEST_SUMMARY_MAX_CONCURRENCY")
	overrideString(&cfg.Summary.SystemPrompt, "DIGEST_SUMMARY_SYSTEM_PROMPT")
	overrideString(&cfg.Speech.Mode, "DIGEST_SPEECH_MODE")
	overrideString(&cfg.Speech.Endpoint, "DIGEST_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Speech.APIKey, "DIGEST_SPEECH_API_KEY")
	overrideString(&cfg.Speech.Command, "DIGEST_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelID, "DIGEST_SPEECH_MODEL_ID")
	overrideString(&cfg.Speech.DefaultVoiceID, "DIGEST_SPEECH_DEFAULT_VOICE_ID")
	overrideInt(&cfg.Speech.TimeoutMS, "DIGEST_SPEECH_TIMEOUT_MS")
	overrideString(&cfg.Playback.Handle, "DIGEST_PLAYBACK_HANDLE")
	overrideString(&cfg.Playback.Target, "DIGEST_PLAYBACK_TARGET")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxMemoryMB < 0 {
				return errors.New("bus.jetstream_max_memory_mb must be >= 0")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Telemetry.Traces {
	case "auto", "stdout", "none":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Chat.ChannelLimit < 0 {
		return errors.New("chat.channel_limit must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "completion", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|completion|ollama|exec")
	}
	if (cfg.LLM.Mode == "completion" || cfg.LLM.Mode == "ollama") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.Summary.Mode {
	case "strict", "partial":
	default:
		return errors.New("summary.mode must be one of strict|partial")
	}
	if cfg.Summary.MaxConcurrency < 0 {
		return errors.New("summary.max_concurrency must be >= 0")
	}
	switch cfg.Speech.Mode {
	case "mock", "elevenlabs", "exec":
	default:
		return errors.New("speech.mode must be one of mock|elevenlabs|exec")
	}
	if cfg.Speech.Mode == "elevenlabs" && cfg.Speech.Endpoint == "" {
		return errors.New("speech.endpoint must be set when mode=elevenlabs")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	switch cfg.Playback.Handle {
	case "memory":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("playback.handle=bus requires bus.enabled")
		}
	default:
		return errors.New("playback.handle must be one of memory|bus")
	}
	return nil
}
