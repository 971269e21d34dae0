package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	STT       STTConfig       `yaml:"stt"`
	TTS       TTSConfig       `yaml:"tts"`
	LLM       LLMConfig       `yaml:"llm"`
	Dialog    DialogConfig    `yaml:"dialog"`
	Timers    TimersConfig    `yaml:"timers"`
	Store     StoreConfig     `yaml:"store"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	WebhookBaseURL    string `yaml:"webhook_base_url"` // public base for media stream URLs
	MaxWSConnections  int    `yaml:"max_ws_connections"`
	WebhookRateRPS    int    `yaml:"webhook_rate_rps"`
	WebhookRateBurst  int    `yaml:"webhook_rate_burst"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

// TelephonyConfig holds the call-control provider settings.
type TelephonyConfig struct {
	APIKey           string        `yaml:"api_key"`
	BaseURL          string        `yaml:"base_url"`
	FromNumber       string        `yaml:"from_number"`
	AgentNumber      string        `yaml:"agent_number"` // human agent transfer target
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MachineDetection bool          `yaml:"machine_detection"`
}

// STTConfig holds the realtime transcription provider settings.
type STTConfig struct {
	APIKey              string        `yaml:"api_key"`
	BaseURL             string        `yaml:"base_url"`
	Model               string        `yaml:"model"`
	Language            string        `yaml:"language"`
	SessionStartTimeout time.Duration `yaml:"session_start_timeout"`
}

// TTSConfig holds the speech synthesis provider settings.
type TTSConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	VoiceID         string  `yaml:"voice_id"`
	ModelID         string  `yaml:"model_id"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
	UseSpeakerBoost bool    `yaml:"use_speaker_boost"`
	StreamLatency   int     `yaml:"stream_latency"` // provider latency tier, 0-4
}

// LLMConfig holds the dialog model settings.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DialogConfig holds script text the service speaks at fixed points.
type DialogConfig struct {
	Greeting             string `yaml:"greeting"`
	WarningPrompt        string `yaml:"warning_prompt"`
	TransferConfirmation string `yaml:"transfer_confirmation"`
	VoicemailFarewell    string `yaml:"voicemail_farewell"`
	DisqualifiedClose    string `yaml:"disqualified_close"`
	DeclinedClose        string `yaml:"declined_close"`
	RequestedHangupClose string `yaml:"requested_hangup_close"`
}

// TimersConfig exposes every per-call timer. Values are tunable but default
// to the production contract.
type TimersConfig struct {
	NoResponseWarning  time.Duration `yaml:"no_response_warning"`
	HangupAfterWarning time.Duration `yaml:"hangup_after_warning"`
	BridgedWatchdog    time.Duration `yaml:"bridged_watchdog"`
	MaxCallDuration    time.Duration `yaml:"max_call_duration"`
	SweepInterval      string        `yaml:"sweep_interval"` // cron spec for the janitor
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite database file
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			MaxWSConnections:  100,
			WebhookRateRPS:    50,
			WebhookRateBurst:  100,
			ShutdownTimeoutMS: 10000,
		},
		Telephony: TelephonyConfig{
			BaseURL:        "https://api.telnyx.com",
			RequestTimeout: 10 * time.Second,
		},
		STT: STTConfig{
			BaseURL:             "https://api.elevenlabs.io",
			Model:               "scribe_v1_realtime",
			Language:            "en",
			SessionStartTimeout: 10 * time.Second,
		},
		TTS: TTSConfig{
			BaseURL:         "https://api.elevenlabs.io",
			ModelID:         "eleven_flash_v2_5",
			Stability:       0.65,
			SimilarityBoost: 0.8,
			StreamLatency:   3,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   256,
			Temperature: 0.3,
			Timeout:     30 * time.Second,
		},
		Dialog: DialogConfig{
			Greeting:             "Hi, this is Anna calling on a recorded line about the final expense program information you requested. Before we continue, can you confirm your name and address for me?",
			WarningPrompt:        "I can't hear you clearly. Please try again.",
			TransferConfirmation: "Great, you qualify. Please hold while I connect you with a licensed specialist.",
			VoicemailFarewell:    "Sorry we missed you. We'll try again another time. Goodbye.",
			DisqualifiedClose:    "Thank you for your time today. Have a great day.",
			DeclinedClose:        "No problem at all. Thank you for your time. Goodbye.",
			RequestedHangupClose: "Understood. Thank you for your time. Goodbye.",
		},
		Timers: TimersConfig{
			NoResponseWarning:  10 * time.Second,
			HangupAfterWarning: 5 * time.Second,
			BridgedWatchdog:    10 * time.Second,
			MaxCallDuration:    10 * time.Minute,
			SweepInterval:      "@every 30s",
		},
		Store: StoreConfig{
			Path: "callpilot.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result. A missing file is not an error: defaults plus
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CALLPILOT_* env vars to config fields. Secrets are
// expected through the environment in deployment.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLPILOT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CALLPILOT_WEBHOOK_BASE_URL"); v != "" {
		cfg.Server.WebhookBaseURL = v
	}
	if v := os.Getenv("CALLPILOT_MAX_WS_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxWSConnections = n
		}
	}
	if v := os.Getenv("CALLPILOT_TELEPHONY_API_KEY"); v != "" {
		cfg.Telephony.APIKey = v
	}
	if v := os.Getenv("CALLPILOT_TELEPHONY_FROM_NUMBER"); v != "" {
		cfg.Telephony.FromNumber = v
	}
	if v := os.Getenv("CALLPILOT_AGENT_NUMBER"); v != "" {
		cfg.Telephony.AgentNumber = v
	}
	if v := os.Getenv("CALLPILOT_STT_API_KEY"); v != "" {
		cfg.STT.APIKey = v
	}
	if v := os.Getenv("CALLPILOT_TTS_API_KEY"); v != "" {
		cfg.TTS.APIKey = v
	}
	if v := os.Getenv("CALLPILOT_TTS_VOICE_ID"); v != "" {
		cfg.TTS.VoiceID = v
	}
	if v := os.Getenv("CALLPILOT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CALLPILOT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CALLPILOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CALLPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CALLPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CALLPILOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CALLPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CALLPILOT_NO_RESPONSE_WARNING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timers.NoResponseWarning = d
		}
	}
	if v := os.Getenv("CALLPILOT_HANGUP_AFTER_WARNING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timers.HangupAfterWarning = d
		}
	}
	if v := os.Getenv("CALLPILOT_MAX_CALL_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timers.MaxCallDuration = d
		}
	}
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) error {
	if cfg.Server.MaxWSConnections <= 0 {
		return fmt.Errorf("server.max_ws_connections must be positive, got %d", cfg.Server.MaxWSConnections)
	}
	if cfg.Server.WebhookRateRPS <= 0 || cfg.Server.WebhookRateBurst <= 0 {
		return fmt.Errorf("server webhook rate limits must be positive")
	}
	if cfg.Telephony.RequestTimeout <= 0 {
		return fmt.Errorf("telephony.request_timeout must be positive")
	}
	if cfg.STT.SessionStartTimeout <= 0 {
		return fmt.Errorf("stt.session_start_timeout must be positive")
	}
	if cfg.TTS.Stability < 0 || cfg.TTS.Stability > 1 {
		return fmt.Errorf("tts.stability must be in [0,1], got %v", cfg.TTS.Stability)
	}
	if cfg.TTS.SimilarityBoost < 0 || cfg.TTS.SimilarityBoost > 1 {
		return fmt.Errorf("tts.similarity_boost must be in [0,1], got %v", cfg.TTS.SimilarityBoost)
	}
	if cfg.TTS.StreamLatency < 0 || cfg.TTS.StreamLatency > 4 {
		return fmt.Errorf("tts.stream_latency must be in [0,4], got %d", cfg.TTS.StreamLatency)
	}
	if cfg.Timers.NoResponseWarning <= 0 || cfg.Timers.HangupAfterWarning <= 0 {
		return fmt.Errorf("no-response timers must be positive")
	}
	if cfg.Timers.BridgedWatchdog <= 0 {
		return fmt.Errorf("timers.bridged_watchdog must be positive")
	}
	if cfg.Timers.MaxCallDuration <= cfg.Timers.NoResponseWarning {
		return fmt.Errorf("timers.max_call_duration must exceed the no-response window")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
