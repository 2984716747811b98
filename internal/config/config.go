package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the recording and transcription core
type Config struct {
	// Local server configuration (health, readiness, metrics)
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:""` // gRPC health service; disabled when empty

	// Realtime streaming configuration
	RealtimeProvider  string   `envconfig:"REALTIME_PROVIDER" default:"soniox"` // soniox, deepgram
	SonioxAPIKey      string   `envconfig:"SONIOX_API_KEY"`
	RealtimeURL       string   `envconfig:"REALTIME_URL" default:"wss://stt-rt.soniox.com/transcribe-websocket"`
	RealtimeModel     string   `envconfig:"REALTIME_MODEL" default:"stt-rt-preview"`
	AudioFormat       string   `envconfig:"AUDIO_FORMAT" default:"pcm_s16le"` // pcm_s16le, mulaw
	LanguageHints     []string `envconfig:"LANGUAGE_HINTS" default:"en"`
	EnableDiarization bool     `envconfig:"ENABLE_DIARIZATION" default:"true"`

	// Deepgram alternative provider
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Batch transcription configuration
	BatchBackend     string `envconfig:"BATCH_BACKEND" default:"soniox"` // soniox, whisper
	BatchBaseURL     string `envconfig:"BATCH_BASE_URL" default:"https://api.soniox.com"`
	BatchModel       string `envconfig:"BATCH_MODEL" default:"stt-async-preview"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	PollInterval     int    `envconfig:"POLL_INTERVAL_MS" default:"1000"`   // milliseconds
	PollMaxAttempts  int    `envconfig:"POLL_MAX_ATTEMPTS" default:"60"`    // status polls before giving up
	BatchHTTPTimeout int    `envconfig:"BATCH_HTTP_TIMEOUT" default:"120"`  // seconds
	DeleteAfterFetch bool   `envconfig:"BATCH_DELETE_AFTER_FETCH" default:"true"`

	// Audio pipeline configuration
	SampleRate       int     `envconfig:"SAMPLE_RATE" default:"16000"`
	Channels         int     `envconfig:"CHANNELS" default:"1"`
	MixQuantum       int     `envconfig:"MIX_QUANTUM_MS" default:"10"`         // milliseconds
	StallThreshold   int     `envconfig:"STALL_THRESHOLD_MS" default:"1000"`   // milliseconds
	MixLatency       int     `envconfig:"MIX_LATENCY_MS" default:"50"`         // capture-to-mix delay, milliseconds
	RingCapacity     int     `envconfig:"RING_CAPACITY" default:"200"`         // chunks per source
	SinkQueueSize    int     `envconfig:"SINK_QUEUE_SIZE" default:"512"`       // frames per sink
	MicGain          float64 `envconfig:"MIC_GAIN" default:"1.0"`
	SystemGain       float64 `envconfig:"SYSTEM_GAIN" default:"1.0"`
	MicDevice        string  `envconfig:"MIC_DEVICE" default:""`     // empty selects the default input
	SystemDevice     string  `envconfig:"SYSTEM_DEVICE" default:""`  // loopback/monitor device; empty disables
	HardwareTimeout  int     `envconfig:"HARDWARE_TIMEOUT_MS" default:"2000"` // milliseconds
	RecordingsDir    string  `envconfig:"RECORDINGS_DIR" default:"."`

	// Resilience configuration
	CircuitBreakerMaxFailures  int     `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int     `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int     `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int     `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int     `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBase              float64 `envconfig:"RECONNECT_BASE" default:"2"`                 // delay = base^attempt seconds
	KeepaliveInterval          int     `envconfig:"KEEPALIVE_INTERVAL" default:"30"`            // seconds
	FinalizeTimeout            int     `envconfig:"FINALIZE_TIMEOUT_MS" default:"3000"`         // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// ConfigFileEnv names the environment variable pointing at an optional YAML file
const ConfigFileEnv = "LIVESCRIBE_CONFIG"

// Load reads configuration from environment variables
// It first attempts to load from .env file and the YAML file named by
// LIVESCRIBE_CONFIG; values already present in the environment win.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := LoadFile(path); err != nil {
			return nil, err
		}
	}

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFile reads a flat YAML mapping of environment names to values and
// exports every key not already set in the environment.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for key, raw := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, yamlValue(raw)); err != nil {
			return fmt.Errorf("failed to export %s: %w", key, err)
		}
	}
	return nil
}

func yamlValue(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// Validate checks cross-field constraints that envconfig cannot express
func (c *Config) Validate() error {
	switch c.RealtimeProvider {
	case "soniox":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram provider")
		}
	default:
		return fmt.Errorf("REALTIME_PROVIDER must be 'soniox' or 'deepgram', got '%s'", c.RealtimeProvider)
	}

	switch c.BatchBackend {
	case "soniox":
	case "whisper":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the whisper backend")
		}
	default:
		return fmt.Errorf("BATCH_BACKEND must be 'soniox' or 'whisper', got '%s'", c.BatchBackend)
	}

	if c.AudioFormat != "pcm_s16le" && c.AudioFormat != "mulaw" {
		return fmt.Errorf("AUDIO_FORMAT must be 'pcm_s16le' or 'mulaw', got '%s'", c.AudioFormat)
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("SAMPLE_RATE must be between 8000 and 48000, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("CHANNELS must be 1 or 2, got %d", c.Channels)
	}
	if c.MixQuantum <= 0 || 1000%c.MixQuantum != 0 {
		return fmt.Errorf("MIX_QUANTUM_MS must divide 1000, got %d", c.MixQuantum)
	}
	if c.SampleRate*c.MixQuantum%1000 != 0 {
		return fmt.Errorf("MIX_QUANTUM_MS %d does not yield whole samples at %d Hz", c.MixQuantum, c.SampleRate)
	}
	if c.StallThreshold < c.MixQuantum {
		return fmt.Errorf("STALL_THRESHOLD_MS must be at least one quantum, got %d", c.StallThreshold)
	}
	if c.MixLatency < 0 {
		return fmt.Errorf("MIX_LATENCY_MS cannot be negative, got %d", c.MixLatency)
	}
	if c.RingCapacity < 1 {
		return fmt.Errorf("RING_CAPACITY must be at least 1, got %d", c.RingCapacity)
	}
	if c.SinkQueueSize < 1 {
		return fmt.Errorf("SINK_QUEUE_SIZE must be at least 1, got %d", c.SinkQueueSize)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS cannot be negative, got %d", c.ReconnectMaxAttempts)
	}
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be at least 1, got %d", c.PollMaxAttempts)
	}
	return nil
}

// RealtimeAPIKey returns the key for the configured realtime provider
func (c *Config) RealtimeAPIKey() string {
	if c.RealtimeProvider == "deepgram" {
		return c.DeepgramAPIKey
	}
	return c.SonioxAPIKey
}

// MixQuantumDuration returns the mixer clock tick as a time.Duration
func (c *Config) MixQuantumDuration() time.Duration {
	return time.Duration(c.MixQuantum) * time.Millisecond
}

// MixLatencyDuration returns how far the mixer trails capture
func (c *Config) MixLatencyDuration() time.Duration {
	return time.Duration(c.MixLatency) * time.Millisecond
}

// StallThresholdDuration returns the stall threshold as a time.Duration
func (c *Config) StallThresholdDuration() time.Duration {
	return time.Duration(c.StallThreshold) * time.Millisecond
}

// HardwareTimeoutDuration returns the device initialization bound
func (c *Config) HardwareTimeoutDuration() time.Duration {
	return time.Duration(c.HardwareTimeout) * time.Millisecond
}

// KeepaliveDuration returns the ping period
func (c *Config) KeepaliveDuration() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Second
}

// FinalizeTimeoutDuration returns the trailing-token wait after end-of-audio
func (c *Config) FinalizeTimeoutDuration() time.Duration {
	return time.Duration(c.FinalizeTimeout) * time.Millisecond
}

// PollIntervalDuration returns the batch status polling interval
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
