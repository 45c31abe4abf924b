package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalid wraps every validation failure; callers treat it as a
// configuration error and never retry.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Vendor selects the batch backend: "behavioral_signals" or "hume".
	// Streaming always uses Behavioral Signals.
	Vendor string `env:"VENDOR" envDefault:"behavioral_signals"`

	APIURL    string `env:"BS_API_URL" envDefault:"https://api.behavioralsignals.com"`
	ClientID  string `env:"BS_CLIENT_ID"`
	APIKey    string `env:"BS_API_KEY"`
	StreamURL string `env:"BS_STREAM_URL" envDefault:"wss://streaming.behavioralsignals.com/stream"`

	RequestTimeout time.Duration `env:"BS_REQUEST_TIMEOUT" envDefault:"30s"`
	UploadTimeout  time.Duration `env:"BS_UPLOAD_TIMEOUT" envDefault:"120s"`
	Embeddings     bool          `env:"BS_EMBEDDINGS" envDefault:"false"`

	HumeAPIURL string `env:"HUME_API_URL" envDefault:"https://api.hume.ai/v0"`
	HumeAPIKey string `env:"HUME_API_KEY"`

	JobStore    string `env:"JOB_STORE" envDefault:"file"` // "file" or "postgres"
	JobDir      string `env:"JOB_DIR" envDefault:"./data/jobs"`
	DatabaseURL string `env:"DATABASE_URL"`

	ResultDir string `env:"RESULT_DIR" envDefault:"./data/results"`
	ChunkDir  string `env:"CHUNK_DIR" envDefault:"./data/chunks"`
	ReportDir string `env:"REPORT_DIR" envDefault:"./data/reports"`
	InboxDir  string `env:"INBOX_DIR" envDefault:"./data/inbox"`

	S3 S3Config `envPrefix:"S3_"`

	Chunk  ChunkConfig
	Poll   PollConfig
	Submit SubmitConfig
	Stream StreamConfig
	Watch  WatchConfig
	MQTT   MQTTConfig

	Concurrency  int    `env:"CONCURRENCY" envDefault:"4"`
	CancelPolicy string `env:"CANCEL_POLICY" envDefault:"drain"` // "drain" or "abandon"
	MaxReplans   int    `env:"MAX_REPLANS" envDefault:"2"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// ChunkConfig bounds the duration of each submitted slice.
type ChunkConfig struct {
	Max time.Duration `env:"CHUNK_MAX" envDefault:"10m"`
	Min time.Duration `env:"CHUNK_MIN" envDefault:"30s"`
}

type PollConfig struct {
	Interval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MaxWait     time.Duration `env:"POLL_MAX_WAIT" envDefault:"10m"`
	RetryBudget int           `env:"POLL_RETRY_BUDGET" envDefault:"3"`
}

type SubmitConfig struct {
	MaxAttempts int           `env:"SUBMIT_MAX_ATTEMPTS" envDefault:"3"`
	Backoff     time.Duration `env:"SUBMIT_BACKOFF" envDefault:"5s"`
	MaxBackoff  time.Duration `env:"SUBMIT_MAX_BACKOFF" envDefault:"30s"`
}

type StreamConfig struct {
	SampleRate    int           `env:"STREAM_SAMPLE_RATE" envDefault:"16000"`
	Encoding      string        `env:"STREAM_ENCODING" envDefault:"LINEAR16"`
	Level         string        `env:"STREAM_LEVEL" envDefault:"both"`
	FrameDuration time.Duration `env:"STREAM_FRAME_DURATION" envDefault:"100ms"`
	MinFrame      time.Duration `env:"STREAM_MIN_FRAME" envDefault:"20ms"`
	MaxFrame      time.Duration `env:"STREAM_MAX_FRAME" envDefault:"500ms"`
	DrainTimeout  time.Duration `env:"STREAM_DRAIN_TIMEOUT" envDefault:"30s"`
	Realtime      bool          `env:"STREAM_REALTIME" envDefault:"true"`
}

// WatchConfig controls the inbox watcher.
type WatchConfig struct {
	Workers  int           `env:"WATCH_WORKERS" envDefault:"1"`
	Debounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`
}

type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"speechrun"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"speechrun"`
}

// S3Config enables S3 backup of result documents when Bucket is set.
type S3Config struct {
	Bucket     string `env:"BUCKET"`
	Region     string `env:"REGION" envDefault:"us-east-1"`
	Endpoint   string `env:"ENDPOINT"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	Prefix     string `env:"PREFIX"`
	LocalCache bool   `env:"LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	Vendor       string
	HTTPAddr     string
	LogLevel     string
	DatabaseURL  string
	JobStore     string
	ResultDir    string
	Concurrency  int
	CancelPolicy string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.Vendor != "" {
		cfg.Vendor = overrides.Vendor
	}
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.JobStore != "" {
		cfg.JobStore = overrides.JobStore
	}
	if overrides.ResultDir != "" {
		cfg.ResultDir = overrides.ResultDir
	}
	if overrides.Concurrency > 0 {
		cfg.Concurrency = overrides.Concurrency
	}
	if overrides.CancelPolicy != "" {
		cfg.CancelPolicy = overrides.CancelPolicy
	}

	return cfg, nil
}

// Validate checks policy values. Credentials are checked separately by
// RequireCredentials because the status server runs without them.
func (c *Config) Validate() error {
	var errs []string
	if c.Chunk.Min <= 0 || c.Chunk.Max <= 0 {
		errs = append(errs, "CHUNK_MIN and CHUNK_MAX must be positive")
	} else if c.Chunk.Min > c.Chunk.Max {
		errs = append(errs, fmt.Sprintf("CHUNK_MIN (%s) exceeds CHUNK_MAX (%s)", c.Chunk.Min, c.Chunk.Max))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	if c.Poll.MaxWait <= 0 {
		errs = append(errs, "POLL_MAX_WAIT must be positive")
	}
	if c.Poll.RetryBudget < 0 {
		errs = append(errs, "POLL_RETRY_BUDGET must not be negative")
	}
	if c.Submit.MaxAttempts < 1 {
		errs = append(errs, "SUBMIT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Concurrency < 1 {
		errs = append(errs, "CONCURRENCY must be at least 1")
	}
	if c.Watch.Workers < 1 {
		errs = append(errs, "WATCH_WORKERS must be at least 1")
	}
	if c.MaxReplans < 0 {
		errs = append(errs, "MAX_REPLANS must not be negative")
	}
	switch c.Vendor {
	case "behavioral_signals", "hume":
	default:
		errs = append(errs, fmt.Sprintf("VENDOR %q must be behavioral_signals or hume", c.Vendor))
	}
	switch c.CancelPolicy {
	case "drain", "abandon":
	default:
		errs = append(errs, fmt.Sprintf("CANCEL_POLICY %q must be drain or abandon", c.CancelPolicy))
	}
	switch c.JobStore {
	case "file":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("JOB_STORE %q must be file or postgres", c.JobStore))
	}
	switch c.Stream.Level {
	case "segment", "utterance", "both":
	default:
		errs = append(errs, fmt.Sprintf("STREAM_LEVEL %q must be segment, utterance or both", c.Stream.Level))
	}
	if c.Stream.MinFrame > c.Stream.MaxFrame {
		errs = append(errs, "STREAM_MIN_FRAME exceeds STREAM_MAX_FRAME")
	}
	switch c.Stream.Encoding {
	case "LINEAR16", "MULAW", "ALAW":
	default:
		errs = append(errs, fmt.Sprintf("STREAM_ENCODING %q must be LINEAR16, MULAW or ALAW", c.Stream.Encoding))
	}
	if c.Stream.SampleRate <= 0 {
		errs = append(errs, "STREAM_SAMPLE_RATE must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// RequireCredentials checks the account settings of the selected batch
// vendor.
func (c *Config) RequireCredentials() error {
	if c.Vendor == "hume" {
		if c.HumeAPIKey == "" {
			return fmt.Errorf("%w: HUME_API_KEY is required when VENDOR=hume", ErrInvalid)
		}
		return nil
	}
	return c.RequireStreamCredentials()
}

// RequireStreamCredentials checks the Behavioral Signals account used by
// the streaming API, whatever the batch vendor.
func (c *Config) RequireStreamCredentials() error {
	if c.ClientID == "" || c.APIKey == "" {
		return fmt.Errorf("%w: BS_CLIENT_ID and BS_API_KEY are required", ErrInvalid)
	}
	return nil
}
