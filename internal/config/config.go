package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the relay. Values come from an optional YAML
// file (RELAY_CONFIG_FILE) and are then overridden by the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	AWS        AWSConfig        `yaml:"aws"`
	Recording  RecordingConfig  `yaml:"recording"`
	Events     EventsConfig     `yaml:"events"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Audio      AudioConfig      `yaml:"audio"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Failure    FailureConfig    `yaml:"failure"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
	WSPath      string `yaml:"ws_path"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
}

type RecordingConfig struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	TempDir         string        `yaml:"temp_dir"`
	DefaultEnabled  bool          `yaml:"default_enabled"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

type EventsConfig struct {
	StreamName string `yaml:"stream_name"`
}

type TranscribeConfig struct {
	Enabled      bool   `yaml:"enabled"`
	LanguageCode string `yaml:"language_code"`
	// SendTimeout bounds one audio block send. A stream that misses it is
	// abandoned for the rest of the call; recording continues.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

type AudioConfig struct {
	ChunkMs           int `yaml:"chunk_ms"`
	MaxBufferedChunks int `yaml:"max_buffered_chunks"`
}

type HealthConfig struct {
	CPUThreshold float64       `yaml:"cpu_threshold"`
	LogInterval  time.Duration `yaml:"log_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type AuthConfig struct {
	Issuer   string `yaml:"issuer"`
	JWKSURL  string `yaml:"jwks_url"`
	ClientID string `yaml:"client_id"`
	DevToken string `yaml:"dev_token"`
}

type FailureConfig struct {
	FailFast bool `yaml:"fail_fast"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	PongWait        time.Duration `yaml:"pong_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"`
}

// ListenAddr is the host:port the public server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsAddr: ":9091",
			WSPath:      "/api/v1/ws",
		},
		AWS: AWSConfig{Region: "us-east-1"},
		Recording: RecordingConfig{
			Prefix:          "lma-audio-recordings/",
			TempDir:         os.TempDir(),
			FinalizeTimeout: 60 * time.Second,
		},
		Transcribe: TranscribeConfig{Enabled: true, LanguageCode: "en-US", SendTimeout: 5 * time.Second},
		Audio:      AudioConfig{ChunkMs: 200, MaxBufferedChunks: 64},
		Health:     HealthConfig{CPUThreshold: 50, LogInterval: 120 * time.Second},
		Log:        LogConfig{Level: "info"},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			MaxMessageBytes: 1 << 20,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
		},
	}
}

// Load builds the configuration from RELAY_CONFIG_FILE (if set) and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.MetricsAddr = getEnv("METRICS_ADDR", c.Server.MetricsAddr)
	c.Server.WSPath = getEnv("WS_PATH", c.Server.WSPath)
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.Recording.Bucket = getEnv("RECORDINGS_BUCKET_NAME", c.Recording.Bucket)
	c.Recording.Prefix = getEnv("RECORDING_FILE_PREFIX", c.Recording.Prefix)
	c.Recording.TempDir = getEnv("LOCAL_TEMP_DIR", c.Recording.TempDir)
	c.Events.StreamName = getEnv("CALL_EVENTS_STREAM_NAME", c.Events.StreamName)
	c.Transcribe.LanguageCode = getEnv("TRANSCRIBE_LANGUAGE_CODE", c.Transcribe.LanguageCode)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Auth.Issuer = getEnv("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.JWKSURL = getEnv("AUTH_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.ClientID = getEnv("AUTH_CLIENT_ID", c.Auth.ClientID)
	c.Auth.DevToken = getEnv("AUTH_DEV_TOKEN", c.Auth.DevToken)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envInt("SERVER_PORT", &c.Server.Port))
	collect(envInt("CHUNK_MS", &c.Audio.ChunkMs))
	collect(envInt("MAX_BUFFERED_CHUNKS", &c.Audio.MaxBufferedChunks))
	collect(envFloat("CPU_HEALTH_THRESHOLD", &c.Health.CPUThreshold))
	collect(envDuration("HEALTH_LOG_INTERVAL", &c.Health.LogInterval))
	collect(envDuration("FINALIZE_TIMEOUT", &c.Recording.FinalizeTimeout))
	collect(envBool("SHOULD_RECORD_CALL", &c.Recording.DefaultEnabled))
	collect(envBool("TRANSCRIBE_ENABLED", &c.Transcribe.Enabled))
	collect(envDuration("TRANSCRIBE_SEND_TIMEOUT", &c.Transcribe.SendTimeout))
	collect(envBool("FAIL_FAST", &c.Failure.FailFast))
	return errors.Join(errs...)
}

// Validate reports the first set of settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port out of range: %d", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws path must start with /: %q", c.Server.WSPath))
	}
	if c.Health.CPUThreshold <= 0 {
		errs = append(errs, fmt.Errorf("cpu health threshold must be positive"))
	}
	if c.Audio.ChunkMs <= 0 {
		errs = append(errs, fmt.Errorf("chunk ms must be positive"))
	}
	if c.Audio.MaxBufferedChunks <= 0 {
		errs = append(errs, fmt.Errorf("max buffered chunks must be positive"))
	}
	if c.Transcribe.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transcribe send timeout must be positive"))
	}
	if c.Auth.Issuer == "" && c.Auth.DevToken == "" {
		errs = append(errs, fmt.Errorf("auth: set AUTH_ISSUER or AUTH_DEV_TOKEN"))
	}
	if c.Auth.Issuer != "" {
		if err := validateEndpoint("auth issuer", c.Auth.Issuer); err != nil {
			errs = append(errs, err)
		}
		if err := validateEndpoint("auth jwks url", c.JWKSEndpoint()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JWKSEndpoint returns the configured key set URL, derived from the issuer
// when not set explicitly.
func (c *Config) JWKSEndpoint() string {
	if c.Auth.JWKSURL != "" {
		return c.Auth.JWKSURL
	}
	if c.Auth.Issuer == "" {
		return ""
	}
	return strings.TrimSuffix(c.Auth.Issuer, "/") + "/.well-known/jwks.json"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
