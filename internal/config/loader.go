package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for one service process.
// Zero values mean "unspecified" and are replaced by WithDefaults.
// The value is built once at startup and never mutated afterwards.
type Config struct {
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
	Service string `json:"service" yaml:"service" toml:"service"`
	// Model selects the model variant or size, e.g. "base" or "small".
	Model string `json:"model" yaml:"model" toml:"model"`
	// Device is the accelerator preference: auto, cuda or cpu.
	Device    string `json:"device" yaml:"device" toml:"device"`
	OutputDir string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`

	Python             string `json:"python" yaml:"python" toml:"python"`
	WorkerScript       string `json:"worker_script" yaml:"worker_script" toml:"worker_script"`
	WorkerReadySeconds int    `json:"worker_ready_timeout_seconds" yaml:"worker_ready_timeout_seconds" toml:"worker_ready_timeout_seconds"`
	WorkerPortStart    int    `json:"worker_port_start" yaml:"worker_port_start" toml:"worker_port_start"`
	WorkerPortEnd      int    `json:"worker_port_end" yaml:"worker_port_end" toml:"worker_port_end"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds" toml:"tool_timeout_seconds"`
	SpeakersDir        string `json:"speakers_dir" yaml:"speakers_dir" toml:"speakers_dir"`
	MaxUploadMB        int    `json:"max_upload_mb" yaml:"max_upload_mb" toml:"max_upload_mb"`
	LogLevel           string `json:"log_level" yaml:"log_level" toml:"log_level"`

	CORS   CORS   `json:"cors" yaml:"cors" toml:"cors"`
	Redis  Redis  `json:"redis" yaml:"redis" toml:"redis"`
	NATS   NATS   `json:"nats" yaml:"nats" toml:"nats"`
	Consul Consul `json:"consul" yaml:"consul" toml:"consul"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
}

// Redis enables the structured result cache when Addr is set.
type Redis struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	Password   string `json:"password" yaml:"password" toml:"password"`
	DB         int    `json:"db" yaml:"db" toml:"db"`
	Prefix     string `json:"prefix" yaml:"prefix" toml:"prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
}

// NATS enables the artifact sink when URL is set.
type NATS struct {
	URL    string `json:"url" yaml:"url" toml:"url"`
	Bucket string `json:"bucket" yaml:"bucket" toml:"bucket"`
}

// Consul enables service registration when Addr is set.
type Consul struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	ServiceAddress string   `json:"service_address" yaml:"service_address" toml:"service_address"`
	Tags           []string `json:"tags" yaml:"tags" toml:"tags"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FromEnv overlays environment variables onto cfg. MEDIAGW_* names take
// precedence over the per-service names the images historically used.
func FromEnv(cfg Config, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(dst *string, names ...string) {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []string
	num := func(dst *int, name string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", name, v))
				return
			}
			*dst = n
		}
	}

	str(&cfg.Addr, "MEDIAGW_ADDR")
	str(&cfg.Model, "MEDIAGW_MODEL", "MODEL_SIZE", "WHISPER_MODEL", "TTS_MODEL")
	str(&cfg.Device, "MEDIAGW_DEVICE")
	str(&cfg.OutputDir, "MEDIAGW_OUTPUT_DIR")
	str(&cfg.Python, "MEDIAGW_PYTHON")
	str(&cfg.WorkerScript, "MEDIAGW_WORKER_SCRIPT")
	str(&cfg.SpeakersDir, "MEDIAGW_SPEAKERS_DIR")
	str(&cfg.LogLevel, "MEDIAGW_LOG_LEVEL")
	str(&cfg.Redis.Addr, "MEDIAGW_REDIS_ADDR")
	str(&cfg.Redis.Password, "MEDIAGW_REDIS_PASSWORD")
	str(&cfg.NATS.URL, "MEDIAGW_NATS_URL")
	str(&cfg.NATS.Bucket, "MEDIAGW_NATS_BUCKET")
	str(&cfg.Consul.Addr, "MEDIAGW_CONSUL_ADDR")
	num(&cfg.WorkerReadySeconds, "MEDIAGW_WORKER_READY_TIMEOUT_SECONDS")
	num(&cfg.ToolTimeoutSeconds, "MEDIAGW_TOOL_TIMEOUT_SECONDS")
	num(&cfg.MaxUploadMB, "MEDIAGW_MAX_UPLOAD_MB")
	if len(errs) > 0 {
		return cfg, fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Defaults are the per-service fallbacks applied by WithDefaults.
type Defaults struct {
	Port  int
	Model string
}

// WithDefaults returns a copy of cfg with unset fields filled in.
func (c Config) WithDefaults(d Defaults) Config {
	if c.Addr == "" && d.Port > 0 {
		c.Addr = ":" + strconv.Itoa(d.Port)
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Device == "" {
		c.Device = "auto"
	}
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(os.TempDir(), "mediagw", c.Service)
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.WorkerReadySeconds <= 0 {
		c.WorkerReadySeconds = 300
	}
	if c.SpeakersDir == "" {
		c.SpeakersDir = "/app/speakers"
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 512
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "mediagw:"
	}
	if c.Redis.TTLSeconds <= 0 {
		c.Redis.TTLSeconds = 3600
	}
	if c.NATS.Bucket == "" {
		c.NATS.Bucket = "mediagw-artifacts"
	}
	return c
}

// Validate rejects values no service can run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Device) {
	case "", "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("device must be auto, cuda or cpu, got %q", c.Device)
	}
	if c.WorkerPortStart < 0 || c.WorkerPortEnd < 0 || (c.WorkerPortStart > 0 && c.WorkerPortEnd < c.WorkerPortStart) {
		return fmt.Errorf("invalid worker port range %d-%d", c.WorkerPortStart, c.WorkerPortEnd)
	}
	if c.ToolTimeoutSeconds < 0 {
		return fmt.Errorf("tool_timeout_seconds must not be negative")
	}
	return nil
}

// WorkerReadyTimeout returns the worker readiness deadline.
func (c Config) WorkerReadyTimeout() time.Duration {
	return time.Duration(c.WorkerReadySeconds) * time.Second
}

// ToolTimeout returns the per-run tool bound; zero means none.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the request body limit.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}
