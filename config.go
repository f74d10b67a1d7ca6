package agentrun

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the engine runtime.
type Config struct {
	// Agent holds the default per-task execution knobs, used when a task
	// carries no persisted config of its own.
	Agent AgentConfig `yaml:"agent"`

	// Queue configuration.
	QueueURL       string        `yaml:"queue_url"`
	QueueStream    string        `yaml:"queue_stream"`
	QueueGroup     string        `yaml:"queue_group"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Worker configuration.
	Concurrency int           `yaml:"concurrency"`
	RateLimit   int           `yaml:"rate_limit"`
	RateWindow  time.Duration `yaml:"rate_window"`

	// Event bus configuration.
	EventBufferSize  int `yaml:"event_buffer_size"`
	EventWorkerCount int `yaml:"event_worker_count"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Agent:            *DefaultAgentConfig(),
		QueueURL:         "redis://localhost:6379/0",
		QueueStream:      "agentrun:tasks",
		QueueGroup:       "agentrun-workers",
		ConnectTimeout:   5 * time.Second,
		Concurrency:      5,
		RateLimit:        10,
		RateWindow:       time.Minute,
		EventBufferSize:  100,
		EventWorkerCount: 5,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to open config file %s", path), err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return cfg, nil
}
