package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"wikimetrics/internal/logger"
	"wikimetrics/internal/results"
	"wikimetrics/internal/scheduler"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config models wikimetrics.yml.
type Config struct {
	Queue     Queue              `yaml:"queue"`
	Scheduler Scheduler          `yaml:"scheduler"`
	Results   Results            `yaml:"results"`
	Logging   logger.Config      `yaml:"logging"`
	Projects  map[string]Project `yaml:"projects"`
}

type Queue struct {
	// Workers run metric jobs.
	Workers int `yaml:"workers"`
	// TaskWorkers run reports and cohort validations.
	TaskWorkers   int           `yaml:"task_workers"`
	QueueSize     int           `yaml:"queue_size"`
	ResultTimeout time.Duration `yaml:"result_timeout"`
	Retention     time.Duration `yaml:"retention"`

	MaxParallelPerRun              int    `yaml:"max_parallel_per_run"`
	MaxInstancesPerRecurrentReport int    `yaml:"max_instances_per_recurrent_report"`
	CatchUpOrder                   string `yaml:"catch_up_order"`
}

type Scheduler struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

type Results struct {
	Backend string              `yaml:"backend"`
	Redis   results.RedisConfig `yaml:"redis"`
}

// Project points at the replica database of one wiki.
type Project struct {
	Database string `yaml:"database"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	q := c.Queue
	if q.Workers < 1 {
		return fmt.Errorf("config.queue.workers must be at least 1")
	}
	if q.TaskWorkers < 1 {
		return fmt.Errorf("config.queue.task_workers must be at least 1")
	}
	if q.QueueSize < 1 {
		return fmt.Errorf("config.queue.queue_size must be at least 1")
	}
	if q.ResultTimeout < 0 {
		return fmt.Errorf("config.queue.result_timeout must not be negative")
	}
	if q.Retention < 0 {
		return fmt.Errorf("config.queue.retention must not be negative")
	}
	if q.Retention > 0 && q.Retention < q.ResultTimeout {
		return fmt.Errorf("config.queue.retention (%s) must be at least config.queue.result_timeout (%s)", q.Retention, q.ResultTimeout)
	}
	if q.MaxParallelPerRun < 1 {
		return fmt.Errorf("config.queue.max_parallel_per_run must be at least 1")
	}
	if q.MaxInstancesPerRecurrentReport < 1 {
		return fmt.Errorf("config.queue.max_instances_per_recurrent_report must be at least 1")
	}
	if _, err := scheduler.ParseOrder(q.CatchUpOrder); err != nil {
		return fmt.Errorf("config.queue.catch_up_order: %w", err)
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("config.scheduler.cron: %w", err)
		}
	}
	switch c.Results.Backend {
	case BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Results.Redis.Address) == "" {
			return fmt.Errorf("config.results.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.results.backend must be %q or %q", BackendSQLite, BackendRedis)
	}
	for name, p := range c.Projects {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.projects contains an empty project name")
		}
		if strings.TrimSpace(p.Database) == "" {
			return fmt.Errorf("project %s has no database", name)
		}
	}
	return nil
}

// ProjectPaths resolves project databases, relative paths against workspace.
func (c *Config) ProjectPaths(workspace string) map[string]string {
	paths := make(map[string]string, len(c.Projects))
	for name, p := range c.Projects {
		path := p.Database
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		paths[name] = path
	}
	return paths
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wikimetrics.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// keep their default value.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `queue:
  workers: 8
  task_workers: 4
  queue_size: 1024
  result_timeout: 1h
  retention: 24h
  max_parallel_per_run: 4
  max_instances_per_recurrent_report: 10
  catch_up_order: oldest_first

scheduler:
  enabled: true
  cron: "*/15 * * * *"

results:
  backend: sqlite
  redis:
    address: localhost:6379
    db: 0

logging:
  level: info
  development: false

# Each project maps to the replica database holding its user and revision tables.
# projects:
#   enwiki:
#     database: replicas/enwiki.db
projects: {}
`
