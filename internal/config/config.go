// Package config loads the service configuration from an optional YAML
// file with environment variable overrides. Every setting has a
// default, so a bare `keel` with no file and no environment starts an
// in-memory instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage driver names.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the top-level service configuration.
type Config struct {
	HTTP    HTTP    `yaml:"http"`
	Storage Storage `yaml:"storage"`
	Monitor Monitor `yaml:"monitor"`
	Queue   Queue   `yaml:"queue"`
}

// HTTP configures the API server.
type HTTP struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds how long in-flight requests get to finish
	// once the process is asked to stop.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Storage configures the lifecycle event store.
type Storage struct {
	// Driver selects the backend: memory, sqlite or postgres.
	Driver string `yaml:"driver"`

	// DSN is the PostgreSQL connection string. Used by the postgres driver.
	DSN string `yaml:"dsn"`

	// Path is the database file path. Used by the sqlite driver.
	Path string `yaml:"path"`

	// SaveConcurrency caps parallel writes when saving event batches.
	// Zero uses the tracker default.
	SaveConcurrency int `yaml:"save_concurrency"`
}

// Monitor configures stale stage detection.
type Monitor struct {
	// StalenessThreshold is how long a watched stage may go without a
	// status report before a re-monitoring signal is raised.
	StalenessThreshold Duration `yaml:"staleness_threshold"`
}

// Queue configures durable re-monitoring signals via River.
// Requires the postgres storage driver, since the queue shares its pool.
type Queue struct {
	// Enabled turns the queue on. When off, stale stages are only logged.
	Enabled bool `yaml:"enabled"`

	// Name is the River queue jobs are published to and drained from.
	Name string `yaml:"name"`

	// Workers is the number of goroutines draining re-monitoring jobs.
	// Zero picks a default based on the CPU count.
	Workers int `yaml:"workers"`

	// ResumeURL is a webhook invoked for each re-monitoring signal.
	// When empty, signals drained from the queue are only logged.
	ResumeURL string `yaml:"resume_url"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: Storage{
			Driver: DriverMemory,
			Path:   "keel.db",
		},
		Monitor: Monitor{
			StalenessThreshold: Duration(10 * time.Minute),
		},
		Queue: Queue{
			Name: "default",
		},
	}
}

// Load reads configuration from path and applies environment
// overrides. An empty path skips the file and loads defaults plus
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Queue.Enabled && c.Storage.Driver != DriverPostgres {
		return errors.New("config: queue.enabled requires the postgres storage driver")
	}

	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr must not be empty")
	}

	return nil
}

// applyEnv overrides fields from KEEL_* environment variables.
func (c *Config) applyEnv() error {
	c.HTTP.Addr = envString("KEEL_HTTP_ADDR", c.HTTP.Addr)
	c.Storage.Driver = envString("KEEL_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = envString("KEEL_STORAGE_DSN", c.Storage.DSN)
	c.Storage.Path = envString("KEEL_STORAGE_PATH", c.Storage.Path)
	c.Queue.Name = envString("KEEL_QUEUE_NAME", c.Queue.Name)
	c.Queue.ResumeURL = envString("KEEL_QUEUE_RESUME_URL", c.Queue.ResumeURL)

	var err error
	if c.HTTP.ShutdownTimeout, err = envDuration("KEEL_HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout); err != nil {
		return err
	}
	if c.Monitor.StalenessThreshold, err = envDuration("KEEL_MONITOR_STALENESS_THRESHOLD", c.Monitor.StalenessThreshold); err != nil {
		return err
	}
	if c.Storage.SaveConcurrency, err = envInt("KEEL_STORAGE_SAVE_CONCURRENCY", c.Storage.SaveConcurrency); err != nil {
		return err
	}
	if c.Queue.Workers, err = envInt("KEEL_QUEUE_WORKERS", c.Queue.Workers); err != nil {
		return err
	}
	if c.Queue.Enabled, err = envBool("KEEL_QUEUE_ENABLED", c.Queue.Enabled); err != nil {
		return err
	}

	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def Duration) (Duration, error) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config: parse %s: %w", key, err)
		}
		return Duration(d), nil
	}
	return def, nil
}

func envInt(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("config: parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

func envBool(key string, def bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("config: parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

// Duration is a time.Duration that unmarshals from YAML strings such
// as "10m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
