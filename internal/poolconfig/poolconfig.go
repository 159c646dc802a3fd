// Package poolconfig loads and saves the persistent workers-config
// document: pool-wide defaults plus the ordered list of worker entries
// described in spec.md §3/§6.
package poolconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultSSHTimeoutSecs    = 30
	defaultJobTimeoutSecs    = 300
	defaultRetryAttempts     = 3
	defaultMaxConcurrentJobs = 1
	defaultPort              = 22
	defaultPriority          = 1
)

// Defaults holds the pool-wide settings applied to every worker unless
// overridden.
type Defaults struct {
	SSHTimeoutSecs    uint64 `toml:"ssh_timeout_secs"`
	JobTimeoutSecs    uint64 `toml:"job_timeout_secs"`
	RetryAttempts     uint32 `toml:"retry_attempts"`
	MaxConcurrentJobs uint32 `toml:"max_concurrent_jobs"`
}

// DefaultDefaults returns the documented pool defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		SSHTimeoutSecs:    defaultSSHTimeoutSecs,
		JobTimeoutSecs:    defaultJobTimeoutSecs,
		RetryAttempts:     defaultRetryAttempts,
		MaxConcurrentJobs: defaultMaxConcurrentJobs,
	}
}

// Worker is one configured worker endpoint.
type Worker struct {
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	User     string `toml:"user"`
	Port     uint16 `toml:"port"`
	SSHKey   string `toml:"ssh_key,omitempty"`
	Priority uint32 `toml:"priority"`

	// Per-worker overrides of pool defaults. Zero value means "unset".
	SSHTimeoutSecs    uint64 `toml:"ssh_timeout_secs,omitempty"`
	JobTimeoutSecs    uint64 `toml:"job_timeout_secs,omitempty"`
	MaxConcurrentJobs uint32 `toml:"max_concurrent_jobs,omitempty"`
}

// NewWorker builds a worker entry with documented defaults applied.
func NewWorker(name, host, user string) Worker {
	return Worker{
		Name:     name,
		Host:     host,
		User:     user,
		Port:     defaultPort,
		Priority: defaultPriority,
	}
}

// EffectiveSSHTimeoutSecs returns the worker's SSH timeout override, or
// the pool default.
func (w Worker) EffectiveSSHTimeoutSecs(d Defaults) uint64 {
	if w.SSHTimeoutSecs != 0 {
		return w.SSHTimeoutSecs
	}
	return d.SSHTimeoutSecs
}

// EffectiveJobTimeoutSecs returns the worker's job timeout override, or
// the pool default.
func (w Worker) EffectiveJobTimeoutSecs(d Defaults) uint64 {
	if w.JobTimeoutSecs != 0 {
		return w.JobTimeoutSecs
	}
	return d.JobTimeoutSecs
}

// EffectiveMaxConcurrentJobs returns the worker's concurrency override,
// or the pool default.
func (w Worker) EffectiveMaxConcurrentJobs(d Defaults) uint32 {
	if w.MaxConcurrentJobs != 0 {
		return w.MaxConcurrentJobs
	}
	return d.MaxConcurrentJobs
}

// ExpandedSSHKey expands a leading "~/" in the configured identity file
// path against the user's home directory.
func (w Worker) ExpandedSSHKey() string {
	if w.SSHKey == "" {
		return ""
	}
	if strings.HasPrefix(w.SSHKey, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return w.SSHKey
		}
		return filepath.Join(home, w.SSHKey[2:])
	}
	return w.SSHKey
}

// Target returns the "user@host" SSH connection string.
func (w Worker) Target() string {
	return fmt.Sprintf("%s@%s", w.User, w.Host)
}

// Config is the full workers-config document.
type Config struct {
	Defaults Defaults `toml:"defaults"`
	Workers  []Worker `toml:"workers"`
}

// Default returns an empty configuration with documented pool defaults.
func Default() Config {
	return Config{Defaults: DefaultDefaults()}
}

// Path returns the default location of the workers-config file, under
// the user's config directory.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "gena", "workers.toml")
}

// Load reads the workers-config document from its default location. A
// missing file is not an error — it yields Default().
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the workers-config document from an explicit path.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("poolconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("poolconfig: parse %s: %w", path, err)
	}
	applyDefaultsZeroValues(&cfg)
	return cfg, nil
}

// applyDefaultsZeroValues fills in documented defaults for any
// pool-level fields the TOML document left unset (zero value), since
// go-toml/v2 has no struct-tag default mechanism.
func applyDefaultsZeroValues(cfg *Config) {
	d := DefaultDefaults()
	if cfg.Defaults.SSHTimeoutSecs == 0 {
		cfg.Defaults.SSHTimeoutSecs = d.SSHTimeoutSecs
	}
	if cfg.Defaults.JobTimeoutSecs == 0 {
		cfg.Defaults.JobTimeoutSecs = d.JobTimeoutSecs
	}
	if cfg.Defaults.RetryAttempts == 0 {
		cfg.Defaults.RetryAttempts = d.RetryAttempts
	}
	if cfg.Defaults.MaxConcurrentJobs == 0 {
		cfg.Defaults.MaxConcurrentJobs = d.MaxConcurrentJobs
	}
	for i := range cfg.Workers {
		if cfg.Workers[i].Port == 0 {
			cfg.Workers[i].Port = defaultPort
		}
		if cfg.Workers[i].Priority == 0 {
			cfg.Workers[i].Priority = defaultPriority
		}
	}
}

// Save writes the workers-config document to its default location.
func (c Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes the workers-config document to an explicit path,
// creating parent directories as needed.
func (c Config) SaveTo(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("poolconfig: create %s: %w", dir, err)
		}
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("poolconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("poolconfig: write %s: %w", path, err)
	}
	return nil
}

// Get returns the worker with the given name, if configured.
func (c Config) Get(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

// Subset returns the configured workers matching the given names, in
// the order the names were given. Unknown names are silently skipped.
func (c Config) Subset(names []string) []Worker {
	out := make([]Worker, 0, len(names))
	for _, name := range names {
		if w, ok := c.Get(name); ok {
			out = append(out, w)
		}
	}
	return out
}

// Add inserts or replaces a worker by name.
func (c *Config) Add(w Worker) {
	for i := range c.Workers {
		if c.Workers[i].Name == w.Name {
			c.Workers[i] = w
			return
		}
	}
	c.Workers = append(c.Workers, w)
}

// Remove deletes a worker by name, reporting whether it existed.
func (c *Config) Remove(name string) bool {
	for i := range c.Workers {
		if c.Workers[i].Name == name {
			c.Workers = append(c.Workers[:i], c.Workers[i+1:]...)
			return true
		}
	}
	return false
}
