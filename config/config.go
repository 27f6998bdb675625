// Package config contains the registry configuration.
//
// The configuration is read from YAML or JSON:
//
//	repositories:
//	  - pattern: "team/**"
//	    store:
//	      type: remote
//	      url: registry.example.com
//	      subPath: modules
//	      credentials:
//	        username: robot
//	        password: secret
//	  - pattern: "*"
//	    store:
//	      type: ocilayout
//	      path: /var/lib/modules
//	index:
//	  type: ocilayout
//	  path: /var/lib/modules-index
//	locking:
//	  ttl: 5m
//	publish:
//	  wait: 10s
//	  concurrency: 4
//	pull:
//	  parallel: true
//	  concurrency: 8
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	"sigs.k8s.io/yaml"
)

// Store types.
const (
	StoreTypeMemory    = "memory"
	StoreTypeOCILayout = "ocilayout"
	StoreTypeRemote    = "remote"
)

// Duration wraps time.Duration to support JSON/YAML marshaling of human
// readable duration strings (e.g. "30s", "5m", "1h"). Numbers are read as
// nanoseconds.
type Duration time.Duration

func NewDuration(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Value returns the underlying time.Duration, 0 for a nil pointer.
func (d *Duration) Value() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("failed to parse duration: %w", err)
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: must be a duration like 30s, 5m, or nanoseconds number: %w", value, err)
		}
		*d = Duration(tmp)
		return nil
	default:
		return fmt.Errorf("duration must be a duration string or nanoseconds number, got %T", v)
	}
}

// Credentials of a remote store. Either Username and Password, or a Token
// are set.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Token is used as registry refresh token.
	Token string `json:"token,omitempty"`
}

// Store selects where artifacts or records are kept.
type Store struct {
	// Type is one of memory, ocilayout or remote.
	Type string `json:"type"`
	// Path of the OCI layout for ocilayout stores.
	Path string `json:"path,omitempty"`
	// URL of the registry for remote stores.
	URL string `json:"url,omitempty"`
	// SubPath below the registry host for remote stores.
	SubPath     string       `json:"subPath,omitempty"`
	PlainHTTP   bool         `json:"plainHTTP,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	// Timeout of requests to remote stores. Not set means no timeout.
	Timeout *Duration `json:"timeout,omitempty"`
}

// Repository routes modules matching Pattern to Store. Patterns use glob
// syntax with '/' as separator.
type Repository struct {
	Pattern string `json:"pattern"`
	Store   Store  `json:"store"`
}

type Locking struct {
	TTL *Duration `json:"ttl,omitempty"`
}

type Publish struct {
	Wait               *Duration `json:"wait,omitempty"`
	Concurrency        int       `json:"concurrency,omitempty"`
	VerifyDependencies bool      `json:"verifyDependencies,omitempty"`
}

type Pull struct {
	Parallel    bool `json:"parallel,omitempty"`
	Concurrency int  `json:"concurrency,omitempty"`
}

type Semaphore struct {
	PollInterval *Duration `json:"pollInterval,omitempty"`
}

type WaitFor struct {
	TickInterval *Duration `json:"tickInterval,omitempty"`
	MaxTicks     int       `json:"maxTicks,omitempty"`
}

// Config is the registry configuration.
type Config struct {
	Repositories []Repository `json:"repositories"`
	// Index is the store of the module database records.
	Index     Store     `json:"index"`
	Locking   Locking   `json:"locking,omitempty"`
	Publish   Publish   `json:"publish,omitempty"`
	Pull      Pull      `json:"pull,omitempty"`
	Semaphore Semaphore `json:"semaphore,omitempty"`
	WaitFor   WaitFor   `json:"waitFor,omitempty"`
}

// Default returns a configuration that keeps everything in memory.
func Default() *Config {
	return &Config{
		Repositories: []Repository{{Pattern: "**", Store: Store{Type: StoreTypeMemory}}},
		Index:        Store{Type: StoreTypeMemory},
		Locking:      Locking{TTL: NewDuration(5 * time.Minute)},
		Publish:      Publish{Wait: NewDuration(10 * time.Second), Concurrency: 4},
		Pull:         Pull{Concurrency: 8},
		Semaphore:    Semaphore{PollInterval: NewDuration(200 * time.Millisecond)},
		WaitFor:      WaitFor{TickInterval: NewDuration(100 * time.Millisecond), MaxTicks: 3000},
	}
}

// Parse reads a YAML or JSON configuration. Values that are not set keep
// their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = Merge(Default(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return cfg, nil
}

// Merge merges the configs into a new one. The last explicitly set value
// wins, repositories are replaced as a whole.
func Merge(configs ...*Config) *Config {
	merged := &Config{}
	for _, config := range configs {
		if config == nil {
			continue
		}
		if len(config.Repositories) > 0 {
			merged.Repositories = config.Repositories
		}
		if config.Index.Type != "" {
			merged.Index = config.Index
		}
		if config.Locking.TTL != nil {
			merged.Locking.TTL = config.Locking.TTL
		}
		if config.Publish.Wait != nil {
			merged.Publish.Wait = config.Publish.Wait
		}
		if config.Publish.Concurrency != 0 {
			merged.Publish.Concurrency = config.Publish.Concurrency
		}
		if config.Publish.VerifyDependencies {
			merged.Publish.VerifyDependencies = true
		}
		if config.Pull.Parallel {
			merged.Pull.Parallel = true
		}
		if config.Pull.Concurrency != 0 {
			merged.Pull.Concurrency = config.Pull.Concurrency
		}
		if config.Semaphore.PollInterval != nil {
			merged.Semaphore.PollInterval = config.Semaphore.PollInterval
		}
		if config.WaitFor.TickInterval != nil {
			merged.WaitFor.TickInterval = config.WaitFor.TickInterval
		}
		if config.WaitFor.MaxTicks != 0 {
			merged.WaitFor.MaxTicks = config.WaitFor.MaxTicks
		}
	}
	return merged
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("at least one repository must be configured"))
	}
	for i, repo := range c.Repositories {
		if _, err := glob.Compile(repo.Pattern, '/'); err != nil {
			errs = append(errs, fmt.Errorf("repositories[%d]: invalid pattern %q: %w", i, repo.Pattern, err))
		}
		if err := repo.Store.validate(); err != nil {
			errs = append(errs, fmt.Errorf("repositories[%d]: %w", i, err))
		}
	}
	if err := c.Index.validate(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	if c.Locking.TTL.Value() <= 0 {
		errs = append(errs, errors.New("locking.ttl must be positive"))
	}
	if c.Publish.Wait.Value() <= 0 {
		errs = append(errs, errors.New("publish.wait must be positive"))
	}
	if c.Publish.Concurrency < 0 || c.Pull.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency must not be negative"))
	}
	if c.Semaphore.PollInterval.Value() <= 0 {
		errs = append(errs, errors.New("semaphore.pollInterval must be positive"))
	}
	if c.WaitFor.TickInterval.Value() <= 0 || c.WaitFor.MaxTicks <= 0 {
		errs = append(errs, errors.New("waitFor.tickInterval and waitFor.maxTicks must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (s Store) validate() error {
	switch s.Type {
	case StoreTypeMemory:
		return nil
	case StoreTypeOCILayout:
		if s.Path == "" {
			return errors.New("ocilayout store requires a path")
		}
		return nil
	case StoreTypeRemote:
		if s.URL == "" {
			return errors.New("remote store requires a url")
		}
		return nil
	default:
		return fmt.Errorf("unknown store type %q", s.Type)
	}
}
