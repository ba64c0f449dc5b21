// Package partition builds guests, their interrupt controllers and the
// doorbells between them from a YAML description.
package partition

import (
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/vpic/internal/vpic"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// ConfigVersion is the configuration format this package reads. Files
// with the same major version are accepted.
const ConfigVersion = "v1.0.0"

// ErrConfig wraps every configuration problem found by Parse or Build.
var ErrConfig = errors.New("partition: configuration error")

// Config describes a whole system.
type Config struct {
	Version   string           `yaml:"version"`
	Guests    []GuestConfig    `yaml:"guests"`
	Doorbells []DoorbellConfig `yaml:"doorbells,omitempty"`
}

// GuestConfig describes one partition.
type GuestConfig struct {
	Name    string         `yaml:"name"`
	VCPUs   int            `yaml:"vcpus,omitempty"`
	Sources []SourceConfig `yaml:"sources,omitempty"`
}

// SourceConfig describes an interrupt source owned by a guest. A source
// with an IRQ shadows that physical line; otherwise it is a software
// source delivered to VCPU.
type SourceConfig struct {
	Name     string  `yaml:"name"`
	IRQ      *uint32 `yaml:"irq,omitempty"`
	VCPU     uint32  `yaml:"vcpu,omitempty"`
	Priority uint8   `yaml:"priority,omitempty"`
	Vector   uint16  `yaml:"vector,omitempty"`
	Masked   bool    `yaml:"masked,omitempty"`

	// Locked sources cannot be reprogrammed by the guest.
	Locked bool `yaml:"locked,omitempty"`
}

// DoorbellConfig connects sender guests to receive endpoints.
type DoorbellConfig struct {
	Name      string           `yaml:"name"`
	Senders   []string         `yaml:"senders,omitempty"`
	Receivers []ReceiverConfig `yaml:"receivers,omitempty"`
}

// ReceiverConfig is a receive endpoint: a software source on one core of
// a guest.
type ReceiverConfig struct {
	Guest    string `yaml:"guest"`
	VCPU     uint32 `yaml:"vcpu,omitempty"`
	Priority uint8  `yaml:"priority,omitempty"`
	Vector   uint16 `yaml:"vector,omitempty"`
	Masked   bool   `yaml:"masked,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = ConfigVersion
	}
	for i := range c.Guests {
		if c.Guests[i].VCPUs == 0 {
			c.Guests[i].VCPUs = 1
		}
	}
}

// Validate checks references and ranges. It does not check per-core
// source counts; Build reports those when a table fills up.
func (c *Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("%w: invalid version %q", ErrConfig, c.Version)
	}
	if semver.Major(c.Version) != semver.Major(ConfigVersion) {
		return fmt.Errorf("%w: unsupported version %s (want %s.x)",
			ErrConfig, c.Version, semver.Major(ConfigVersion))
	}
	if len(c.Guests) == 0 {
		return fmt.Errorf("%w: no guests", ErrConfig)
	}

	vcpus := make(map[string]int, len(c.Guests))
	for _, g := range c.Guests {
		if g.Name == "" {
			return fmt.Errorf("%w: guest without a name", ErrConfig)
		}
		if _, dup := vcpus[g.Name]; dup {
			return fmt.Errorf("%w: duplicate guest %q", ErrConfig, g.Name)
		}
		if g.VCPUs < 0 {
			return fmt.Errorf("%w: guest %q: negative vcpu count", ErrConfig, g.Name)
		}
		vcpus[g.Name] = g.VCPUs

		names := make(map[string]bool, len(g.Sources))
		for _, s := range g.Sources {
			if s.Name == "" {
				return fmt.Errorf("%w: guest %q: source without a name", ErrConfig, g.Name)
			}
			if names[s.Name] {
				return fmt.Errorf("%w: guest %q: duplicate source %q", ErrConfig, g.Name, s.Name)
			}
			names[s.Name] = true
			if int(s.VCPU) >= g.VCPUs {
				return fmt.Errorf("%w: guest %q source %q: vcpu %d out of range",
					ErrConfig, g.Name, s.Name, s.VCPU)
			}
			if s.Priority > vpic.MaxPriority {
				return fmt.Errorf("%w: guest %q source %q: priority %d",
					ErrConfig, g.Name, s.Name, s.Priority)
			}
		}
	}

	dbNames := make(map[string]bool, len(c.Doorbells))
	for _, d := range c.Doorbells {
		if d.Name == "" {
			return fmt.Errorf("%w: doorbell without a name", ErrConfig)
		}
		if dbNames[d.Name] {
			return fmt.Errorf("%w: duplicate doorbell %q", ErrConfig, d.Name)
		}
		dbNames[d.Name] = true
		for _, s := range d.Senders {
			if _, ok := vcpus[s]; !ok {
				return fmt.Errorf("%w: doorbell %q: unknown sender %q", ErrConfig, d.Name, s)
			}
		}
		seen := make(map[ReceiverConfig]bool, len(d.Receivers))
		for _, r := range d.Receivers {
			n, ok := vcpus[r.Guest]
			if !ok {
				return fmt.Errorf("%w: doorbell %q: unknown receiver %q", ErrConfig, d.Name, r.Guest)
			}
			if int(r.VCPU) >= n {
				return fmt.Errorf("%w: doorbell %q: receiver %q vcpu %d out of range",
					ErrConfig, d.Name, r.Guest, r.VCPU)
			}
			if r.Priority > vpic.MaxPriority {
				return fmt.Errorf("%w: doorbell %q: receiver priority %d", ErrConfig, d.Name, r.Priority)
			}
			key := ReceiverConfig{Guest: r.Guest, VCPU: r.VCPU}
			if seen[key] {
				return fmt.Errorf("%w: doorbell %q: guest %q vcpu %d receives twice",
					ErrConfig, d.Name, r.Guest, r.VCPU)
			}
			seen[key] = true
		}
	}
	return nil
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML with the defaults filled in.
func Marshal(cfg Config) ([]byte, error) {
	cfg.Guests = append([]GuestConfig(nil), cfg.Guests...)
	cfg.normalize()
	return yaml.Marshal(&cfg)
}
