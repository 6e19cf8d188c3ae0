package fleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ActorConfig describes one actor a Fleet should keep running.
type ActorConfig struct {
	// Name identifies the actor within the fleet.
	Name string `yaml:"name"`
	// LogPath is where the actor's rotated log file lives. Empty disables
	// file logging for this actor.
	LogPath string `yaml:"log_path"`
	// DefaultTimeout is a call timeout recorded for this actor. It is parsed
	// and returned by Lookup; Fleet itself makes no calls and does not apply
	// it anywhere.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// Config is the YAML-loadable description of a fleet of actors.
type Config struct {
	Actors []ActorConfig `yaml:"actors"`
}

// LoadConfig reads and parses a Config from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleet: reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("fleet: parsing config: %w", err)
	}
	for i, a := range cfg.Actors {
		if a.Name == "" {
			return nil, fmt.Errorf("fleet: actor at index %d has no name", i)
		}
	}
	return &cfg, nil
}

// Lookup returns the ActorConfig for name, and whether it was found.
func (c *Config) Lookup(name string) (ActorConfig, bool) {
	for _, a := range c.Actors {
		if a.Name == name {
			return a, true
		}
	}
	return ActorConfig{}, false
}
