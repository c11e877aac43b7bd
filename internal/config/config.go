// Package config loads the warden configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Debug    bool           `yaml:"debug"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Servers  []GameServer   `yaml:"servers"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig holds event bus settings
type NATSConfig struct {
	// Enabled turns event publishing on
	Enabled bool `yaml:"enabled"`
	// URL of an external NATS server; leave empty with Embedded set to run
	// one in-process
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// GameServer is one managed game server
type GameServer struct {
	ID           int64         `yaml:"id"`
	Name         string        `yaml:"name"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	RconPort     int           `yaml:"rcon_port"`
	RconPassword string        `yaml:"rcon_password"`
	Dialect      string        `yaml:"dialect"`
	LogPath      string        `yaml:"log_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Set defaults
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/warden/warden.db"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "warden"
	}

	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if srv.ID == 0 {
			srv.ID = int64(i + 1)
		}
		if srv.Host == "" {
			srv.Host = "127.0.0.1"
		}
		if srv.RconPort == 0 {
			srv.RconPort = srv.Port
		}
		if srv.Dialect == "" {
			srv.Dialect = "cod"
		}
		if srv.PollInterval == 0 {
			srv.PollInterval = 5 * time.Second
		}
		if srv.Name == "" {
			srv.Name = fmt.Sprintf("%s:%d", srv.Host, srv.RconPort)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	seen := make(map[int64]string, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		if srv.RconPort == 0 {
			return fmt.Errorf("server %q: no rcon_port or port configured", srv.Name)
		}
		if prev, dup := seen[srv.ID]; dup {
			return fmt.Errorf("servers %q and %q share id %d", prev, srv.Name, srv.ID)
		}
		seen[srv.ID] = srv.Name
	}
	return nil
}
