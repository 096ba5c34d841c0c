// Package config loads the panel's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/packpanel/backend/internal/directory"
)

type Config struct {
	Server  ServerConfig           `yaml:"server"`
	Channel ChannelConfig          `yaml:"channel"`
	Servers []directory.ServerSpec `yaml:"servers"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ChannelConfig struct {
	ConsoleRing        int `yaml:"console_ring"`
	LogRing            int `yaml:"log_ring"`
	SubscriberBacklog  int `yaml:"subscriber_backlog"`
	SubmitQueue        int `yaml:"submit_queue"`
	ConsoleMaxAttempts int `yaml:"console_max_attempts"`

	IdleTimeout       time.Duration `yaml:"-"`
	ConsoleRetryDelay time.Duration `yaml:"-"`
	LogRetryDelay     time.Duration `yaml:"-"`
	DialTimeout       time.Duration `yaml:"-"`
	AuthTimeout       time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts duration fields in Go syntax ("30s", "1m"), which
// the yaml package cannot decode into time.Duration on its own. Absent
// fields keep whatever value the config already holds.
func (c *ChannelConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ChannelConfig
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var raw struct {
		IdleTimeout       string `yaml:"idle_timeout"`
		ConsoleRetryDelay string `yaml:"console_retry_delay"`
		LogRetryDelay     string `yaml:"log_retry_delay"`
		DialTimeout       string `yaml:"dial_timeout"`
		AuthTimeout       string `yaml:"auth_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &c.IdleTimeout},
		{"console_retry_delay", raw.ConsoleRetryDelay, &c.ConsoleRetryDelay},
		{"log_retry_delay", raw.LogRetryDelay, &c.LogRetryDelay},
		{"dial_timeout", raw.DialTimeout, &c.DialTimeout},
		{"auth_timeout", raw.AuthTimeout, &c.AuthTimeout},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("config: channel.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from the
// file. Mock mode runs on defaults alone.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Channel: ChannelConfig{
			ConsoleRing:        200,
			LogRing:            500,
			SubscriberBacklog:  256,
			SubmitQueue:        64,
			IdleTimeout:        30 * time.Second,
			ConsoleRetryDelay:  time.Second,
			ConsoleMaxAttempts: 30,
			LogRetryDelay:      2 * time.Second,
			DialTimeout:        5 * time.Second,
			AuthTimeout:        5 * time.Second,
		},
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, spec := range c.Servers {
		if spec.ID == "" {
			return fmt.Errorf("config: servers[%d] missing id", i)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("config: duplicate server id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		if spec.Console != nil && spec.Console.Addr == "" {
			return fmt.Errorf("config: server %q console missing addr", spec.ID)
		}
	}
	return nil
}
