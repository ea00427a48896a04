// Package config assembles server configuration from defaults, an
// optional YAML file, and environment overrides, in that order of
// increasing precedence — the same layering cmd/vibetunnel's flags sit
// on top of.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Remote is one remote node that an HQ-mode server pre-registers in its
// registry at startup.
type Remote struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Bearer string `yaml:"bearer"`
}

// Config is the fully-resolved set of knobs the server needs. Auth
// secrets never come from the environment except basic-auth username
// and password, per spec.md §6 — bearer/JWT/HQ material is configured
// through this struct only.
type Config struct {
	ControlDir string `yaml:"controlDir"`
	ListenAddr string `yaml:"listenAddr"`

	NoAuth       bool   `yaml:"noAuth"`
	Username     string `yaml:"-"` // env only
	Password     string `yaml:"-"` // env only
	StaticBearer string `yaml:"staticBearer"`
	JWTSecret    string `yaml:"jwtSecret"`

	HQMode   bool     `yaml:"hqMode"`
	HQBearer string   `yaml:"hqBearer"`
	Remotes  []Remote `yaml:"remotes"`

	// RemoteOf is set when this instance should register itself with an
	// upstream HQ at startup (spec §4.8 "remote mode").
	RemoteOf *struct {
		HQURL    string `yaml:"hqUrl"`
		Bearer   string `yaml:"bearer"`
		Name     string `yaml:"name"`
		SelfURL  string `yaml:"selfUrl"`
	} `yaml:"remoteOf"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ControlDir: filepath.Join(home, ".vibetunnel", "control"),
		ListenAddr: ":4020",
	}
}

// Load builds a Config from defaults, then path (if non-empty and
// present), then environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VIBETUNNEL_CONTROL_DIR"); v != "" {
		cfg.ControlDir = v
	}
	user := os.Getenv("VIBETUNNEL_USERNAME")
	pass := os.Getenv("VIBETUNNEL_PASSWORD")
	if user != "" && pass != "" {
		cfg.Username = user
		cfg.Password = pass
	}
}
