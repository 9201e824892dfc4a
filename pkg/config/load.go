package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up in the working
// directory when no explicit path is given.
const DefaultFileName = "convoy.yaml"

// Load reads, overlays, and validates the configuration at path. When env is
// non-empty and a sibling overlay file `<stem>.<env>.yaml` exists, it is
// merged over the base document before validation.
func Load(path, env string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if env != "" {
		overlayPath := overlayPath(path, env)
		if _, statErr := os.Stat(overlayPath); statErr == nil {
			overlayRaw, readErr := os.ReadFile(overlayPath)
			if readErr != nil {
				return nil, fmt.Errorf("failed to read overlay config %s: %w", overlayPath, readErr)
			}
			var overlay overlayConfig
			if err := yaml.Unmarshal(overlayRaw, &overlay); err != nil {
				return nil, fmt.Errorf("failed to parse overlay config %s: %w", overlayPath, err)
			}
			cfg.applyOverlay(overlay)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DiscoverPath returns the configuration path in the current directory,
// failing when none exists.
func DiscoverPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	path := filepath.Join(wd, DefaultFileName)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no %s found in current directory", DefaultFileName)
	}
	return path, nil
}

func overlayPath(base, env string) string {
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, env, ext))
}

// overlayConfig is the partial document merged over the base configuration.
// Absent sections leave the base untouched; servers merge by name, services
// and scripts merge by key.
type overlayConfig struct {
	Project  *overlayProject    `yaml:"project,omitempty"`
	Infra    *Infra             `yaml:"infra,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
	Scripts  map[string]Script  `yaml:"scripts,omitempty"`
	Hooks    *Hooks             `yaml:"hooks,omitempty"`
}

type overlayProject struct {
	Name        *string `yaml:"name,omitempty"`
	Description *string `yaml:"description,omitempty"`
	DeployMode  *string `yaml:"deploy_mode,omitempty"`
}

func (c *Config) applyOverlay(overlay overlayConfig) {
	if overlay.Project != nil {
		if overlay.Project.Name != nil {
			c.Project.Name = *overlay.Project.Name
		}
		if overlay.Project.Description != nil {
			c.Project.Description = *overlay.Project.Description
		}
		if overlay.Project.DeployMode != nil {
			c.Project.DeployMode = *overlay.Project.DeployMode
		}
	}

	if overlay.Infra != nil {
		if c.Infra == nil {
			c.Infra = &Infra{}
		}
		for _, server := range overlay.Infra.Servers {
			replaced := false
			for i := range c.Infra.Servers {
				if c.Infra.Servers[i].Name == server.Name {
					c.Infra.Servers[i] = server
					replaced = true
					break
				}
			}
			if !replaced {
				c.Infra.Servers = append(c.Infra.Servers, server)
			}
		}
	}

	if len(overlay.Services) > 0 {
		if c.Services == nil {
			c.Services = make(map[string]Service, len(overlay.Services))
		}
		for name, svc := range overlay.Services {
			c.Services[name] = svc
		}
	}

	if len(overlay.Scripts) > 0 {
		if c.Scripts == nil {
			c.Scripts = make(map[string]Script, len(overlay.Scripts))
		}
		for name, script := range overlay.Scripts {
			c.Scripts[name] = script
		}
	}

	if overlay.Hooks != nil {
		c.Hooks = overlay.Hooks
	}
}

// WriteExample writes a starter configuration to path.
func WriteExample(path string) error {
	const example = `project:
  name: my-project
  description: Example convoy project
  deploy_mode: remote

infra:
  servers:
    - name: web-server
      provider: hetzner
      region: nbg1
      server_type: cx22
      ssh_key: id_ed25519
      floating_ip: true

services:
  api:
    image: nginx:latest
    ports: [80, 443]
    env:
      ENVIRONMENT: production
    healthcheck:
      command: ["sh", "-lc", "wget -qO- http://127.0.0.1:80 >/dev/null"]
      interval_secs: 5
      retries: 10
      timeout_secs: 3
  database:
    image: postgres:15
    ports: [5432]
    env:
      POSTGRES_DB: myapp
      POSTGRES_USER: user
      POSTGRES_PASSWORD: password
    volumes:
      - ./data:/var/lib/postgresql/data

scripts:
  bootstrap:
    target: all
    file: scripts/bootstrap.sh
    idempotency: once

hooks:
  post_provision: [bootstrap]
`
	if err := os.WriteFile(path, []byte(example), 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
