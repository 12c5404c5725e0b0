package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen = "127.0.0.1:4004"
	secretEnv     = "TESSERA_SECRET"
)

// serverConfig is the content of tessera.yaml.
type serverConfig struct {
	Path       string        `yaml:"path"`
	Listen     string        `yaml:"listen,omitempty"`
	Secret     string        `yaml:"secret,omitempty"`
	TokenTTL   time.Duration `yaml:"token_ttl,omitempty"`
	GapTimeout time.Duration `yaml:"gap_timeout,omitempty"`
	Versioning *bool         `yaml:"versioning,omitempty"`
	Watch      bool          `yaml:"watch,omitempty"`
	Admin      struct {
		ID   string `yaml:"id,omitempty"`
		Name string `yaml:"name,omitempty"`
	} `yaml:"admin,omitempty"`
}

// loadConfig reads file. A relative repository path is taken relative to
// the file. The secret falls back to $TESSERA_SECRET.
func loadConfig(file string) (*serverConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg serverConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if cfg.Path == "" {
		cfg.Path = "."
	}
	if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(filepath.Dir(file), cfg.Path)
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv(secretEnv)
	}
	return &cfg, nil
}

func (c *serverConfig) requireSecret() error {
	if c.Secret == "" {
		return errors.New("no token secret: set secret in the config or " + secretEnv)
	}
	return nil
}

func writeConfig(file string, cfg *serverConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0600)
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
