// Package config is the process configuration, built once in main and passed
// to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"strategos.gg/internal/engine/autosave"
	"strategos.gg/internal/persistence/r2s3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "STRATEGOS_"

type Config struct {
	Node       string `yaml:"node" env:"NODE"`
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ServerURL  string `yaml:"server_url" env:"SERVER_URL"`
	Password   string `yaml:"password" env:"PASSWORD"`
	Headless   bool   `yaml:"headless" env:"HEADLESS"`
	// Seed 0 seeds the random source from crypto/rand.
	Seed int64 `yaml:"seed" env:"SEED"`

	SaveGamesDir   string `yaml:"save_games_dir" env:"SAVE_GAMES_DIR"`
	DataDir        string `yaml:"data_dir" env:"DATA_DIR"`
	AutosavePrefix string `yaml:"autosave_prefix" env:"AUTOSAVE_PREFIX"`

	Autosave autosave.Policy `yaml:"autosave" envPrefix:"AUTOSAVE_"`

	Timeouts Timeouts `yaml:"timeouts" envPrefix:"TIMEOUT_"`

	Journal JournalConfig `yaml:"journal" envPrefix:"JOURNAL_"`
	Index   IndexConfig   `yaml:"index" envPrefix:"INDEX_"`
	Archive ArchiveConfig `yaml:"archive" envPrefix:"ARCHIVE_"`
	Mirror  MirrorConfig  `yaml:"mirror" envPrefix:"MIRROR_"`
}

type Timeouts struct {
	ObserverJoinWait time.Duration `yaml:"observer_join_wait" env:"OBSERVER_JOIN_WAIT"`
	ObserverBlock    time.Duration `yaml:"observer_block" env:"OBSERVER_BLOCK"`
	SaveBlock        time.Duration `yaml:"save_block" env:"SAVE_BLOCK"`
	ShutdownBlock    time.Duration `yaml:"shutdown_block" env:"SHUTDOWN_BLOCK"`
	ShutdownAttempts int           `yaml:"shutdown_attempts" env:"SHUTDOWN_ATTEMPTS"`
	StepAdvancerWarn time.Duration `yaml:"step_advancer_warn" env:"STEP_ADVANCER_WARN"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Dir     string `yaml:"dir" env:"DIR"`
}

type IndexConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Dir     string `yaml:"dir" env:"DIR"`
}

// MirrorConfig uploads autosaves to an S3 compatible bucket.
type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Region          string `yaml:"region" env:"REGION"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
	Queue           int    `yaml:"queue" env:"QUEUE"`
}

func (m MirrorConfig) Credentials() r2s3.Credentials {
	return r2s3.Credentials{
		Endpoint:        m.Endpoint,
		Region:          m.Region,
		Bucket:          m.Bucket,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
	}
}

func Defaults() Config {
	return Config{
		Node:         "host",
		ListenAddr:   ":3300",
		ServerURL:    "ws://localhost:3300/v1/game",
		SaveGamesDir: "savedGames",
		DataDir:      "data",
		Autosave: autosave.Policy{
			Enabled: true,
			Table: map[string]autosave.Flags{
				"combat":   {BeforeStart: true},
				"move":     {AfterEnd: true},
				"end_turn": {AfterEnd: true},
			},
		},
		Timeouts: Timeouts{
			ObserverJoinWait: 180 * time.Second,
			ObserverBlock:    2 * time.Second,
			SaveBlock:        6 * time.Second,
			ShutdownBlock:    16 * time.Second,
			ShutdownAttempts: 2,
			StepAdvancerWarn: 30 * time.Second,
		},
		Journal: JournalConfig{Enabled: true},
		Mirror:  MirrorConfig{Region: "auto", Workers: 2, Queue: 64},
	}
}

// Load builds the configuration from defaults, then the yaml file at path
// (when not empty), then STRATEGOS_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize fills derived paths and clamps values that have a safe default.
func (c *Config) Normalize() {
	c.Node = strings.TrimSpace(c.Node)
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index", "strategos.sqlite")
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archives")
	}
	if c.Timeouts.ShutdownAttempts < 1 {
		c.Timeouts.ShutdownAttempts = 1
	}
	if c.Mirror.Workers < 1 {
		c.Mirror.Workers = 1
	}
	if c.Mirror.Queue < 1 {
		c.Mirror.Queue = 1
	}
	if c.Autosave.Table == nil {
		c.Autosave.Table = map[string]autosave.Flags{}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Node == "" {
		errs = append(errs, errors.New("node must not be empty"))
	}
	if c.SaveGamesDir == "" {
		errs = append(errs, errors.New("save_games_dir must not be empty"))
	}
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"observer_join_wait": t.ObserverJoinWait,
		"observer_block":     t.ObserverBlock,
		"save_block":         t.SaveBlock,
		"shutdown_block":     t.ShutdownBlock,
		"step_advancer_warn": t.StepAdvancerWarn,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", name))
		}
	}
	if c.Mirror.Enabled {
		if err := c.Mirror.Credentials().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Slots returns the autosave slots for this configuration.
func (c Config) Slots() autosave.Slots {
	return autosave.Slots{Dir: c.SaveGamesDir, Prefix: c.AutosavePrefix}
}
