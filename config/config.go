// Package config loads the shared TOML configuration consumed by all five
// economy services and the launcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Global holds options common to every service.
type Global struct {
	DatabasePath       string `toml:"DatabasePath"`
	DatabaseURL        string `toml:"DatabaseURL"`
	Environment        string `toml:"Environment"`
	ServiceTokenSecret string `toml:"ServiceTokenSecret"`
}

// Identity configures the agent registry service.
type Identity struct {
	Port int `toml:"Port"`
}

// Bank configures the ledger and escrow service.
type Bank struct {
	Port                int   `toml:"Port"`
	SalaryAmount        int64 `toml:"SalaryAmount"`
	SalaryPeriodSeconds int64 `toml:"SalaryPeriodSeconds"`
}

// Board configures the task board service.
type Board struct {
	Port                    int    `toml:"Port"`
	DefaultBiddingSeconds   int64  `toml:"DefaultBiddingSeconds"`
	DefaultExecutionSeconds int64  `toml:"DefaultExecutionSeconds"`
	DefaultReviewSeconds    int64  `toml:"DefaultReviewSeconds"`
	SweepIntervalSeconds    int64  `toml:"SweepIntervalSeconds"`
	AssetStorageDir         string `toml:"AssetStorageDir"`
	MaxAssetSizeBytes       int64  `toml:"MaxAssetSizeBytes"`
}

// Reputation configures the feedback service.
type Reputation struct {
	Port             int `toml:"Port"`
	MaxCommentLength int `toml:"MaxCommentLength"`
}

// Court configures the adjudication service.
type Court struct {
	Port                  int      `toml:"Port"`
	JudgePanelSize        int      `toml:"JudgePanelSize"`
	JudgeTimeoutSeconds   int64    `toml:"JudgeTimeoutSeconds"`
	RebuttalWindowSeconds int64    `toml:"RebuttalWindowSeconds"`
	JudgeURLs             []string `toml:"JudgeURLs"`
}

// RateLimits bounds per-agent mutating traffic. Zero disables a group.
type RateLimits struct {
	RegisterPerMinute float64 `toml:"RegisterPerMinute"`
	MutatePerMinute   float64 `toml:"MutatePerMinute"`
	Burst             int     `toml:"Burst"`
}

// Telemetry configures optional OTLP export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Config is the root document.
type Config struct {
	Global     Global     `toml:"global"`
	Identity   Identity   `toml:"identity"`
	Bank       Bank       `toml:"bank"`
	Board      Board      `toml:"board"`
	Reputation Reputation `toml:"reputation"`
	Court      Court      `toml:"court"`
	RateLimits RateLimits `toml:"ratelimits"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// Default returns the configuration used when no file is present. Ports are
// contiguous so a local simulation can assume the layout.
func Default() Config {
	return Config{
		Global: Global{
			DatabasePath:       "agora.db",
			Environment:        "local",
			ServiceTokenSecret: "",
		},
		Identity: Identity{Port: 7101},
		Bank: Bank{
			Port:                7102,
			SalaryAmount:        10,
			SalaryPeriodSeconds: 300,
		},
		Board: Board{
			Port:                    7103,
			DefaultBiddingSeconds:   600,
			DefaultExecutionSeconds: 1800,
			DefaultReviewSeconds:    600,
			SweepIntervalSeconds:    2,
			AssetStorageDir:         "assets",
			MaxAssetSizeBytes:       8 << 20,
		},
		Reputation: Reputation{Port: 7104, MaxCommentLength: 256},
		RateLimits: RateLimits{
			RegisterPerMinute: 30,
			MutatePerMinute:   240,
			Burst:             20,
		},
		Court: Court{
			Port:                7105,
			JudgePanelSize:      3,
			JudgeTimeoutSeconds: 30,
			// Zero means "mirror the review window"; resolved at load time.
			RebuttalWindowSeconds: 0,
		},
	}
}

// Load reads the TOML file at path, applies defaults for absent fields and
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.Court.RebuttalWindowSeconds <= 0 {
		cfg.Court.RebuttalWindowSeconds = cfg.Board.DefaultReviewSeconds
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGORA_DB_PATH")); v != "" {
		cfg.Global.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGORA_DATABASE_URL")); v != "" {
		cfg.Global.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGORA_SERVICE_TOKEN_SECRET")); v != "" {
		cfg.Global.ServiceTokenSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AGORA_ENV")); v != "" {
		cfg.Global.Environment = v
	}
}

// Validate rejects configurations the services cannot run under.
func (c Config) Validate() error {
	if c.Global.DatabasePath == "" && c.Global.DatabaseURL == "" {
		return errors.New("config: one of DatabasePath or DatabaseURL is required")
	}
	if c.Bank.SalaryAmount < 0 {
		return errors.New("config: SalaryAmount must not be negative")
	}
	if c.Bank.SalaryPeriodSeconds <= 0 {
		return errors.New("config: SalaryPeriodSeconds must be positive")
	}
	for _, d := range []int64{c.Board.DefaultBiddingSeconds, c.Board.DefaultExecutionSeconds, c.Board.DefaultReviewSeconds} {
		if d <= 0 {
			return errors.New("config: board default deadlines must be positive")
		}
	}
	if c.Board.SweepIntervalSeconds <= 0 {
		return errors.New("config: SweepIntervalSeconds must be positive")
	}
	if c.Board.MaxAssetSizeBytes <= 0 {
		return errors.New("config: MaxAssetSizeBytes must be positive")
	}
	if c.Reputation.MaxCommentLength <= 0 {
		return errors.New("config: MaxCommentLength must be positive")
	}
	if c.Court.JudgePanelSize <= 0 {
		return errors.New("config: JudgePanelSize must be positive")
	}
	if c.Court.JudgeTimeoutSeconds <= 0 {
		return errors.New("config: JudgeTimeoutSeconds must be positive")
	}
	if c.Court.RebuttalWindowSeconds <= 0 {
		return errors.New("config: RebuttalWindowSeconds must be positive")
	}
	if c.RateLimits.RegisterPerMinute < 0 || c.RateLimits.MutatePerMinute < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	for _, port := range []int{c.Identity.Port, c.Bank.Port, c.Board.Port, c.Reputation.Port, c.Court.Port} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("config: invalid port %d", port)
		}
	}
	return nil
}

// SweepInterval returns the board sweeper cadence as a duration.
func (b Board) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalSeconds) * time.Second
}

// SalaryPeriod returns the salary cadence as a duration.
func (b Bank) SalaryPeriod() time.Duration {
	return time.Duration(b.SalaryPeriodSeconds) * time.Second
}

// JudgeTimeout returns the per-judge wall clock budget.
func (c Court) JudgeTimeout() time.Duration {
	return time.Duration(c.JudgeTimeoutSeconds) * time.Second
}

// RebuttalWindow returns the respondent's answer window.
func (c Court) RebuttalWindow() time.Duration {
	return time.Duration(c.RebuttalWindowSeconds) * time.Second
}
