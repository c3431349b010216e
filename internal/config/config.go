// Package config loads and validates the gmail-autolabel configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLookbackDays applies when the config omits DAYS_TO_LOOK_BACK.
const DefaultLookbackDays = 30

// Error is a configuration problem: missing file, bad syntax, or a
// semantically invalid value. Configuration errors are fatal and abort the
// run before any remote call is made.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("config %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// file mirrors the on-disk document. The lookback arrives as a string to stay
// compatible with the historical config layout.
type file struct {
	SenderLabels map[string]string `json:"SENDER_LABELS" yaml:"SENDER_LABELS"`
	Lookback     lookback          `json:"DAYS_TO_LOOK_BACK" yaml:"DAYS_TO_LOOK_BACK"`
}

type lookback struct {
	Days *string `json:"Days" yaml:"Days"`
}

// Config is the validated runtime configuration.
type Config struct {
	// SenderLabels maps a sender address to the label its messages should
	// carry. Duplicate senders in the file collapse to the last entry.
	SenderLabels map[string]string
	// LookbackDays bounds the message search window in whole days.
	LookbackDays int
}

// Load reads, parses and validates the configuration at path. Files named
// *.yaml or *.yml are decoded as YAML, everything else as JSON. An empty
// SENDER_LABELS map is valid; the caller decides whether a run without rules
// is worth starting.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	var doc file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &doc)
	default:
		err = json.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	days, err := parseLookback(doc.Lookback.Days)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	cfg := &Config{SenderLabels: doc.SenderLabels, LookbackDays: days}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Validate checks the semantic constraints: no blank senders or labels, a
// non-negative lookback. An empty rule map passes.
func (c *Config) Validate() error {
	if c.LookbackDays < 0 {
		return fmt.Errorf("DAYS_TO_LOOK_BACK: %d is negative", c.LookbackDays)
	}
	for sender, label := range c.SenderLabels {
		if strings.TrimSpace(sender) == "" {
			return errors.New("SENDER_LABELS: empty sender address")
		}
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("SENDER_LABELS: empty label name for sender %q", sender)
		}
	}
	return nil
}

func parseLookback(raw *string) (int, error) {
	if raw == nil {
		return DefaultLookbackDays, nil
	}
	days, err := strconv.Atoi(strings.TrimSpace(*raw))
	if err != nil {
		return 0, fmt.Errorf("DAYS_TO_LOOK_BACK: %q is not an integer", *raw)
	}
	if days < 0 {
		return 0, fmt.Errorf("DAYS_TO_LOOK_BACK: %d is negative", days)
	}
	return days, nil
}
