package skm

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config tunes the host without rebuilding it. Every field has a working
// default; an absent file is not an error.
type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Readers  ReaderConfig  `yaml:"readers"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Timeouts are in milliseconds. The CTAP first-response timeout covers
// user-interaction delays such as a touch prompt.
type TimeoutConfig struct {
	HIDReadMs          *int `yaml:"hid_read_ms"`
	CtapFirstMs        *int `yaml:"ctap_first_ms"`
	CtapContinuationMs *int `yaml:"ctap_continuation_ms"`
}

type ReaderConfig struct {
	// Extra case-insensitive substrings matched against PC/SC reader names,
	// on top of the built-in feitian/epass/biopass set.
	ExtraMatches []string `yaml:"extra_matches"`
}

const (
	DefaultHIDReadTimeoutMs  = 5000
	DefaultCtapFirstMs       = 10000
	DefaultCtapContinuation  = 5000
)

func DefaultConfig() Config {
	return Config{}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return DefaultConfig(), errors.Wrap(err, "parse config yaml")
	}
	return cfg, nil
}

func (c Config) HIDReadTimeoutMs() int {
	if c.Timeouts.HIDReadMs != nil && *c.Timeouts.HIDReadMs > 0 {
		return *c.Timeouts.HIDReadMs
	}
	return DefaultHIDReadTimeoutMs
}

func (c Config) CtapFirstTimeoutMs() int {
	if c.Timeouts.CtapFirstMs != nil && *c.Timeouts.CtapFirstMs > 0 {
		return *c.Timeouts.CtapFirstMs
	}
	return DefaultCtapFirstMs
}

func (c Config) CtapContinuationTimeoutMs() int {
	if c.Timeouts.CtapContinuationMs != nil && *c.Timeouts.CtapContinuationMs > 0 {
		return *c.Timeouts.CtapContinuationMs
	}
	return DefaultCtapContinuation
}
