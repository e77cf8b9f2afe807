// Package config loads the application settings from, in increasing
// precedence: built-in defaults, ~/.tindeq-sonification/config.yaml,
// TINDEQ_* environment variables, and command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	DeviceNamePrefix string        `mapstructure:"device_name_prefix"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	TareWindow       time.Duration `mapstructure:"tare_window"`
	Tolerance        float64       `mapstructure:"tolerance"`
	ToneFrequency    float64       `mapstructure:"tone_frequency"`
	Countdown        time.Duration `mapstructure:"countdown"`
	SampleRate       int           `mapstructure:"sample_rate"`
	LogFile          string        `mapstructure:"log_file"`
}

func defaultLogFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".tindeq-sonification", "tindeq-sonification.log")
}

// Load resolves the configuration. args are the command-line arguments
// without the program name.
func Load(args []string) (Config, error) {
	v := viper.New()

	v.SetDefault("device_name_prefix", "Progressor")
	v.SetDefault("discovery_timeout", 10*time.Second)
	v.SetDefault("tare_window", time.Second)
	v.SetDefault("tolerance", 0.1)
	v.SetDefault("tone_frequency", 500.0)
	v.SetDefault("countdown", 10*time.Second)
	v.SetDefault("sample_rate", 44100)
	v.SetDefault("log_file", defaultLogFile())

	homeDir, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".tindeq-sonification"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TINDEQ")
	v.AutomaticEnv()

	flags := pflag.NewFlagSet("tindeq-sonification", pflag.ContinueOnError)
	flags.String("device-name-prefix", v.GetString("device_name_prefix"), "advertisement name prefix to scan for")
	flags.Duration("discovery-timeout", v.GetDuration("discovery_timeout"), "how long to scan before giving up")
	flags.Duration("tare-window", v.GetDuration("tare_window"), "sample window for the soft tare")
	flags.Float64("tolerance", v.GetFloat64("tolerance"), "load band (kg) around the target treated as on-target")
	flags.Float64("tone-frequency", v.GetFloat64("tone_frequency"), "feedback tone frequency in Hz")
	flags.Duration("countdown", v.GetDuration("countdown"), "lead-in before the first active phase")
	flags.Int("sample-rate", v.GetInt("sample_rate"), "audio output sample rate")
	flags.String("log-file", v.GetString("log_file"), "log file path")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	bindings := map[string]string{
		"device_name_prefix": "device-name-prefix",
		"discovery_timeout":  "discovery-timeout",
		"tare_window":        "tare-window",
		"tolerance":          "tolerance",
		"tone_frequency":     "tone-frequency",
		"countdown":          "countdown",
		"sample_rate":        "sample-rate",
		"log_file":           "log-file",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return Config{}, fmt.Errorf("config: binding flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DeviceNamePrefix == "" {
		return fmt.Errorf("config: device name prefix cannot be empty")
	}
	if c.DiscoveryTimeout <= 0 || c.TareWindow <= 0 || c.Countdown <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("config: tolerance cannot be negative, got %v", c.Tolerance)
	}
	if c.ToneFrequency <= 0 {
		return fmt.Errorf("config: tone frequency must be positive, got %v", c.ToneFrequency)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample rate must be positive, got %d", c.SampleRate)
	}
	return nil
}
