// Package config loads engine configuration from flags, environment
// variables, and an optional .env file, grounded on the teacher pack's
// cmd/<bin>/main.go viper+cobra+godotenv wiring (e.g. divinesense's
// cmd/divinesense/main.go).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6.3.
type Config struct {
	MaxConcurrentTasks    int
	TaskTimeoutSeconds    int
	RetryMaxAttempts      int
	RetryInitialInterval  time.Duration
	SchedulerTickInterval time.Duration

	StoreDriver string // "sqlite" or "postgres"
	StoreDSN    string

	HTTPAddr string
}

// BindFlags registers the engine's configuration flags on cmd and binds
// them into viper, following divinesense's PersistentFlags+BindPFlag
// pattern.
func BindFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.Int("max-concurrent-tasks", 10, "maximum number of tasks dispatched concurrently")
	flags.Int("task-timeout-seconds", 30, "per-task execution timeout in seconds")
	flags.Int("retry-max-attempts", 3, "default maximum attempts before a task is terminally failed")
	flags.Int("retry-initial-interval-ms", 5000, "retry controller poll interval in milliseconds")
	flags.Int("scheduler-tick-seconds", 15, "scheduler tick interval in seconds")
	flags.String("store-driver", "sqlite", "storage backend: sqlite or postgres")
	flags.String("store-dsn", "taskqueue.db", "storage connection string or file path")
	flags.String("http-addr", ":8080", "address the HTTP surface listens on")

	for _, name := range []string{
		"max-concurrent-tasks", "task-timeout-seconds", "retry-max-attempts",
		"retry-initial-interval-ms", "scheduler-tick-seconds",
		"store-driver", "store-dsn", "http-addr",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}

	viper.SetEnvPrefix("taskqueue")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return nil
}

// LoadDotenv best-effort loads a .env file from the working directory,
// mirroring divinesense's ignore-if-missing behavior.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Load materializes a Config from whatever viper has accumulated from
// flags, env vars, and defaults.
func Load() *Config {
	return &Config{
		MaxConcurrentTasks:    viper.GetInt("max-concurrent-tasks"),
		TaskTimeoutSeconds:    viper.GetInt("task-timeout-seconds"),
		RetryMaxAttempts:      viper.GetInt("retry-max-attempts"),
		RetryInitialInterval:  time.Duration(viper.GetInt("retry-initial-interval-ms")) * time.Millisecond,
		SchedulerTickInterval: time.Duration(viper.GetInt("scheduler-tick-seconds")) * time.Second,
		StoreDriver:           viper.GetString("store-driver"),
		StoreDSN:              viper.GetString("store-dsn"),
		HTTPAddr:              viper.GetString("http-addr"),
	}
}

// Validate reports a configuration error before the engine starts.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: max-concurrent-tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("config: task-timeout-seconds must be positive, got %d", c.TaskTimeoutSeconds)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: retry-max-attempts must be positive, got %d", c.RetryMaxAttempts)
	}
	switch c.StoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	return nil
}
