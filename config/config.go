// Package config resolves wrapper settings from the environment.
//
// Every setting lives under the WINEXEC_ prefix and can also be supplied
// through a dotenv file; real environment variables always win over dotenv
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment namespace for all settings.
const EnvPrefix = "WINEXEC"

// Config is the resolved wrapper configuration.
type Config struct {
	// AsyncDir is where detached jobs keep their result records.
	AsyncDir string
	// AsyncStartupTimeout bounds the wait for a watchdog's readiness signal.
	AsyncStartupTimeout time.Duration
	// ExecTimeout bounds a detached job's execution. Zero means unbounded.
	ExecTimeout time.Duration
	// CoverageOutput enables coverage collection when non-empty and is the
	// base path coverage result files are derived from.
	CoverageOutput string
	// CoveragePathFilter is a colon-delimited glob list selecting which
	// script paths are traced.
	CoveragePathFilter string
	// TempDir is where scratch files go.
	TempDir string
}

// Load resolves the configuration. Explicit dotenv paths must exist; with
// none given, a ./.env file is picked up when present and silently skipped
// otherwise.
func Load(dotenv ...string) (*Config, error) {
	if len(dotenv) > 0 {
		if err := godotenv.Load(dotenv...); err != nil {
			return nil, fmt.Errorf("load dotenv: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("async_dir", defaultAsyncDir())
	v.SetDefault("async_startup_timeout", "5s")
	v.SetDefault("exec_timeout", "0")
	v.SetDefault("coverage_output", "")
	v.SetDefault("coverage_path_filter", "")
	v.SetDefault("temp_dir", os.TempDir())

	cfg := &Config{
		AsyncDir:            v.GetString("async_dir"),
		AsyncStartupTimeout: v.GetDuration("async_startup_timeout"),
		ExecTimeout:         v.GetDuration("exec_timeout"),
		CoverageOutput:      v.GetString("coverage_output"),
		CoveragePathFilter:  v.GetString("coverage_path_filter"),
		TempDir:             v.GetString("temp_dir"),
	}

	if cfg.AsyncStartupTimeout <= 0 {
		return nil, fmt.Errorf("%s_ASYNC_STARTUP_TIMEOUT must be a positive duration", EnvPrefix)
	}
	if cfg.ExecTimeout < 0 {
		return nil, fmt.Errorf("%s_EXEC_TIMEOUT must not be negative", EnvPrefix)
	}
	return cfg, nil
}

func defaultAsyncDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".winexec_async")
	}
	return filepath.Join(home, ".winexec_async")
}
