package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// EnvPrefix starts every environment variable the configuration reads.
const EnvPrefix = "CACHESPY_"

// LookupFunc finds the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile reads KEY=VALUE pairs from a .env file.
func LoadEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return env, nil
}

// Layered returns a lookup that prefers the process environment and falls
// back to file.
func Layered(file map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// ApplyEnv overrides fields from CACHESPY_* variables. Every variable that
// fails to parse is reported.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs *multierror.Error

	ints := map[string]*int{
		"LINE_SIZE":        &c.Cache.LineSize,
		"LLC_SIZE":         &c.Cache.LLCSize,
		"REPEATS":          &c.Calibrate.Repeats,
		"MAX_LINES":        &c.Calibrate.MaxLines,
		"GROWTH":           &c.Calibrate.Growth,
		"WORKING_SET_SIZE": &c.Sweep.WorkingSetSize,
		"CPU":              &c.Worker.CPU,
	}
	for name, field := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			continue
		}
		*field = n
	}

	if v, ok := lookup(EnvPrefix + "MAX_BUFFER_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%sMAX_BUFFER_BYTES: %w", EnvPrefix, err))
		} else {
			c.Calibrate.MaxBufferBytes = n
		}
	}

	durations := map[string]*Duration{
		"TOTAL_DURATION":  &c.Sweep.TotalDuration,
		"WINDOW_DURATION": &c.Sweep.WindowDuration,
		"REMOTE_TIMEOUT":  &c.Remote.Timeout,
	}
	for name, field := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			continue
		}
		*field = Duration(d)
	}

	strs := map[string]*string{
		"REMOTE_URL":   &c.Remote.URL,
		"IMAGE_PREFIX": &c.Remote.ImagePrefix,
		"STORE_PATH":   &c.Store.Path,
		"SERVER_ADDR":  &c.Server.Addr,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	return errs.ErrorOrNil()
}

// Load resolves the configuration from an optional JSON file, an optional
// .env file, and the process environment.
func Load(path, envFile string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		var err error
		if config, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}

	var file map[string]string
	if envFile != "" {
		var err error
		if file, err = LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnv(Layered(file)); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	return config, nil
}
