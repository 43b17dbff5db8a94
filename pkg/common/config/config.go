// Package config loads and resolves the task-execution core's tunables.
//
// Configuration Sources (in order of precedence):
//  1. Environment variables (highest priority), prefixed TASKPOOL_
//  2. Configuration file (JSON format)
//  3. Default values (lowest priority)
//
// String values may reference environment variables via ${NAME} or
// ${NAME:-default} placeholders, expanded after the three sources above
// are merged.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// unboundedDetachedThreadCount mirrors taskpool.UnboundedDetached (-1).
// Duplicated here rather than imported: this package sits below
// pkg/taskpool (SupplierConfigFrom imports config, not the reverse), so
// taking a dependency on taskpool's constant would cycle.
const unboundedDetachedThreadCount = -1

// Config is the flat, resolved view of every key in the table this package
// understands. Field names match the dotted config keys with dots and
// dashes folded to camelCase; the keys themselves (and their JSON/env
// spellings) are the contract external deployments depend on.
type Config struct {
	ThreadSupplierMaxPoolableThreadCount      string `json:"thread-supplier.max-poolable-thread-count"`
	ThreadSupplierMaxDetachedThreadCount      int    `json:"thread-supplier.max-detached-thread-count"`
	ThreadSupplierRequestTimeoutMillis        int    `json:"thread-supplier.poolable-thread-request-timeout"`
	ThreadSupplierDefaultDaemonFlagValue      bool   `json:"thread-supplier.default-daemon-flag-value"`
	ThreadSupplierIncreasingStep              int    `json:"thread-supplier.max-detached-thread-count.increasing-step"`
	ThreadSupplierDecayThresholdMillis        int    `json:"thread-supplier.max-detached-thread-count.elapsed-time-threshold-from-last-increase-for-gradual-decreasing-to-initial-value"`
}

// DefaultConfig returns the conservative built-in defaults: autodetected
// poolable cap, a modest detached budget of 10 workers, and adaptive
// growth enabled with a one-minute decay window.
func DefaultConfig() *Config {
	return &Config{
		ThreadSupplierMaxPoolableThreadCount: "autodetect",
		ThreadSupplierMaxDetachedThreadCount:  10,
		ThreadSupplierRequestTimeoutMillis:    5000,
		ThreadSupplierDefaultDaemonFlagValue:  true,
		ThreadSupplierIncreasingStep:          2,
		ThreadSupplierDecayThresholdMillis:    60000,
	}
}

// LoadConfig implements the three-source precedence documented at package
// level: defaults, then an optional JSON file, then TASKPOOL_ environment
// overrides. A missing file is not an error — it's how a deployment opts
// into defaults-plus-environment-only configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.ThreadSupplierMaxPoolableThreadCount = ResolvePlaceholders(cfg.ThreadSupplierMaxPoolableThreadCount)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides reads TASKPOOL_* variables. Unset variables
// leave the existing value untouched; unparsable values are ignored
// rather than failing startup, matching the teacher's "never let a bad
// env var break boot" convention.
func (c *Config) applyEnvironmentOverrides() {
	if v, ok := os.LookupEnv("TASKPOOL_MAX_POOLABLE_THREAD_COUNT"); ok {
		c.ThreadSupplierMaxPoolableThreadCount = v
	}
	if v, ok := lookupEnvInt("TASKPOOL_MAX_DETACHED_THREAD_COUNT"); ok {
		c.ThreadSupplierMaxDetachedThreadCount = v
	}
	if v, ok := lookupEnvInt("TASKPOOL_REQUEST_TIMEOUT_MS"); ok {
		c.ThreadSupplierRequestTimeoutMillis = v
	}
	if v, ok := os.LookupEnv("TASKPOOL_DEFAULT_DAEMON"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ThreadSupplierDefaultDaemonFlagValue = b
		}
	}
	if v, ok := lookupEnvInt("TASKPOOL_INCREASING_STEP"); ok {
		c.ThreadSupplierIncreasingStep = v
	}
	if v, ok := lookupEnvInt("TASKPOOL_DECAY_THRESHOLD_MS"); ok {
		c.ThreadSupplierDecayThresholdMillis = v
	}
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate rejects configurations that would leave the Thread Supplier
// permanently unsatisfiable (spec.md §7 "only pathological configurations
// map to a hard rejection").
func (c *Config) Validate() error {
	if c.ThreadSupplierMaxPoolableThreadCount != "autodetect" {
		if _, err := strconv.Atoi(c.ThreadSupplierMaxPoolableThreadCount); err != nil {
			return fmt.Errorf("thread-supplier.max-poolable-thread-count must be \"autodetect\" or an integer, got %q", c.ThreadSupplierMaxPoolableThreadCount)
		}
	}
	if c.ThreadSupplierRequestTimeoutMillis < 0 {
		return fmt.Errorf("thread-supplier.poolable-thread-request-timeout must be >= 0")
	}
	if c.ThreadSupplierDecayThresholdMillis < 0 {
		return fmt.Errorf("thread-supplier.max-detached-thread-count.elapsed-time-threshold-... must be >= 0")
	}
	return c.validateMaxTotal()
}

// validateMaxTotal rejects a resolved max-poolable + max-detached total
// that can never be satisfied. -1 is the one sentinel meaning "unbounded
// detached growth"; any other value that leaves the combined total at
// zero or below is pathological, not a legitimate unbounded request.
func (c *Config) validateMaxTotal() error {
	if c.ThreadSupplierMaxDetachedThreadCount == unboundedDetachedThreadCount {
		return nil
	}
	maxPoolable := 3 * runtime.NumCPU()
	if c.ThreadSupplierMaxPoolableThreadCount != "autodetect" {
		// Format was already checked above in Validate.
		maxPoolable, _ = strconv.Atoi(c.ThreadSupplierMaxPoolableThreadCount)
	}
	if maxPoolable+c.ThreadSupplierMaxDetachedThreadCount <= 0 {
		return fmt.Errorf("thread-supplier.max-poolable-thread-count plus thread-supplier.max-detached-thread-count must be > 0, or max-detached-thread-count must be -1 for unbounded")
	}
	return nil
}

// RequestTimeout returns the configured poolable-thread-request-timeout as
// a time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.ThreadSupplierRequestTimeoutMillis) * time.Millisecond
}

// DecayThreshold returns the configured decay threshold as a
// time.Duration.
func (c *Config) DecayThreshold() time.Duration {
	return time.Duration(c.ThreadSupplierDecayThresholdMillis) * time.Millisecond
}

// ResolvePlaceholders expands ${NAME} and ${NAME:-default} references in s
// against the process environment, the collaborator contract spec.md §6
// names as "config resolver: resolveValue(key, source) with placeholder
// substitution ${...}".
func ResolvePlaceholders(s string) string {
	return os.Expand(s, expandLookup)
}

func expandLookup(token string) string {
	name, fallback, hasFallback := strings.Cut(token, ":-")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasFallback {
		return fallback
	}
	return ""
}
