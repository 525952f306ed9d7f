// Package ratecontrol supplies per-provider request pacing limits. Limits
// come from config/providers.yaml when present, with built-in defaults per
// deep-research provider; the fan-out engine consults them instead of
// hard-coding RPM values, and Reload picks up file changes at runtime.
package ratecontrol

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM int `yaml:"default_rpm"`
		DefaultTPM int `yaml:"default_tpm"`

		ProviderOverrides map[string]struct {
			RPM      int `yaml:"rpm"`
			TPM      int `yaml:"tpm"`
			ScoutRPM int `yaml:"scout_rpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit bounds request and token throughput per minute. Zero means
// unlimited on that axis.
type RateLimit struct {
	RPM int
	TPM int
	// ScoutRPM bounds fan-out grounded sub-calls separately from the
	// provider's general limit.
	ScoutRPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

func loadLocked() {
	paths := []string{
		os.Getenv("DEEPRESEARCH_RATE_CONFIG"),
		"/app/config/providers.yaml",
		"./config/providers.yaml",
	}
	var cfg config
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded rate limit configuration from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && len(cfg.RateLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded rate limit configuration from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "providers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// builtInProviderLimits holds the shipped per-provider defaults. The scout
// limits match what the providers tolerate for grounded-search bursts.
var builtInProviderLimits = map[string]RateLimit{
	"openai": {RPM: 30, TPM: 60000, ScoutRPM: 25},
	"gemini": {RPM: 40, TPM: 80000, ScoutRPM: 25},
}

// LimitForProvider returns the effective limit for one provider: the yaml
// override when present, else the built-in default, else the configured
// global default.
func LimitForProvider(provider string) RateLimit {
	name := strings.ToLower(strings.TrimSpace(provider))
	cfg := get()
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if override, ok := cfg.RateLimits.ProviderOverrides[name]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM, ScoutRPM: override.ScoutRPM}
		}
	}
	if limit, ok := builtInProviderLimits[name]; ok {
		return limit
	}
	if cfg != nil {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	}
	return RateLimit{}
}

// ScoutRPM returns the fan-out sub-call rate for a provider, falling back to
// its general RPM.
func ScoutRPM(provider string) int {
	limit := LimitForProvider(provider)
	if limit.ScoutRPM > 0 {
		return limit.ScoutRPM
	}
	return limit.RPM
}

// Reload discards the cached configuration; the next lookup re-reads it.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}
