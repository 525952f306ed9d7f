package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// ProviderHTTPConfig returns the breaker tuning for provider HTTP calls.
// Provider APIs rate-limit aggressively, so the open timeout is generous.
func ProviderHTTPConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_HTTP_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseConfig returns the breaker tuning for Postgres.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// RedisConfig returns the breaker tuning for refinement-state Redis.
func RedisConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

func getEnvUint32(key string, fallback uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
