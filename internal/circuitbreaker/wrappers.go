package circuitbreaker

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a breaker. It satisfies the provider
// adapters' request-doer surface, so a flapping provider API opens the
// breaker instead of stalling every lane admission.
type HTTPWrapper struct {
	client *http.Client
	cb     *CircuitBreaker
}

// NewHTTPWrapper creates an HTTP breaker wrapper named after the provider it
// guards.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPWrapper{
		client: client,
		cb:     New(name, "provider-client", ProviderHTTPConfig(), logger),
	}
}

// Do executes the request through the breaker. 5xx responses count as
// breaker failures but the response is still returned to the caller, which
// owns status classification; 4xx never trips the breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }

// DatabaseWrapper guards Postgres liveness probes with a breaker.
type DatabaseWrapper struct {
	db *sql.DB
	cb *CircuitBreaker
}

// NewDatabaseWrapper creates the Postgres breaker wrapper.
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	return &DatabaseWrapper{
		db: db,
		cb: New("postgres", "store", DatabaseConfig(), logger),
	}
}

// PingContext probes the database through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.cb.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// State exposes the breaker state for health reporting.
func (dw *DatabaseWrapper) State() State { return dw.cb.State() }

// RedisWrapper guards refinement-state Redis probes with a breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper creates the Redis breaker wrapper.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", "refine", RedisConfig(), logger),
	}
}

// Ping probes Redis through the breaker.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// State exposes the breaker state for health reporting.
func (rw *RedisWrapper) State() State { return rw.cb.State() }
