// Package health runs dependency checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/trackersync/lru"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusDisabled Status = "disabled"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK && s != StatusDisabled {
				c.logger.Warn().Str("check", n).Str("status", string(s)).Msg("Health check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()
	return results
}

// Healthy reports whether every check is ok or disabled.
func Healthy(results map[string]Status) bool {
	for _, s := range results {
		if s != StatusOK && s != StatusDisabled {
			return false
		}
	}
	return true
}

// Pinger is implemented by the SQLite store.
type Pinger interface {
	Ping() error
}

// PingCheck is down when Ping fails.
func PingCheck(p Pinger) CheckFunc {
	return func(context.Context) Status {
		if err := p.Ping(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// TrackerCheck calls the tracker's user endpoint. A tracker that is not
// configured reports disabled; one that rejects the token is down.
func TrackerCheck(api tracker.API) CheckFunc {
	return func(ctx context.Context) Status {
		_, err := api.GetUser(ctx)
		switch {
		case err == nil:
			return StatusOK
		case perrors.Is(err, perrors.ErrNotConfigured):
			return StatusDisabled
		case perrors.Is(err, perrors.ErrAuthFailure):
			return StatusDown
		}
		return StatusDegraded
	}
}

// Cached remembers the status fn reports for ttl, so a busy /health endpoint
// calls the dependency at most once per ttl. ttl <= 0 disables caching.
func Cached(fn CheckFunc, ttl time.Duration) CheckFunc {
	if ttl <= 0 {
		return fn
	}
	const key = "status"
	cache := lru.New[string, Status](1, lru.WithTTL[string, Status](ttl))
	return func(ctx context.Context) Status {
		if s, ok := cache.Get(key); ok {
			return s
		}
		s := fn(ctx)
		cache.Put(key, s)
		return s
	}
}

// DeadLetterCounter counts unresolved dead letters.
type DeadLetterCounter interface {
	CountUnresolved() (int, error)
}

// DeadLetterCheck is degraded while any dead letter is unresolved.
func DeadLetterCheck(dl DeadLetterCounter) CheckFunc {
	return func(context.Context) Status {
		n, err := dl.CountUnresolved()
		switch {
		case err != nil:
			return StatusDown
		case n > 0:
			return StatusDegraded
		}
		return StatusOK
	}
}
