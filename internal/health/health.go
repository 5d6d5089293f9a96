// Package health aggregates the status of the stores and services the
// order engine depends on.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results, in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// DatabaseChecker pings the order store's Postgres pool.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// RedisChecker pings the lock backend.
func RedisChecker(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// StaticChecker reports a fixed detail, used for in-process backends such as
// the memory store so /health shows which backend is active.
func StaticChecker(name, detail string) Checker {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true, Detail: detail}
	}
}

// Handler returns the aggregate health endpoint. It answers 503 when any
// subsystem is unhealthy.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		status := "healthy"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}
		c.JSON(code, gin.H{
			"status":    status,
			"version":   version,
			"timestamp": time.Now().UTC(),
			"checks":    statuses,
		})
	}
}

// Live always answers 200 while the process is serving.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
