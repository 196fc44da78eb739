// Package health aggregates liveness/readiness information for the daemon:
// a named set of cheap connectivity probes (the control-plane store, each
// monitored SQL Server instance) plus basic process resource usage, served
// over plain HTTP alongside the Prometheus endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check is a single named probe. It should return quickly and never block
// on anything longer than the context's deadline.
type Check func(ctx context.Context) error

// ComponentHealth is the last observed result of one registered Check.
type ComponentHealth struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"lastChecked"`
	Message     string    `json:"message,omitempty"`
}

// ResourceMetrics is a point-in-time snapshot of process resource usage.
type ResourceMetrics struct {
	MemoryAllocMB  float64 `json:"memoryAllocMb"`
	MemorySysMB    float64 `json:"memorySysMb"`
	GoroutineCount int     `json:"goroutineCount"`
}

// Status is the aggregate health of the daemon at one point in time.
type Status struct {
	Healthy    bool                       `json:"healthy"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	Resources  ResourceMetrics            `json:"resources"`
}

// Checker owns a registry of named Checks and caches the aggregate result
// for a short interval so frequent readiness probes don't hammer every
// downstream dependency.
type Checker struct {
	logger    *zap.Logger
	startTime time.Time
	interval  time.Duration

	mu      sync.Mutex
	checks  map[string]Check
	last    *Status
	lastRun time.Time
}

// NewChecker builds a Checker that re-runs its registered checks at most
// once per interval.
func NewChecker(logger *zap.Logger, interval time.Duration) *Checker {
	return &Checker{
		logger:    logger,
		startTime: time.Now(),
		interval:  interval,
		checks:    make(map[string]Check),
	}
}

// Register adds a named probe. Registering under a name that already
// exists replaces it.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs every registered probe (using the cached result if it's still
// fresh) and returns the aggregate status.
func (c *Checker) Check(ctx context.Context) *Status {
	c.mu.Lock()
	if c.last != nil && time.Since(c.lastRun) < c.interval {
		cached := c.last
		c.mu.Unlock()
		return cached
	}
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.Unlock()

	status := &Status{
		Healthy:    true,
		Timestamp:  time.Now(),
		Uptime:     time.Since(c.startTime),
		Components: make(map[string]ComponentHealth, len(checks)),
		Resources:  resourceMetrics(),
	}

	for name, check := range checks {
		ch := ComponentHealth{Name: name, Healthy: true, LastChecked: time.Now()}
		if err := check(ctx); err != nil {
			ch.Healthy = false
			ch.Message = err.Error()
			status.Healthy = false
			c.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
		}
		status.Components[name] = ch
	}

	c.mu.Lock()
	c.last = status
	c.lastRun = time.Now()
	c.mu.Unlock()

	return status
}

func resourceMetrics() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ResourceMetrics{
		MemoryAllocMB:  float64(m.Alloc) / 1024 / 1024,
		MemorySysMB:    float64(m.Sys) / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

// LivenessHandler reports the process is running, independent of any
// downstream dependency.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "alive",
			"uptime": time.Since(c.startTime).Seconds(),
		})
	}
}

// ReadinessHandler runs every registered check and reports 503 if any has
// failed.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
