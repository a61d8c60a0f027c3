// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is implemented by *redis.Client, *sql.DB and the Redis/Postgres
// backed stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Ping returns a checker that is healthy when p.Ping succeeds.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Running returns a checker that is healthy while running reports true.
// Used for the dispatcher workers, the hub and the Kafka loops.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

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

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently, each under the
// registry timeout, and returns the aggregate health status plus individual
// subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (s Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s = Status{Name: nc.name, Healthy: false, Detail: fmt.Sprintf("panic: %v", rec)}
		}
		if s.Name == "" {
			s.Name = nc.name
		}
		s.LatencyMs = time.Since(start).Milliseconds()
	}()
	return nc.check(ctx)
}
