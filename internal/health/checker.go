// Package health runs periodic probes against the database pool and
// exposes the latest verdict to the admin API and metrics.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bnetd/bnetd/internal/metrics"
)

// Pinger is the probe surface; *db.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the latest probe outcome.
type Status struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	LatencyMS   int64     `json:"latency_ms"`
	LastError   string    `json:"last_error,omitempty"`
}

// Checker probes the database on an interval.
type Checker struct {
	pinger   Pinger
	metrics  *metrics.Collector
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	status Status

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewChecker builds a checker; metrics may be nil.
func NewChecker(p Pinger, m *metrics.Collector, log *slog.Logger, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		pinger:   p,
		metrics:  m,
		log:      log,
		interval: interval,
		timeout:  interval / 2,
		stopCh:   make(chan struct{}),
	}
}

// Start probes once immediately, then on every interval tick.
func (c *Checker) Start() {
	c.probe()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.probe()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Checker) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	err := c.pinger.Ping(ctx)
	elapsed := time.Since(start)

	status := Status{
		Healthy:     err == nil,
		LastChecked: time.Now(),
		LatencyMS:   elapsed.Milliseconds(),
	}
	if err != nil {
		status.LastError = err.Error()
		c.log.Warn("db health probe failed", "err", err, "elapsed", elapsed)
	}

	c.mu.Lock()
	wasHealthy := c.status.Healthy
	c.status = status
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetDBHealthy(status.Healthy)
		c.metrics.HealthProbe(elapsed, status.Healthy)
	}
	if status.Healthy && !wasHealthy {
		c.log.Info("database healthy", "latency", elapsed)
	}
}

// Healthy reports the latest verdict.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Healthy
}

// Status returns the full latest probe outcome.
func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stop halts the probe loop. Safe to call more than once.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
