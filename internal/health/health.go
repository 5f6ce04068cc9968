package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Healthz returns 200 "ok\n" unconditionally.
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Checker runs readiness checks in registration order.
type Checker struct {
	checks  []namedCheck
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a checker whose checks share timeout.
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, logger: logger.With("component", "health")}
}

// Add registers a named check. Not safe to call while serving.
func (c *Checker) Add(name string, check Check) {
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Check runs every check and returns the failures as "name: error" strings.
func (c *Checker) Check(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var failures []string
	for _, nc := range c.checks {
		if err := nc.check(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", nc.name, err))
		}
	}
	return failures
}

// Readyz returns 200 "ready\n" when every check passes and 503 with the
// failing checks otherwise.
func (c *Checker) Readyz(w http.ResponseWriter, r *http.Request) {
	failures := c.Check(r.Context())
	w.Header().Set("Content-Type", "text/plain")
	if len(failures) > 0 {
		c.logger.Debug("not ready", "failures", failures)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n" + strings.Join(failures, "\n") + "\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}
