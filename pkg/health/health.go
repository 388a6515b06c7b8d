// Package health serves liveness and readiness probes. Readiness runs every
// registered check concurrently under one deadline.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "Healthy"
	StatusUnhealthy = "Unhealthy"
)

type CheckFunc func(ctx context.Context) error

type Check struct {
	Name string
	Fn   CheckFunc
}

type Detail struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Status  string   `json:"status"`
	Details []Detail `json:"details"`
}

type Checker struct {
	timeout time.Duration
	checks  []Check
}

func NewChecker(timeout time.Duration, checks ...Check) *Checker {
	return &Checker{timeout: timeout, checks: checks}
}

// Run executes all checks and reports Unhealthy if any failed.
func (c *Checker) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	details := make([]Detail, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			d := Detail{Name: check.Name, Status: StatusHealthy}
			if err := check.Fn(ctx); err != nil {
				d.Status = StatusUnhealthy
				d.Error = err.Error()
			}
			details[i] = d
		}(i, check)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Details: details}
	for _, d := range details {
		if d.Status != StatusHealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// Register mounts /health/live and /health/ready.
func Register(r gin.IRoutes, checker *Checker) {
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, Report{Status: StatusHealthy, Details: []Detail{}})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		report := checker.Run(c.Request.Context())
		status := http.StatusOK
		if report.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
}

// RedisCheck writes, reads back and deletes a throw-away key.
func RedisCheck(client redis.UniversalClient) Check {
	return Check{Name: "redis", Fn: func(ctx context.Context) error {
		key := "hc:" + uuid.NewString()
		if err := client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
			return fmt.Errorf("set: %w", err)
		}
		got, err := client.Get(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		_ = client.Del(ctx, key).Err()
		if got != "ok" {
			return fmt.Errorf("round-trip returned %q", got)
		}
		return nil
	}}
}
