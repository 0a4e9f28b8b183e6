package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus int

const (
	HealthStatusUp HealthStatus = iota
	HealthStatusDown
	HealthStatusDegraded
	HealthStatusUnknown
)

var statusNames = map[HealthStatus]string{
	HealthStatusUp:       "UP",
	HealthStatusDown:     "DOWN",
	HealthStatusDegraded: "DEGRADED",
	HealthStatusUnknown:  "UNKNOWN",
}

// String returns the status name
func (s HealthStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[HealthStatusUnknown]
}

// MarshalJSON renders the status by name
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// HealthCheck represents a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus            `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Duration   time.Duration           `json:"duration_ms"`
	Components map[string]HealthResult `json:"components"`
	Metadata   map[string]interface{}  `json:"metadata,omitempty"`
}

// HealthManager runs registered checks concurrently under a shared timeout
type HealthManager struct {
	mu       sync.RWMutex
	checks   map[string]HealthCheck
	timeout  time.Duration
	metadata map[string]interface{}
	logger   *Logger
}

// NewHealthManager creates a new health manager
func NewHealthManager(timeout time.Duration, logger *Logger) *HealthManager {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &HealthManager{
		checks:   make(map[string]HealthCheck),
		timeout:  timeout,
		metadata: make(map[string]interface{}),
		logger:   logger,
	}
}

// RegisterCheck registers a health check
func (hm *HealthManager) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[check.Name()] = check
}

// SetMetadata sets metadata for the health report
func (hm *HealthManager) SetMetadata(key string, value interface{}) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.metadata[key] = value
}

// CheckHealth performs all health checks and returns a report
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthReport {
	start := time.Now()

	hm.mu.RLock()
	checks := make(map[string]HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		checks[name] = check
	}
	metadata := make(map[string]interface{}, len(hm.metadata))
	for k, v := range hm.metadata {
		metadata[k] = v
	}
	hm.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	type namedResult struct {
		name   string
		result HealthResult
	}
	results := make(chan namedResult, len(checks))

	for name, check := range checks {
		go func(name string, check HealthCheck) {
			checkStart := time.Now()
			result := check.Check(ctx)
			result.Duration = time.Since(checkStart)
			result.Timestamp = time.Now()
			results <- namedResult{name, result}
		}(name, check)
	}

	components := make(map[string]HealthResult, len(checks))
	overallStatus := HealthStatusUp

	for i := 0; i < len(checks); i++ {
		r := <-results
		components[r.name] = r.result

		switch r.result.Status {
		case HealthStatusDown:
			overallStatus = HealthStatusDown
		case HealthStatusDegraded, HealthStatusUnknown:
			if overallStatus == HealthStatusUp {
				overallStatus = r.result.Status
			}
		}
	}

	report := HealthReport{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		Components: components,
		Metadata:   metadata,
	}

	if overallStatus != HealthStatusUp {
		hm.logger.WarnWithFields("health check not passing", map[string]interface{}{
			"status":      overallStatus.String(),
			"duration_ms": report.Duration.Milliseconds(),
			"components":  len(components),
		})
	}

	return report
}

// CheckFunc adapts a plain probe into a HealthCheck. A nil error is UP; an
// error is reported as DOWN unless degraded is set.
type CheckFunc struct {
	name     string
	probe    func(ctx context.Context) error
	degraded bool
}

// NewCheckFunc wraps probe as a check that reports DOWN on error
func NewCheckFunc(name string, probe func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, probe: probe}
}

// Degraded makes failures count as DEGRADED instead of DOWN
func (c *CheckFunc) Degraded() *CheckFunc {
	c.degraded = true
	return c
}

// Name returns the check name
func (c *CheckFunc) Name() string {
	return c.name
}

// Check runs the probe
func (c *CheckFunc) Check(ctx context.Context) HealthResult {
	if err := c.probe(ctx); err != nil {
		status := HealthStatusDown
		if c.degraded {
			status = HealthStatusDegraded
		}
		return HealthResult{
			Status:  status,
			Message: err.Error(),
		}
	}
	return HealthResult{Status: HealthStatusUp}
}

// DirectoryHealthCheck verifies that a directory exists and is writable,
// used for the repository root
type DirectoryHealthCheck struct {
	name string
	dir  string
}

// NewDirectoryHealthCheck creates a check for dir
func NewDirectoryHealthCheck(name, dir string) *DirectoryHealthCheck {
	return &DirectoryHealthCheck{name: name, dir: dir}
}

// Name returns the check name
func (d *DirectoryHealthCheck) Name() string {
	return d.name
}

// Check stats the directory and probes write access with a temp file
func (d *DirectoryHealthCheck) Check(ctx context.Context) HealthResult {
	details := map[string]interface{}{"path": d.dir}

	info, err := os.Stat(d.dir)
	if err != nil {
		return HealthResult{Status: HealthStatusDown, Message: err.Error(), Details: details}
	}
	if !info.IsDir() {
		return HealthResult{Status: HealthStatusDown, Message: fmt.Sprintf("%s is not a directory", d.dir), Details: details}
	}

	f, err := os.CreateTemp(d.dir, ".health-*")
	if err != nil {
		return HealthResult{Status: HealthStatusDegraded, Message: fmt.Sprintf("not writable: %v", err), Details: details}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return HealthResult{Status: HealthStatusUp, Details: details}
}
