package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// HostStatus is a point-in-time view of a message host
type HostStatus struct {
	State      string
	Running    bool
	Connection string
	Connected  bool
	Queues     int
	InFlight   int64
}

// StatusReporter is implemented by the message host
type StatusReporter interface {
	Status() HostStatus
}

// HostChecker reports the host lifecycle and broker connection. A running
// host on a live connection is healthy, a host that is starting, stopping or
// reconnecting is degraded, a stopped host is unhealthy.
type HostChecker struct {
	host StatusReporter
}

// NewHostChecker creates a new host health checker
func NewHostChecker(host StatusReporter) *HostChecker {
	return &HostChecker{host: host}
}

func (c *HostChecker) Name() string {
	return "mqhost"
}

func (c *HostChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := c.host.Status()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":      status.State,
			"connection": status.Connection,
			"queues":     status.Queues,
			"in_flight":  status.InFlight,
		},
	}

	switch {
	case status.Running && status.Connected:
		result.Status = StatusHealthy
		result.Message = "Host is running"
	case status.State == "stopped":
		result.Status = StatusUnhealthy
		result.Message = "Host is stopped"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Host is %s, connection is %s", status.State, status.Connection)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts. Every delivery runs on its
// own goroutine, so a climbing count means handlers are not returning.
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"goroutines": goroutines},
	}

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
