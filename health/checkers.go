package health

import (
	"context"
	"runtime"
	"time"
)

// ConnectionState is satisfied by the AMQP transport and connection manager
type ConnectionState interface {
	IsConnected() bool
}

// RabbitMQChecker reports the broker connection state
type RabbitMQChecker struct {
	conn ConnectionState
}

// NewRabbitMQChecker creates a RabbitMQ health checker
func NewRabbitMQChecker(conn ConnectionState) *RabbitMQChecker {
	return &RabbitMQChecker{conn: conn}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}
	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		// The connection manager reconnects on its own.
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	return result
}

// Pinger is implemented by the Mongo and Redis job stores and the Postgres archive
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when Ping succeeds within timeout
type PingChecker struct {
	name    string
	pinger  Pinger
	timeout time.Duration
}

// NewPingChecker creates a checker named name
func NewPingChecker(name string, pinger Pinger, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PingChecker{name: name, pinger: pinger, timeout: timeout}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Timestamp: start}
	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "ok"
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{"response_time_ms": result.Duration.Milliseconds()}
	return result
}

// MemoryChecker degrades when the heap grows past a limit
type MemoryChecker struct {
	limitMB uint64
}

// NewMemoryChecker creates a memory checker; zero disables the limit
func NewMemoryChecker(limitMB uint64) *MemoryChecker {
	return &MemoryChecker{limitMB: limitMB}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heapMB := m.HeapAlloc / 1024 / 1024
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]any{
			"heap_alloc_mb": heapMB,
			"goroutines":    runtime.NumGoroutine(),
			"num_gc":        m.NumGC,
		},
	}
	if c.limitMB > 0 && heapMB > c.limitMB {
		result.Status = StatusDegraded
		result.Message = "heap above limit"
	}
	return result
}
