// Package component defines the lifecycle contract shared by the router's
// long-running pieces: the transport listener, the router engine, the
// routing table watcher, and the control API server.
//
// Components follow a three-phase lifecycle:
//
//	Initialize() -> validate configuration, no I/O
//	Start(ctx)   -> acquire resources, spawn goroutines, return promptly
//	Stop(d)      -> signal shutdown, unblock I/O, join within d
//
// Start must be idempotent while running and Stop must be safe to call on a
// component that never started.
package component

import (
	"context"
	"time"
)

// Lifecycle is implemented by components managed from main.
type Lifecycle interface {
	// Initialize prepares the component but performs no I/O.
	Initialize() error

	// Start begins the component's work. It must not block for the
	// component's lifetime; long-running work runs on goroutines owned by
	// the component.
	Start(ctx context.Context) error

	// Stop signals shutdown and waits up to timeout for goroutines to
	// finish. Exceeding the timeout returns a transient error; resources
	// are released either way.
	Stop(timeout time.Duration) error
}

// HealthStatus reports a point-in-time view of a component's health.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// HealthReporter is implemented by components that expose health to the
// control API's /healthz endpoint.
type HealthReporter interface {
	Health() HealthStatus
}
