// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// SignalingTokenExpiry is the lifetime of a call-scoped signaling token
	SignalingTokenExpiry = 1 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)

// Call-related constants
const (
	// CallRingTimeout is how long a call may wait for an answer before it is missed
	CallRingTimeout = 45 * time.Second

	// CallSweepInterval is how often unanswered calls are checked for expiry
	CallSweepInterval = 5 * time.Second

	// CallSweepBatch caps the calls expired by one sweep
	CallSweepBatch = 100
)

// Signaling constants
const (
	// SignalSendBuffer is the per-connection outbound queue size
	SignalSendBuffer = 256

	// MaxSignalMessageSize caps an inbound signaling frame (SDP bodies included)
	MaxSignalMessageSize = 64 * 1024

	// MaxSignalingConnections is the default cap on concurrent signaling sockets
	MaxSignalingConnections = 1000
)

// Presence constants
const (
	// PresenceTTL is the lifetime of a mirrored presence key in Redis
	PresenceTTL = 5 * time.Minute
)

// Audit constants
const (
	// AuditLogRetention is how long a day's call audit list is kept
	AuditLogRetention = 90 * 24 * time.Hour
)
