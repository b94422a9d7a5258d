package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// WebSocket write deadline for a single outbound message
const WSWriteTimeout = 10 * time.Second

// Default rate limiting
const (
	DefaultRateLimitPerMin = 60
	LoginAttemptsPerMin    = 5
)

// AnonymousOwnerID is the owner every controller and device maps to when
// per-owner isolation is disabled.
const AnonymousOwnerID = "anonymous"
