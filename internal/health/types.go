package health

import (
	"context"
	"time"
)

// Role describes where a provider sits in the degradation chain
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
)

// HealthStatus represents the health state of a provider
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusCooldown  HealthStatus = "cooldown"
	StatusUnknown   HealthStatus = "unknown"
)

// ProviderHealth tracks the health of a single AI provider endpoint
type ProviderHealth struct {
	Name          string       `json:"name"`
	Role          Role         `json:"role"`
	Status        HealthStatus `json:"status"`
	LastChecked   time.Time    `json:"last_checked"`
	LastSuccessAt time.Time    `json:"last_success_at"`
	FailureCount  int          `json:"failure_count"`
	LastError     string       `json:"last_error,omitempty"`
	CooldownUntil time.Time    `json:"cooldown_until"`
}

// Pinger performs a lightweight liveness probe against a provider.
// Returns an error whose text is inspected with ClassifyLimit.
type Pinger interface {
	Ping(ctx context.Context) error
}
