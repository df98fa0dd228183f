package health

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownDuration = 5 * time.Minute
)

// Service tracks health for the AI providers used by the pipeline
type Service struct {
	mu               sync.RWMutex
	entries          map[string]*ProviderHealth // key: provider name
	pingers          map[string]Pinger
	failureThreshold int
	cooldownDuration time.Duration
	now              func() time.Time
}

// NewService creates a new health service
func NewService(failureThreshold int, cooldownDuration time.Duration) *Service {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if cooldownDuration <= 0 {
		cooldownDuration = defaultCooldownDuration
	}

	return &Service{
		entries:          make(map[string]*ProviderHealth),
		pingers:          make(map[string]Pinger),
		failureThreshold: failureThreshold,
		cooldownDuration: cooldownDuration,
		now:              time.Now,
	}
}

// SetClock overrides the time source (tests)
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CooldownDuration is the default cooldown applied after quota exhaustion
func (s *Service) CooldownDuration() time.Duration {
	return s.cooldownDuration
}

// Register adds a provider to the health cache. pinger may be nil.
func (s *Service) Register(name string, role Role, pinger Pinger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; !exists {
		s.entries[name] = &ProviderHealth{
			Name:   name,
			Role:   role,
			Status: StatusUnknown,
		}
		log.Printf("[HEALTH] Registered %s provider %s", role, name)
	}
	if pinger != nil {
		s.pingers[name] = pinger
	}
}

// IsAvailable reports whether a provider should receive traffic.
// Unknown providers are assumed available.
func (s *Service) IsAvailable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.entries[name]
	if !exists {
		return true
	}

	switch h.Status {
	case StatusUnhealthy:
		return false
	case StatusCooldown:
		return !s.now().Before(h.CooldownUntil)
	default:
		return true
	}
}

// MarkHealthy marks a provider as healthy after a successful request
func (s *Service) MarkHealthy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.entries[name]
	if !exists {
		return
	}

	wasUnhealthy := h.Status == StatusUnhealthy || h.Status == StatusCooldown
	now := s.now()
	h.Status = StatusHealthy
	h.FailureCount = 0
	h.LastError = ""
	h.LastSuccessAt = now
	h.LastChecked = now
	h.CooldownUntil = time.Time{}

	if wasUnhealthy {
		log.Printf("[HEALTH] Provider %s recovered - now healthy", name)
	}
}

// MarkUnhealthy records a failure. After reaching the threshold, the provider is marked unhealthy.
func (s *Service) MarkUnhealthy(name string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.entries[name]
	if !exists {
		return
	}

	h.FailureCount++
	h.LastError = errMsg
	h.LastChecked = s.now()

	if h.FailureCount >= s.failureThreshold {
		h.Status = StatusUnhealthy
		log.Printf("[HEALTH] Provider %s marked UNHEALTHY after %d failures: %s",
			name, h.FailureCount, truncateStr(errMsg, 200))
	} else {
		log.Printf("[HEALTH] Provider %s failure %d/%d: %s",
			name, h.FailureCount, s.failureThreshold, truncateStr(errMsg, 200))
	}
}

// SetCooldown puts a provider into cooldown (typically after a quota error)
func (s *Service) SetCooldown(name string, duration time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.entries[name]
	if !exists {
		return
	}

	now := s.now()
	h.Status = StatusCooldown
	h.CooldownUntil = now.Add(duration)
	h.LastChecked = now
	h.LastError = reason

	log.Printf("[HEALTH] Provider %s in COOLDOWN until %s (reason: %s)",
		name, h.CooldownUntil.Format(time.RFC3339), truncateStr(reason, 100))
}

// IsInCooldown checks if a provider is currently in cooldown
func (s *Service) IsInCooldown(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.entries[name]
	if !exists || h.Status != StatusCooldown {
		return false
	}
	return s.now().Before(h.CooldownUntil)
}

// CheckProvider pings one provider and records the outcome
func (s *Service) CheckProvider(ctx context.Context, name string) error {
	s.mu.RLock()
	_, exists := s.entries[name]
	pinger := s.pingers[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("provider not registered: %s", name)
	}
	if pinger == nil {
		return nil
	}

	if err := pinger.Ping(ctx); err != nil {
		if limit := ClassifyLimit(0, err.Error()); limit != NotLimited {
			s.SetCooldown(name, limit.Cooldown(s.cooldownDuration), err.Error())
		} else {
			s.MarkUnhealthy(name, err.Error())
		}
		return err
	}

	s.MarkHealthy(name)
	return nil
}

// Names returns every registered provider name, primary first
func (s *Service) Names() []string {
	snapshot := s.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, h := range snapshot {
		names = append(names, h.Name)
	}
	return names
}

// Snapshot returns a copy of every entry ordered primary first, then by name
func (s *Service) Snapshot() []ProviderHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ProviderHealth, 0, len(s.entries))
	for _, h := range s.entries {
		result = append(result, *h)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Role != result[j].Role {
			return result[i].Role == RolePrimary
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// GetStatus returns a health summary keyed by status
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{"healthy": 0, "unhealthy": 0, "cooldown": 0, "unknown": 0}
	now := s.now()
	for _, h := range s.entries {
		switch h.Status {
		case StatusHealthy:
			counts["healthy"]++
		case StatusUnhealthy:
			counts["unhealthy"]++
		case StatusCooldown:
			if now.Before(h.CooldownUntil) {
				counts["cooldown"]++
			} else {
				counts["unknown"]++
			}
		default:
			counts["unknown"]++
		}
	}

	return map[string]interface{}{
		"total":     len(s.entries),
		"providers": counts,
	}
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
