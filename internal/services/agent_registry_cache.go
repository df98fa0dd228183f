package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"knowledgeroute/internal/database"
	"knowledgeroute/internal/models"
)

// DefaultRegistryTTL is how long a user's island list is served from memory
const DefaultRegistryTTL = 5 * time.Minute

// AgentRegistryCache caches each user's islands. Any mutation of any island
// drops the owner's whole list; lists are never patched in place.
type AgentRegistryCache struct {
	repo    database.Repository
	lists   *cache.Cache // userID -> []models.AgentProfile
	metrics *PipelineMetrics

	mu   sync.RWMutex
	byID map[string]models.AgentProfile

	provisionMu sync.Mutex
}

// NewAgentRegistryCache creates a registry cache over repo
func NewAgentRegistryCache(repo database.Repository, ttl time.Duration, metrics *PipelineMetrics) *AgentRegistryCache {
	if ttl <= 0 {
		ttl = DefaultRegistryTTL
	}
	return &AgentRegistryCache{
		repo:    repo,
		lists:   cache.New(ttl, 2*ttl),
		metrics: metrics,
		byID:    make(map[string]models.AgentProfile),
	}
}

// ListForUser returns the user's islands, loading them on miss or expiry
func (r *AgentRegistryCache) ListForUser(ctx context.Context, userID string) ([]models.AgentProfile, error) {
	if value, found := r.lists.Get(userID); found {
		r.metrics.RecordCacheLookup("registry", true)
		return cloneProfiles(value.([]models.AgentProfile)), nil
	}
	r.metrics.RecordCacheLookup("registry", false)

	profiles, err := r.repo.ListAgentProfiles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load islands for user %s: %w", userID, err)
	}

	r.lists.Set(userID, cloneProfiles(profiles), cache.DefaultExpiration)

	r.mu.Lock()
	for _, p := range profiles {
		r.byID[p.ID] = p
	}
	r.mu.Unlock()

	return profiles, nil
}

// GetByID resolves one island, consulting the by-id index first.
// Returns database.ErrNotFound if it does not exist.
func (r *AgentRegistryCache) GetByID(ctx context.Context, id string) (*models.AgentProfile, error) {
	r.mu.RLock()
	p, found := r.byID[id]
	r.mu.RUnlock()
	if found {
		return &p, nil
	}

	loaded, err := r.repo.GetAgentProfile(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[id] = *loaded
	r.mu.Unlock()

	out := *loaded
	return &out, nil
}

// InvalidateUser drops the user's list and their by-id entries
func (r *AgentRegistryCache) InvalidateUser(userID string) {
	r.lists.Delete(userID)

	r.mu.Lock()
	for id, p := range r.byID {
		if p.UserID == userID {
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()
}

// CreateProfile persists a new island and invalidates the owner's list
func (r *AgentRegistryCache) CreateProfile(ctx context.Context, p *models.AgentProfile) error {
	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := r.repo.CreateAgentProfile(ctx, p); err != nil {
		return fmt.Errorf("failed to create island %s: %w", p.Name, err)
	}
	r.InvalidateUser(p.UserID)
	return nil
}

// UpdateProfile persists island edits and invalidates the owner's list
func (r *AgentRegistryCache) UpdateProfile(ctx context.Context, p *models.AgentProfile) error {
	if err := r.repo.UpdateAgentProfile(ctx, p); err != nil {
		return fmt.Errorf("failed to update island %s: %w", p.ID, err)
	}
	r.InvalidateUser(p.UserID)
	return nil
}

// IncrementCounter atomically bumps a counter in the store, then invalidates the owner's list
func (r *AgentRegistryCache) IncrementCounter(ctx context.Context, userID, agentID, field string, delta int64) error {
	if err := r.repo.IncrementCounter(ctx, agentID, field, delta); err != nil {
		return fmt.Errorf("failed to increment %s for island %s: %w", field, agentID, err)
	}
	r.InvalidateUser(userID)
	return nil
}

// IncrementChatCount records a chat against an island
func (r *AgentRegistryCache) IncrementChatCount(ctx context.Context, userID, agentID string) error {
	return r.IncrementCounter(ctx, userID, agentID, models.CounterChatCount, 1)
}

// ProvisionDefaults creates the default islands for a user who has none and
// returns the user's resulting list
func (r *AgentRegistryCache) ProvisionDefaults(ctx context.Context, userID string, templates []IslandTemplate) ([]models.AgentProfile, error) {
	r.provisionMu.Lock()
	defer r.provisionMu.Unlock()

	// The store, not the cache, decides: a concurrent run may have cached an empty list
	existing, err := r.repo.ListAgentProfiles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load islands for user %s: %w", userID, err)
	}
	if len(existing) > 0 {
		r.InvalidateUser(userID)
		return existing, nil
	}

	log.Printf("🏝️  [REGISTRY] Provisioning %d default islands for user %s", len(templates), userID)
	base := time.Now()
	for i, tmpl := range templates {
		profile := tmpl.Profile(userID)
		// Stable ordering: templates keep their declared order
		profile.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := r.CreateProfile(ctx, profile); err != nil && !errors.Is(err, database.ErrDuplicate) {
			return nil, err
		}
	}

	return r.ListForUser(ctx, userID)
}

// FindByName returns the island whose name matches label (case-insensitive)
func FindByName(profiles []models.AgentProfile, label string) *models.AgentProfile {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	for i := range profiles {
		if strings.EqualFold(profiles[i].Name, label) {
			return &profiles[i]
		}
	}
	return nil
}

// FindByKeywords returns the island with the most keyword hits in content, or nil
func FindByKeywords(profiles []models.AgentProfile, content string) *models.AgentProfile {
	var best *models.AgentProfile
	bestHits := 0
	for i := range profiles {
		hits := len(profiles[i].MatchedKeywords(content))
		if hits > bestHits {
			best = &profiles[i]
			bestHits = hits
		}
	}
	return best
}

func cloneProfiles(in []models.AgentProfile) []models.AgentProfile {
	if in == nil {
		return nil
	}
	out := make([]models.AgentProfile, len(in))
	copy(out, in)
	return out
}
