package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"knowledgeroute/internal/models"
)

// MemoryRepository keeps everything in process memory. Used for development and tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	distributions map[string]models.Distribution
	decisions     map[string]models.AgentDecision   // key: distribution ID
	records       map[string]models.KnowledgeRecord // key: distribution ID
	profiles      map[string]models.AgentProfile
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		distributions: make(map[string]models.Distribution),
		decisions:     make(map[string]models.AgentDecision),
		records:       make(map[string]models.KnowledgeRecord),
		profiles:      make(map[string]models.AgentProfile),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) CreateDistribution(ctx context.Context, d *models.Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.distributions[d.ID]; exists {
		return ErrDuplicate
	}
	r.distributions[d.ID] = cloneDistribution(*d)
	return nil
}

func (r *MemoryRepository) GetDistribution(ctx context.Context, id string) (*models.Distribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.distributions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneDistribution(d)
	return &out, nil
}

func (r *MemoryRepository) AppendStoredBy(ctx context.Context, distributionID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.distributions[distributionID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range d.StoredBy {
		if existing == agentID {
			return nil
		}
	}
	d.StoredBy = append(append([]string(nil), d.StoredBy...), agentID)
	r.distributions[distributionID] = d
	return nil
}

func (r *MemoryRepository) DeleteDistribution(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.distributions, id)
	delete(r.decisions, id)
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository) CreateDecision(ctx context.Context, d *models.AgentDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decisions[d.DistributionID]; exists {
		return ErrDuplicate
	}
	r.decisions[d.DistributionID] = *d
	return nil
}

func (r *MemoryRepository) GetDecisionByDistribution(ctx context.Context, distributionID string) (*models.AgentDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decisions[distributionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) CreateKnowledgeRecord(ctx context.Context, rec *models.KnowledgeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.DistributionID]; exists {
		return ErrDuplicate
	}
	r.records[rec.DistributionID] = *rec
	return nil
}

func (r *MemoryRepository) GetKnowledgeRecordByDistribution(ctx context.Context, distributionID string) (*models.KnowledgeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[distributionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) ListKnowledgeRecords(ctx context.Context, userID, agentID string, limit int) ([]models.KnowledgeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.KnowledgeRecord
	for _, rec := range r.records {
		if rec.UserID != userID {
			continue
		}
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.ID]; exists {
		return ErrDuplicate
	}
	r.profiles[p.ID] = *p
	return nil
}

func (r *MemoryRepository) GetAgentProfile(ctx context.Context, id string) (*models.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListAgentProfiles(ctx context.Context, userID string) ([]models.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.AgentProfile
	for _, p := range r.profiles {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateAgentProfile(ctx context.Context, p *models.AgentProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.profiles[p.ID]
	if !ok {
		return ErrNotFound
	}
	// Counters are owned by IncrementCounter
	updated := *p
	updated.MemoryCount = existing.MemoryCount
	updated.ChatCount = existing.ChatCount
	updated.UpdatedAt = time.Now()
	r.profiles[p.ID] = updated
	return nil
}

func (r *MemoryRepository) IncrementCounter(ctx context.Context, agentID, field string, delta int64) error {
	if !models.IsCounterField(field) {
		return fmt.Errorf("%w: %s", ErrInvalidCounter, field)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return ErrNotFound
	}
	switch field {
	case models.CounterMemoryCount:
		p.MemoryCount += delta
	case models.CounterChatCount:
		p.ChatCount += delta
	}
	r.profiles[agentID] = p
	return nil
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}

func cloneDistribution(d models.Distribution) models.Distribution {
	d.StoredBy = append([]string(nil), d.StoredBy...)
	d.TargetAgentIDs = append([]string(nil), d.TargetAgentIDs...)
	return d
}
