package database

import (
	"context"
	"errors"

	"knowledgeroute/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a write-once record already exists
	ErrDuplicate = errors.New("record already exists")
	// ErrInvalidCounter is returned for an unknown counter field
	ErrInvalidCounter = errors.New("invalid counter field")
)

// Repository is the persistence contract of the distribution pipeline.
// Decisions and knowledge records are unique per distribution; implementations
// must return ErrDuplicate on a second insert for the same distribution.
type Repository interface {
	CreateDistribution(ctx context.Context, d *models.Distribution) error
	GetDistribution(ctx context.Context, id string) (*models.Distribution, error)
	AppendStoredBy(ctx context.Context, distributionID, agentID string) error
	// DeleteDistribution removes a distribution with its decision and knowledge record.
	// Deleting a missing distribution is not an error.
	DeleteDistribution(ctx context.Context, id string) error

	CreateDecision(ctx context.Context, d *models.AgentDecision) error
	GetDecisionByDistribution(ctx context.Context, distributionID string) (*models.AgentDecision, error)

	CreateKnowledgeRecord(ctx context.Context, r *models.KnowledgeRecord) error
	GetKnowledgeRecordByDistribution(ctx context.Context, distributionID string) (*models.KnowledgeRecord, error)
	ListKnowledgeRecords(ctx context.Context, userID, agentID string, limit int) ([]models.KnowledgeRecord, error)

	CreateAgentProfile(ctx context.Context, p *models.AgentProfile) error
	GetAgentProfile(ctx context.Context, id string) (*models.AgentProfile, error)
	ListAgentProfiles(ctx context.Context, userID string) ([]models.AgentProfile, error)
	UpdateAgentProfile(ctx context.Context, p *models.AgentProfile) error

	// IncrementCounter atomically adds delta to a profile counter in the store
	IncrementCounter(ctx context.Context, agentID, field string, delta int64) error

	Close(ctx context.Context) error
}
