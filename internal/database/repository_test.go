package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgeroute/internal/models"
)

// repositories returns every Repository implementation that can run without external services
func repositories(t *testing.T) map[string]Repository {
	t.Helper()

	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { db.Close() })

	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": NewSQLRepository(db),
	}
}

func newProfile(id, userID, name string, created time.Time) *models.AgentProfile {
	return &models.AgentProfile{
		ID:           id,
		UserID:       userID,
		Name:         name,
		SystemPrompt: name + " island",
		Keywords:     []string{"alpha", "beta"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestRepository_AgentProfiles(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.CreateAgentProfile(ctx, newProfile("a2", "u1", "Work", base.Add(time.Second))))
			require.NoError(t, repo.CreateAgentProfile(ctx, newProfile("a1", "u1", "Learning", base)))
			require.NoError(t, repo.CreateAgentProfile(ctx, newProfile("a3", "u2", "Life", base)))

			assert.ErrorIs(t, repo.CreateAgentProfile(ctx, newProfile("a1", "u1", "Again", base)), ErrDuplicate)

			list, err := repo.ListAgentProfiles(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "Learning", list[0].Name)
			assert.Equal(t, "Work", list[1].Name)
			assert.Equal(t, []string{"alpha", "beta"}, list[0].Keywords)

			_, err = repo.GetAgentProfile(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.IncrementCounter(ctx, "a1", models.CounterMemoryCount, 2))

			updated := newProfile("a1", "u1", "Study", base)
			updated.MemoryCount = 99
			require.NoError(t, repo.UpdateAgentProfile(ctx, updated))

			got, err := repo.GetAgentProfile(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "Study", got.Name)
			assert.Equal(t, int64(2), got.MemoryCount, "update must not overwrite counters")

			assert.ErrorIs(t, repo.UpdateAgentProfile(ctx, newProfile("nope", "u1", "X", base)), ErrNotFound)
		})
	}
}

func TestRepository_IncrementCounter(t *testing.T) {
	ctx := context.Background()

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.CreateAgentProfile(ctx, newProfile("a1", "u1", "Learning", time.Now())))

			assert.ErrorIs(t, repo.IncrementCounter(ctx, "a1", "name", 1), ErrInvalidCounter)
			assert.ErrorIs(t, repo.IncrementCounter(ctx, "missing", models.CounterChatCount, 1), ErrNotFound)

			const n = 25
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- repo.IncrementCounter(ctx, "a1", models.CounterMemoryCount, 1)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			require.NoError(t, repo.IncrementCounter(ctx, "a1", models.CounterChatCount, 3))

			got, err := repo.GetAgentProfile(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(n), got.MemoryCount)
			assert.Equal(t, int64(3), got.ChatCount)
		})
	}
}

func TestRepository_DistributionLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			dist := &models.Distribution{
				ID:             "d1",
				UserID:         "u1",
				Content:        "Learned Docker compose basics today",
				ContentType:    models.ContentTypeText,
				ContentHash:    "abc",
				Links:          []models.LinkReference{{URL: "https://docs.docker.com", Title: "Docs"}},
				TargetAgentIDs: []string{"a1"},
				Summary:        "docker notes",
				CreatedAt:      now,
			}
			require.NoError(t, repo.CreateDistribution(ctx, dist))

			require.NoError(t, repo.AppendStoredBy(ctx, "d1", "a1"))
			require.NoError(t, repo.AppendStoredBy(ctx, "d1", "a1"))
			assert.ErrorIs(t, repo.AppendStoredBy(ctx, "missing", "a1"), ErrNotFound)

			got, err := repo.GetDistribution(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, got.StoredBy)
			assert.Equal(t, []string{"a1"}, got.TargetAgentIDs)
			require.Len(t, got.Links, 1)
			assert.Equal(t, "https://docs.docker.com", got.Links[0].URL)
			assert.True(t, got.CreatedAt.Equal(now))

			decision := &models.AgentDecision{
				ID:             "dec1",
				DistributionID: "d1",
				AgentID:        "a1",
				RelevanceScore: 0.8,
				Confidence:     0.7,
				ShouldStore:    true,
				Reasoning:      "about docker",
				SuggestedTags:  []string{"docker"},
				CreatedAt:      now,
			}
			require.NoError(t, repo.CreateDecision(ctx, decision))

			second := *decision
			second.ID = "dec2"
			assert.ErrorIs(t, repo.CreateDecision(ctx, &second), ErrDuplicate)

			gotDecision, err := repo.GetDecisionByDistribution(ctx, "d1")
			require.NoError(t, err)
			assert.Equal(t, "dec1", gotDecision.ID)
			assert.InDelta(t, 0.8, gotDecision.RelevanceScore, 1e-9)
			assert.True(t, gotDecision.ShouldStore)

			_, err = repo.GetDecisionByDistribution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepository_DeleteDistribution(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"d1", "d2"} {
				require.NoError(t, repo.CreateDistribution(ctx, &models.Distribution{ID: id, UserID: "u1", Content: "notes", CreatedAt: now}))
				require.NoError(t, repo.CreateDecision(ctx, &models.AgentDecision{ID: "dec-" + id, DistributionID: id, AgentID: "a1", CreatedAt: now}))
				require.NoError(t, repo.CreateKnowledgeRecord(ctx, &models.KnowledgeRecord{ID: "rec-" + id, UserID: "u1", AgentID: "a1", DistributionID: id, CreatedAt: now}))
			}

			require.NoError(t, repo.DeleteDistribution(ctx, "d1"))
			require.NoError(t, repo.DeleteDistribution(ctx, "missing"))

			_, err := repo.GetDistribution(ctx, "d1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetDecisionByDistribution(ctx, "d1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.GetKnowledgeRecordByDistribution(ctx, "d1")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = repo.GetDistribution(ctx, "d2")
			assert.NoError(t, err, "other distributions are untouched")
			_, err = repo.GetKnowledgeRecordByDistribution(ctx, "d2")
			assert.NoError(t, err)

			require.NoError(t, repo.CreateDistribution(ctx, &models.Distribution{ID: "d1", UserID: "u1", CreatedAt: now}),
				"the id can be reused after deletion")
		})
	}
}

func TestRepository_KnowledgeRecords(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				agent := "a1"
				if i == 2 {
					agent = "a2"
				}
				rec := &models.KnowledgeRecord{
					ID:             fmt.Sprintf("r%d", i),
					UserID:         "u1",
					AgentID:        agent,
					DistributionID: fmt.Sprintf("d%d", i),
					Content:        "content",
					Title:          fmt.Sprintf("title %d", i),
					Tags:           []string{"t"},
					Sentiment:      models.SentimentNeutral,
					Importance:     5,
					Embedding:      []float32{0.5, 0.25},
					CreatedAt:      base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, repo.CreateKnowledgeRecord(ctx, rec))
			}

			dup := &models.KnowledgeRecord{ID: "rX", UserID: "u1", AgentID: "a1", DistributionID: "d0", CreatedAt: base}
			err := repo.CreateKnowledgeRecord(ctx, dup)
			assert.True(t, errors.Is(err, ErrDuplicate), "second record for a distribution must be rejected, got %v", err)

			all, err := repo.ListKnowledgeRecords(ctx, "u1", "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "r2", all[0].ID, "newest first")

			forAgent, err := repo.ListKnowledgeRecords(ctx, "u1", "a1", 1)
			require.NoError(t, err)
			require.Len(t, forAgent, 1)
			assert.Equal(t, "r1", forAgent[0].ID)

			rec, err := repo.GetKnowledgeRecordByDistribution(ctx, "d0")
			require.NoError(t, err)
			assert.Equal(t, "title 0", rec.Title)
			assert.Equal(t, []float32{0.5, 0.25}, rec.Embedding)

			_, err = repo.GetKnowledgeRecordByDistribution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
