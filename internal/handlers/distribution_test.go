package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgeroute/internal/database"
	"knowledgeroute/internal/health"
	"knowledgeroute/internal/models"
	"knowledgeroute/internal/services"
)

type fakeDistributor struct {
	result *services.DistributionResult
	err    error
	events []services.StreamEvent
	got    *models.Submission
	opts   services.DistributeOptions
}

func (f *fakeDistributor) Distribute(ctx context.Context, sub *models.Submission, opts services.DistributeOptions) (*services.DistributionResult, error) {
	f.got = sub
	f.opts = opts
	if opts.OnEvent != nil {
		for _, ev := range f.events {
			opts.OnEvent(ev)
		}
	}
	return f.result, f.err
}

func setupDistributionApp(t *testing.T, dist *fakeDistributor, asyncAllowed bool) (*fiber.App, *database.MemoryRepository, *services.AgentRegistryCache) {
	t.Helper()
	repo := database.NewMemoryRepository()
	registry := services.NewAgentRegistryCache(repo, time.Minute, nil)

	app := fiber.New()
	NewDistributionHandler(dist, registry, repo, DistributionHandlerConfig{AsyncAllowed: asyncAllowed, StreamingDefault: true}).RegisterRoutes(app.Group("/api"))
	return app, repo, registry
}

func postJSON(t *testing.T, app *fiber.App, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestDistribute_Success(t *testing.T) {
	dist := &fakeDistributor{result: &services.DistributionResult{
		Distribution: &models.Distribution{ID: "d1", UserID: "u1"},
		Agent:        &models.AgentProfile{ID: "a1", Name: "Learning"},
	}}
	app, _, _ := setupDistributionApp(t, dist, false)

	status, body := postJSON(t, app, "/api/distributions",
		`{"user_id":"u1","content":"Docker tutorial","async":true,"priority":3}`)
	require.Equal(t, fiber.StatusOK, status, string(body))

	var result services.DistributionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "Learning", result.Agent.Name)
	assert.Equal(t, "Docker tutorial", dist.got.Content)
	assert.False(t, dist.opts.Async, "async is off unless the server allows it")
	assert.Equal(t, 3, dist.opts.Priority)
	assert.True(t, dist.opts.Streaming, "server default applies")

	postJSON(t, app, "/api/distributions", `{"user_id":"u1","content":"Docker tutorial","stream":false}`)
	assert.False(t, dist.opts.Streaming)
}

func TestDistribute_Queued(t *testing.T) {
	dist := &fakeDistributor{result: &services.DistributionResult{Queued: true, TaskID: "t1"}}
	app, _, _ := setupDistributionApp(t, dist, true)

	status, _ := postJSON(t, app, "/api/distributions", `{"user_id":"u1","content":"hello","async":true}`)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.True(t, dist.opts.Async)
}

func TestDistribute_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty", services.ErrEmptySubmission, fiber.StatusBadRequest},
		{"no island", services.ErrNoAgent, fiber.StatusUnprocessableEntity},
		{"provider down", fmt.Errorf("classify: %w", services.ErrAIUnavailable), fiber.StatusServiceUnavailable},
		{"truncated", services.ErrIncompleteClassification, fiber.StatusBadGateway},
		{"other", fmt.Errorf("disk full"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _, _ := setupDistributionApp(t, &fakeDistributor{err: tt.err}, false)
			status, body := postJSON(t, app, "/api/distributions", `{"user_id":"u1","content":"x"}`)
			assert.Equal(t, tt.want, status)
			assert.NotContains(t, string(body), "disk full")
		})
	}
}

func TestDistribute_Validation(t *testing.T) {
	app, _, _ := setupDistributionApp(t, &fakeDistributor{}, false)

	status, _ := postJSON(t, app, "/api/distributions", `{"content":"no user"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = postJSON(t, app, "/api/distributions", `not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestDistributeStream_Events(t *testing.T) {
	dist := &fakeDistributor{
		events: []services.StreamEvent{
			{Kind: services.EventImmediate, Immediate: &models.ImmediateResponse{Summary: "quick"}},
			{Kind: services.EventDeep, Deep: &models.DeepAnalysis{}},
		},
		result: &services.DistributionResult{Distribution: &models.Distribution{ID: "d1"}},
	}
	app, _, _ := setupDistributionApp(t, dist, false)

	status, body := postJSON(t, app, "/api/distributions/stream", `{"user_id":"u1","content":"Docker"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, dist.opts.Streaming)

	text := string(body)
	immediate := strings.Index(text, "event: immediate")
	deep := strings.Index(text, "event: deep")
	result := strings.Index(text, "event: result")
	require.GreaterOrEqual(t, immediate, 0)
	assert.Greater(t, deep, immediate)
	assert.Greater(t, result, deep)
	assert.Contains(t, text, `"quick"`)
}

func TestDistributeStream_Error(t *testing.T) {
	app, _, _ := setupDistributionApp(t, &fakeDistributor{err: services.ErrAIUnavailable}, false)

	_, body := postJSON(t, app, "/api/distributions/stream", `{"user_id":"u1","content":"Docker"}`)
	assert.Contains(t, string(body), "event: error")
	assert.NotContains(t, string(body), "event: result")
}

func TestIslands_CreateAndList(t *testing.T) {
	app, _, _ := setupDistributionApp(t, &fakeDistributor{}, false)

	status, body := postJSON(t, app, "/api/islands/u1",
		`{"name":"Cooking","keywords":["recipe"],"memory_count":99}`)
	require.Equal(t, fiber.StatusCreated, status, string(body))

	var created models.AgentProfile
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.UserID)
	assert.Zero(t, created.MemoryCount)

	status, _ = postJSON(t, app, "/api/islands/u1", `{"name":"  "}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/islands/u1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var listed struct {
		Islands []models.AgentProfile `json:"islands"`
		Total   int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, "Cooking", listed.Islands[0].Name)
}

func TestIslands_UserIDsSurviveLaterRequests(t *testing.T) {
	app, repo, _ := setupDistributionApp(t, &fakeDistributor{}, false)

	status, body := postJSON(t, app, "/api/islands/alice", `{"name":"Cooking"}`)
	require.Equal(t, fiber.StatusCreated, status, string(body))

	listIslands := func(userID string) []models.AgentProfile {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/islands/"+userID, nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		var listed struct {
			Islands []models.AgentProfile `json:"islands"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
		return listed.Islands
	}
	require.Len(t, listIslands("alice"), 1)

	for i := 0; i < 20; i++ {
		status, body := postJSON(t, app, "/api/islands/zzzzz", fmt.Sprintf(`{"name":"Island %d"}`, i))
		require.Equal(t, fiber.StatusCreated, status, string(body))
		listIslands("bobby")
	}

	alice := listIslands("alice")
	require.Len(t, alice, 1)
	assert.Equal(t, "alice", alice[0].UserID)
	assert.Equal(t, "Cooking", alice[0].Name)
	assert.Len(t, listIslands("zzzzz"), 20)

	stored, err := repo.ListAgentProfiles(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].UserID)
}

func TestListKnowledge(t *testing.T) {
	app, repo, _ := setupDistributionApp(t, &fakeDistributor{}, false)
	ctx := context.Background()

	for i, agent := range []string{"a1", "a1", "a2"} {
		require.NoError(t, repo.CreateKnowledgeRecord(ctx, &models.KnowledgeRecord{
			ID:             fmt.Sprintf("k%d", i),
			UserID:         "u1",
			AgentID:        agent,
			DistributionID: fmt.Sprintf("d%d", i),
			Title:          "note",
			CreatedAt:      time.Now(),
		}))
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/knowledge/u1?agentId=a1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var listed struct {
		Records []models.KnowledgeRecord `json:"records"`
		Total   int                      `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Equal(t, 2, listed.Total)
}

func TestHealthHandler(t *testing.T) {
	svc := health.NewService(1, time.Minute)
	svc.Register("primary", health.RolePrimary, nil)
	cache := services.NewClassificationCache(time.Minute, 10, nil)

	app := fiber.New()
	app.Get("/health", NewHealthHandler(svc, nil, cache).Handle)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "classification_cache")

	svc.MarkUnhealthy("primary", "connection refused")
	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}
