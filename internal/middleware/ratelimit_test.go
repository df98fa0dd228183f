package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributeRateLimiter_PerUser(t *testing.T) {
	cfg := &RateLimitConfig{DistributeMax: 2, DistributeExpiration: time.Minute}
	app := fiber.New()
	app.Post("/d", DistributeRateLimiter(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(user string) int {
		req := httptest.NewRequest("POST", "/d", nil)
		req.Header.Set("X-User-ID", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, send("alice"))
	assert.Equal(t, fiber.StatusOK, send("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, send("alice"))
	assert.Equal(t, fiber.StatusOK, send("bob"))
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("RATE_LIMIT_DISTRIBUTE", "7")
	t.Setenv("RATE_LIMIT_GLOBAL_API", "bogus")

	cfg := LoadRateLimitConfig()
	assert.Equal(t, 7, cfg.DistributeMax)
	assert.Equal(t, 200, cfg.GlobalAPIMax)
}
