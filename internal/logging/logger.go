package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLevel(os.Getenv("LOG_LEVEL")),
		})
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// WithDistribution returns a logger with distribution run fields attached.
// Use this for all logging within one pipeline run.
func WithDistribution(runID, userID string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"user_id", userID,
	)
}

// WithAgent returns a logger scoped to the island a run was routed to.
func WithAgent(logger *slog.Logger, agentID, agentName string) *slog.Logger {
	return logger.With(
		"agent_id", agentID,
		"agent_name", agentName,
	)
}
