package logging_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/gt"
)

func TestNewRespectsLevel(t *testing.T) {
	testCases := []struct {
		name     string
		level    string
		contains []string
		excludes []string
	}{
		{
			name:     "debug shows everything",
			level:    "debug",
			contains: []string{"debug message", "info message", "warn message"},
		},
		{
			name:     "warn hides info",
			level:    "WARN",
			contains: []string{"warn message"},
			excludes: []string{"debug message", "info message"},
		},
		{
			name:     "unknown level falls back to info",
			level:    "verbose",
			contains: []string{"info message"},
			excludes: []string{"debug message"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.New(tc.level, &buf)
			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")

			output := buf.String()
			for _, s := range tc.contains {
				gt.S(t, output).Contains(s)
			}
			for _, s := range tc.excludes {
				gt.S(t, output).NotContains(s)
			}
		})
	}
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("info", &buf)

	ctx := logging.With(context.Background(), logger)
	logging.Component(ctx, "memory").Info("stored trace")

	gt.S(t, buf.String()).Contains("stored trace")
	gt.S(t, buf.String()).Contains("memory")
	gt.V(t, logging.From(context.Background())).NotNil()
}
