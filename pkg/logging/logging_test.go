package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "empty defaults to info", input: "", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning alias", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "mixed case", input: "DEBUG", want: slog.LevelDebug},
		{name: "unknown", input: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, level)
		})
	}
}

func TestSubsystemAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, &buf)

	Info("TokenStore", "token stored, has_refresh_token=%t", true)

	out := buf.String()
	assert.Contains(t, out, "subsystem=TokenStore")
	assert.Contains(t, out, "token stored, has_refresh_token=true")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelWarn, &buf)

	Debug("Session", "should be dropped")
	Info("Session", "should be dropped too")
	Warn("Session", "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, &buf)

	Error("Broker", errors.New("connection refused"), "refresh failed")

	out := buf.String()
	assert.Contains(t, out, "refresh failed")
	assert.Contains(t, out, "connection refused")
}
