package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggingWritesFileAndConsole(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer

	l, err := SetupLogging(Config{Dir: dir, Level: "debug", Console: &console})
	require.NoError(t, err)

	l.Named("lifecycle").Debug("session created", zap.String("session_id", "s1"))
	_, err = l.Writer().Write([]byte("[GIN] 200 GET /api/sessions\n"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
	assert.Contains(t, string(data), `"logger":"lifecycle"`)
	assert.Contains(t, string(data), "[GIN] 200 GET /api/sessions")
	assert.Contains(t, console.String(), "session created")
}

func TestSetupLoggingRespectsLevel(t *testing.T) {
	var console bytes.Buffer
	l, err := SetupLogging(Config{Dir: t.TempDir(), Level: "warn", Console: &console})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
