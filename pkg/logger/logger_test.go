package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Disabled(t *testing.T) {
	for _, level := range []string{"", "none", "OFF"} {
		l, err := New(Config{Level: level})
		require.NoError(t, err)
		require.False(t, l.Core().Enabled(zap.ErrorLevel), level)
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, err := New(Config{Level: "WARN", Format: "json", OutputFile: path, Fields: map[string]string{"database": "people.db"}})
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zap.InfoLevel))

	l.Warn("checkpoint skipped", zap.Int("pages", 3))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.True(t, strings.Contains(line, `"service":"gojolite"`), line)
	require.True(t, strings.Contains(line, `"level":"WARN"`), line)
	require.True(t, strings.Contains(line, `"pages":3`), line)
	require.True(t, strings.Contains(line, `"database":"people.db"`), line)
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty", Format: "console", OutputFile: "stderr"})
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zap.InfoLevel))
	require.False(t, l.Core().Enabled(zap.DebugLevel))
}
