package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output is json off a terminal", func(t *testing.T) {
		t.Setenv("DEBUG", "")
		var buf bytes.Buffer
		logger, err := New(Options{Console: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Debug("hidden")
		logger.With("repo", "app").Info("routed", "event", "push")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, "routed", line["msg"])
		require.Equal(t, "app", line["repo"])
		require.Equal(t, "push", line["event"])
	})

	t.Run("debug flag lowers the level", func(t *testing.T) {
		t.Setenv("DEBUG", "")
		var buf bytes.Buffer
		logger, err := New(Options{Console: &buf, Debug: true})
		require.NoError(t, err)
		logger.Debug("visible")
		require.Contains(t, buf.String(), "visible")
	})

	t.Run("file receives debug records regardless of console level", func(t *testing.T) {
		t.Setenv("DEBUG", "")
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "logs", "cibot.log")
		logger, err := New(Options{Console: &buf, File: path, Level: "error"})
		require.NoError(t, err)

		logger.Debug("to file only")
		require.NoError(t, logger.Close())
		require.Empty(t, buf.String())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), "to file only")
	})
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestRotatingWriterEnv(t *testing.T) {
	t.Setenv(EnvLogMaxSize, "3")
	t.Setenv(EnvLogMaxBackups, "0")
	t.Setenv(EnvLogMaxAge, "bogus")

	w := newRotatingWriter("x.log")
	require.Equal(t, 3, w.MaxSize)
	require.Equal(t, 0, w.MaxBackups)
	require.Equal(t, 30, w.MaxAge)
}
