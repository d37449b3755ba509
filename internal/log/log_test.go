package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedLogger(buf *bytes.Buffer, level Level) *Logger {
	l := New(buf, level)
	l.now = func() time.Time { return time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC) }
	return l
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, LevelDebug)

	l.Info(CatStream, "connected", "host", "review.example.org", "port", 29418)

	require.Equal(t, "2025-12-06T10:45:00 [INFO] [stream] connected host=review.example.org port=29418\n", buf.String())
}

func TestLogger_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, LevelDebug)

	l.Warn(CatCommand, "dangling", "key")

	require.True(t, strings.HasSuffix(buf.String(), "dangling key=<missing>\n"), buf.String())
}

func TestLogger_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, LevelWarn)

	l.Debug(CatStream, "hidden")
	l.Info(CatStream, "hidden")
	require.Empty(t, buf.String())

	l.Error(CatStream, "shown")
	require.Contains(t, buf.String(), "[ERROR] [stream] shown")

	buf.Reset()
	l.SetMinLevel(LevelDebug)
	l.Debug(CatStream, "now shown")
	require.Contains(t, buf.String(), "[DEBUG]")
}

func TestLogger_SetEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, LevelDebug)

	l.SetEnabled(false)
	l.Error(CatCLI, "silenced")
	require.Empty(t, buf.String())

	l.SetEnabled(true)
	l.Error(CatCLI, "audible")
	require.Contains(t, buf.String(), "audible")
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, LevelDebug)

	l.ErrorErr(CatJournal, "append failed", errors.New("disk full"), "id", 7)
	require.Contains(t, buf.String(), "append failed id=7 error=disk full")

	buf.Reset()
	l.ErrorErr(CatJournal, "nil error", nil)
	require.Contains(t, buf.String(), "error=<nil>")
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	require.NotPanics(t, func() {
		l.Debug(CatStream, "x")
		l.Info(CatStream, "x")
		l.Warn(CatStream, "x")
		l.Error(CatStream, "x")
		l.ErrorErr(CatStream, "x", errors.New("y"))
		l.SetEnabled(true)
		l.SetMinLevel(LevelDebug)
	})
}

func TestOpen_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gerritwatch.log")

	l, cleanup, err := Open(path, LevelInfo)
	require.NoError(t, err)
	l.Info(CatConfig, "first")
	cleanup()

	l, cleanup, err = Open(path, LevelInfo)
	require.NoError(t, err)
	l.Info(CatConfig, "second")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "first")
	require.Contains(t, lines[1], "second")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
