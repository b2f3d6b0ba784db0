package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, slog.LevelInfo)
	logger.With("component", "zfs").Info("created dataset", "dataset", "zones/abc", "size", 42)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "INFO "), line)
	require.Contains(t, line, " | created dataset component=zfs dataset=zones/abc size=42\n")
}

func TestTextQuotesValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, nil)
	logger.Warn("rolling back build", "error", errors.New("archive extract: exit status 2"), "empty", "")

	require.Contains(t, buf.String(), `error="archive extract: exit status 2" empty=""`)
}

func TestTextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, nil)
	logger.WithGroup("volume").Info("state", "name", "zones/abc", slog.Group("snapshot", "name", "zones/abc@final"))

	require.Contains(t, buf.String(), "volume.name=zones/abc volume.snapshot.name=zones/abc@final")
}

func TestTextLevelFilter(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	level.Set(slog.LevelWarn)

	var buf bytes.Buffer
	logger := New(FormatText, &buf, &level)
	logger.Info("hidden")
	require.Empty(t, buf.String())

	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	require.Contains(t, buf.String(), "DEBUG ")
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(FormatJSON, &buf, nil).Info("wrote manifest", "sha1", "abc")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "wrote manifest", record["msg"])
	require.Equal(t, "abc", record["sha1"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for value, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(value)
		require.NoError(t, err, value)
		require.Equal(t, want, got, value)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	format, err := ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatText, format)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}
