package log

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf, Service: "unit"})

	l.Info().Msg("hidden")
	l.Warn().Str(FieldDevice, "TV1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "unit", entry[FieldService])
	require.Equal(t, "TV1", entry[FieldDevice])
	require.Equal(t, "shown", entry["message"])
}

func TestNewWritesRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "castkeeper.log")
	l := New(Config{Output: &buf, File: FileConfig{Path: path, MaxSizeMB: 1}})

	l.Info().Msg("to both")

	require.FileExists(t, path)
	require.Contains(t, buf.String(), "to both")
}
