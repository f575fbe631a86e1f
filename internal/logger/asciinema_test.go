package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesHeaderAndEvents(t *testing.T) {
	var out bytes.Buffer
	r, err := NewRecorderWithWriter(&out, "t-42", 80, 24)
	require.NoError(t, err)

	require.NoError(t, r.Output([]byte("\x1b[32mok\x1b[0m")))
	require.NoError(t, r.Input([]byte("ls\r")))
	require.NoError(t, r.Resize(120, 40))
	require.NoError(t, r.Close())

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())

	var header castHeader
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, 2, header.Version)
	assert.Equal(t, 80, header.Width)
	assert.Equal(t, 24, header.Height)
	assert.Equal(t, "t-42", header.Title)

	var events []CastEvent
	for scanner.Scan() {
		var ev CastEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, "o", events[0].Kind)
	assert.Equal(t, "\x1b[32mok\x1b[0m", events[0].Data)
	assert.Equal(t, "i", events[1].Kind)
	assert.Equal(t, "r", events[2].Kind)
	assert.Equal(t, "120x40", events[2].Data)
}

func TestCastEventRejectsMalformed(t *testing.T) {
	var ev CastEvent
	assert.Error(t, json.Unmarshal([]byte(`[1.0, "o"]`), &ev))
	assert.Error(t, json.Unmarshal([]byte(`["x", "o", "d"]`), &ev))
	assert.Error(t, json.Unmarshal([]byte(`[1.0, 2, "d"]`), &ev))
}

func TestNewRecorderCreatesFile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(filepath.Join(dir, "casts"), "team/alpha:1", 80, 24)
	require.NoError(t, err)
	require.NoError(t, r.Output([]byte("hi")))
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(filepath.Join(dir, "casts"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "team_alpha_1-"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".cast"))
}

func TestSetupWriterJSON(t *testing.T) {
	var out bytes.Buffer
	SetupWriter(&out, "debug", "json")
	defer SetupWriter(os.Stderr, "info", "console")

	log.Debug().Str("module", "logger.test").Msg("hello")
	assert.Contains(t, out.String(), `"message":"hello"`)
}
