package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherroom/internal/logging"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug().Str("room_id", "!r:example.org").Msg("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "debug", line["level"])
	require.Equal(t, "!r:example.org", line["room_id"])
	require.Equal(t, "hello", line["message"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Level: "WARN", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	require.Zero(t, buf.Len())
	log.Warn().Msg("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestNew_ConsoleIsDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{}, &buf)
	require.NoError(t, err)

	log.Info().Msg("plain")
	if strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestNew_BadConfig_Fails(t *testing.T) {
	_, err := logging.New(logging.Config{Level: "loud"}, nil)
	require.Error(t, err)
	_, err = logging.New(logging.Config{Format: "xml"}, nil)
	require.Error(t, err)
}
