package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", ServiceName: "identity", Output: &buf})

	log.Info().Str("user_id", "u-1").Msg("Login successful")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "identity", entry["service"])
	assert.Equal(t, "u-1", entry["user_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "loud", Output: &buf})

	log.Debug().Msg("dropped")
	log.Info().Msg("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf}).With("lockout")

	log.Info().Msg("x")
	assert.Contains(t, buf.String(), `"component":"lockout"`)
}
