package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str(FieldComponent, "listener").Logger()
	l.Info().Str(FieldDevice, "SCANNER").Msg("received")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "listener", entry[FieldComponent])
	assert.Equal(t, "SCANNER", entry[FieldDevice])
}

func TestOrPrefersInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	injected := zerolog.New(&buf)

	l := Or(&injected, "client")
	l.Warn().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	fallback := Or(nil, "client")
	assert.NotEqual(t, zerolog.Disabled, fallback.GetLevel())
}
