package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    zerolog.Level
		wantErr bool
	}{
		{name: "empty", input: "", want: zerolog.InfoLevel},
		{name: "debug", input: "debug", want: zerolog.DebugLevel},
		{name: "upper case", input: "WARN", want: zerolog.WarnLevel},
		{name: "unknown", input: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Modifies the global logger, must not run in parallel.
func TestInitLoggerJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer

	require.NoError(t, initLogger(&buf, "info", "json"))

	log.Debug().Msg("hidden")
	log.Info().Str("session", "1").Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"visible"`)
	assert.Contains(t, buf.String(), `"session":"1"`)

	assert.Error(t, initLogger(&buf, "info", "xml"))
}
