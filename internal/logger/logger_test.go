package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		checkFunc func(t *testing.T, log *slog.Logger, out *bytes.Buffer)
	}{
		{
			name: "json filters below level",
			opts: Options{Level: "warn", Format: "json"},
			checkFunc: func(t *testing.T, log *slog.Logger, out *bytes.Buffer) {
				log.Info("dropped")
				log.Warn("kept", slog.String("job_id", "j-1"))

				lines := strings.Split(strings.TrimSpace(out.String()), "\n")
				require.Len(t, lines, 1)

				var entry map[string]any
				require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
				assert.Equal(t, "WARN", entry["level"])
				assert.Equal(t, "kept", entry["msg"])
				assert.Equal(t, "j-1", entry["job_id"])
			},
		},
		{
			name: "console uses tint",
			opts: Options{Level: "info", Format: "console"},
			checkFunc: func(t *testing.T, log *slog.Logger, out *bytes.Buffer) {
				log.Info("console test")
				assert.Contains(t, out.String(), "INF")
				assert.Contains(t, out.String(), "console test")
			},
		},
		{
			name: "source location",
			opts: Options{Format: "json", AddSource: true},
			checkFunc: func(t *testing.T, log *slog.Logger, out *bytes.Buffer) {
				log.Info("with source")

				var entry map[string]any
				require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
				assert.Contains(t, entry, "source")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			tt.opts.Writer = out
			log := New(tt.opts)
			require.NotNil(t, log)
			tt.checkFunc(t, log, out)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
