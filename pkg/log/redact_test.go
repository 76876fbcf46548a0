package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{
			name:    "bearer token",
			in:      "Authorization: Bearer abcdef1234567890xyz",
			want:    "Authorization: Bearer abcd********0xyz",
			changed: true,
		},
		{
			name:    "api key prefix",
			in:      "using key psk_0123456789abcdef",
			want:    "using key psk_********cdef",
			changed: true,
		},
		{
			name:    "email",
			in:      "user someone@example.com logged in",
			want:    "user some********.com logged in",
			changed: true,
		},
		{
			name:    "long numeric id in keying context",
			in:      `siteId=123456789012`,
			want:    `siteId=1234********9012`,
			changed: true,
		},
		{
			name:    "uuid",
			in:      "gateway 123e4567-e89b-12d3-a456-426614174000",
			want:    "gateway 123e********4000",
			changed: true,
		},
		{
			name:    "clean string untouched",
			in:      "uploaded tariff with 48 periods",
			want:    "uploaded tariff with 48 periods",
			changed: false,
		},
		{
			name:    "short numeric id untouched",
			in:      "siteId=42",
			want:    "siteId=42",
			changed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Redact(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(h)

	t.Run("redacts string attrs", func(t *testing.T) {
		buf.Reset()
		logger.Info("login", slog.String("email", "someone@example.com"))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "some********.com", rec["email"])
	})

	t.Run("preserves numeric attr types", func(t *testing.T) {
		buf.Reset()
		logger.Info("price", slog.Float64("cents", 25.3), slog.Int("count", 48))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, 25.3, rec["cents"])
		assert.Equal(t, float64(48), rec["count"])
	})

	t.Run("redacts message", func(t *testing.T) {
		buf.Reset()
		logger.Info("token is Bearer abcdef1234567890xyz")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "token is Bearer abcd********0xyz", rec["msg"])
	})

	t.Run("enabled passthrough", func(t *testing.T) {
		assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
		assert.False(t, h.Enabled(context.Background(), slog.LevelDebug-4))
	})
}
