package logging

import (
	"bytes"
	"testing"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(buf *bytes.Buffer) *zap.Logger {
	enc := newRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel))
}

func TestRedactingEncoder_EntryFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf)

	logger.Info("provider configured",
		zap.String("provider", "openrouter"),
		zap.String("api_key", "sk-or-live"),
	)

	out := buf.String()
	assert.Contains(t, out, `"provider":"openrouter"`)
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.NotContains(t, out, "sk-or-live")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf).With(zap.String("Authorization", "Bearer abc"))

	logger.Info("calling provider")

	assert.Contains(t, buf.String(), `"Authorization":"[REDACTED]"`)
	assert.NotContains(t, buf.String(), "Bearer abc")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	base := newEncoder("json")
	enc := newRedactingEncoder(base, RedactionConfig{Enabled: false, Keys: []string{"token"}})
	assert.Equal(t, base, enc)
}

func TestSecretField(t *testing.T) {
	field := Secret("api_key", config.Secret("abcdef"))
	require.Equal(t, zapcore.StringType, field.Type)
	assert.Equal(t, "[REDACTED:6]", field.String)
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(&buf), zapcore.DebugLevel)
	cfg := NewDefaultConfig().Sampling
	cfg.Initial = 1
	cfg.Thereafter = 0

	logger := zap.New(newSampledCore(core, cfg))
	for i := 0; i < 5; i++ {
		logger.Info("repeated info")
		logger.Error("repeated error")
	}

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("repeated info")))
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("repeated error")))
}
