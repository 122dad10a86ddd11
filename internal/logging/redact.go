// internal/logging/redact.go
package logging

import (
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Secret creates a field for a provider credential showing only its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// redactingEncoder replaces values of configured keys before encoding.
type redactingEncoder struct {
	zapcore.Encoder
	keys map[string]bool
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) zapcore.Encoder {
	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return base
	}
	keys := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[strings.ToLower(k)] = true
	}
	return &redactingEncoder{Encoder: base, keys: keys}
}

func (e *redactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = "[REDACTED]"
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		val = []byte("[REDACTED]")
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val interface{}) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// EncodeEntry redacts per-entry fields; fields bound with With go through
// the Add* methods on the cloned encoder instead.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	out := fields
	copied := false
	for i, f := range fields {
		if !e.sensitive(f.Key) {
			continue
		}
		if !copied {
			out = append([]zapcore.Field(nil), fields...)
			copied = true
		}
		out[i] = zap.String(f.Key, "[REDACTED]")
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys}
}
