// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below error level. Errors always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &levelFilterCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	belowError := &levelFilterCore{Core: core, min: TraceLevel, max: zapcore.WarnLevel}

	sampled := zapcore.NewSamplerWithOptions(
		belowError,
		cfg.Tick.Duration(),
		cfg.Initial,
		cfg.Thereafter,
	)

	return zapcore.NewTee(errorCore, sampled)
}

// levelFilterCore passes only entries with min <= level <= max.
type levelFilterCore struct {
	zapcore.Core
	min zapcore.Level
	max zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if lvl < c.min || lvl > c.max {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
