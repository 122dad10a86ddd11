// internal/logging/otel.go
package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newDualCore tees stdout and the OTEL bridge, whichever are enabled.
func newDualCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		encoder := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		sink := os.Stdout
		if cfg.Output.Stderr {
			sink = os.Stderr
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(sink), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("foundry",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}

	return newSampledCore(core, cfg.Sampling), nil
}
