// Package logging builds the loggers of the gpumem tools.
package logging

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sarchlab/gpumem/config"
)

// ParseLevel converts a level name such as "debug" into a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return level, errors.Wrapf(err, "parsing log level %q", name)
	}

	return level, nil
}

func encoderConfig() zapcore.EncoderConfig {
	c := zap.NewProductionEncoderConfig()
	c.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	c.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}

	return c
}

// New creates a logger that writes to w with the configured level and
// format.
func New(w io.Writer, c config.LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder

	switch c.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, errors.Errorf("unknown log format %q", c.Format)
	}

	return zap.New(zapcore.NewCore(
		encoder,
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	)), nil
}
