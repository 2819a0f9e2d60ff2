package sim

import (
	"fmt"

	"go.uber.org/zap"
)

// A LogHook writes every hook invocation it receives as a debug line.
type LogHook struct {
	logger *zap.Logger
}

// NewLogHook creates a LogHook that writes to the given logger.
func NewLogHook(logger *zap.Logger) *LogHook {
	return &LogHook{logger: logger}
}

// Func logs the hook context.
func (h *LogHook) Func(ctx HookCtx) {
	fields := []zap.Field{
		zap.String("pos", ctx.Pos.Name),
	}

	if named, ok := ctx.Domain.(Named); ok {
		fields = append(fields, zap.String("domain", named.Name()))
	}

	if ctx.Item != nil {
		fields = append(fields, zap.String("item", fmt.Sprintf("%v", ctx.Item)))
	}

	if ctx.Detail != nil {
		fields = append(fields, zap.Any("detail", ctx.Detail))
	}

	h.logger.Debug("hook", fields...)
}
