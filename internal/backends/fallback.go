package backends

import (
	"context"

	"go.uber.org/zap"

	"github.com/imaistudio/orchestrator/internal/metrics"
)

// fallbackInvoker pairs a rich multi-modal invoker with a plain one. The
// rich invoker tries once; on any failure the plain one runs exactly once.
// No further retries.
type fallbackInvoker struct {
	primary  Invoker
	fallback Invoker
	logger   *zap.Logger
}

// WithFallback combines two invokers. The primary is preferred when media
// references are present or streaming was requested; a pure text request
// goes straight to the fallback. Results carry the method name of whichever
// invoker produced them.
func WithFallback(primary, fallback Invoker, logger *zap.Logger) Invoker {
	return &fallbackInvoker{primary: primary, fallback: fallback, logger: logger}
}

func (f *fallbackInvoker) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}

func (f *fallbackInvoker) Invoke(ctx context.Context, op string, params map[string]interface{}, mediaRefs []string) (Result, error) {
	if len(mediaRefs) == 0 && !wantsStreaming(params) {
		return f.fallback.Invoke(ctx, op, params, mediaRefs)
	}

	res, err := f.primary.Invoke(ctx, op, params, mediaRefs)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}

	metrics.BackendFallbacks.WithLabelValues(op).Inc()
	f.logger.Warn("Primary backend failed, invoking fallback",
		zap.String("operation", op),
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err),
	)
	return f.fallback.Invoke(ctx, op, params, mediaRefs)
}

func wantsStreaming(params map[string]interface{}) bool {
	v, ok := params["streaming"].(bool)
	return ok && v
}
