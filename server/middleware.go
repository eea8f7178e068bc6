package server

import (
	"runtime"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type Middleware func(next fasthttp.RequestHandler) fasthttp.RequestHandler

// Chain wraps h so the first middleware runs outermost.
func Chain(h fasthttp.RequestHandler, middlewares ...Middleware) fasthttp.RequestHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func Recovery(logger types.Logger) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					buf = buf[:runtime.Stack(buf, false)]

					logger.Error("Panic recovered",
						zap.String("method", string(ctx.Method())),
						zap.String("path", string(ctx.Path())),
						zap.Any("panic", rec),
						zap.ByteString("stack", buf),
					)
					utils.CreateErrorResponse(ctx)
				}
			}()

			next(ctx)
		}
	}
}

func Logging(logger types.Logger, metrics types.MetricsManager) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()

			next(ctx)

			duration := time.Since(start)
			status := ctx.Response.StatusCode()

			logger.Debug("Diagnostics request",
				zap.String("method", string(ctx.Method())),
				zap.String("path", string(ctx.Path())),
				zap.Int("status", status),
				zap.Duration("duration", duration),
			)

			if metrics == nil {
				return
			}

			metrics.Counter("diagnostics_requests_total", map[string]string{
				"path":   string(ctx.Path()),
				"status": strconv.Itoa(status),
			}).Inc()
			metrics.Histogram("diagnostics_request_duration_seconds", types.DefaultDurationBuckets, map[string]string{
				"path": string(ctx.Path()),
			}).Observe(duration.Seconds())
		}
	}
}
