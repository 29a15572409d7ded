// Package middleware defines the echo middleware shared by every route
package middleware

import (
	"fmt"
	"time"

	"relay-api/internal/ctx"
	"relay-api/internal/metrics"
	"relay-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewTrackMiddleware wraps every request in a ctx.Context with a request
// scoped logger and writes one end_of_request line when it finishes
func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			reqID = "req_" + reqID
			logger := log.With("request_id", reqID)

			values := &ctx.ContextLogValues{
				RequestID: reqID,
				StartTime: time.Now(),
				Path:      c.Path(),
			}
			cc := &ctx.Context{Context: c, Log: logger, Reqid: reqID, LogValues: values}
			c.Response().Header().Set("X-Request-Id", reqID)

			err := next(cc)
			if err != nil {
				values.AddError(err)
				c.Error(err)
			}

			values.RequestDuration = time.Since(values.StartTime)
			values.StatusCode = cc.Response().Status
			logEnd(log, values)
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return nil
		}
	}
}

func logEnd(log *zap.SugaredLogger, values *ctx.ContextLogValues) {
	level := values.LogLevel
	if level == "" {
		switch {
		case values.StatusCode >= 500:
			level = "ERROR"
		case values.StatusCode >= 400:
			level = "WARN"
		default:
			level = "INFO"
		}
	}
	fields := []any{"request", values}
	switch level {
	case "ERROR":
		log.Errorw("end_of_request", fields...)
	case "WARN":
		log.Warnw("end_of_request", fields...)
	default:
		log.Infow("end_of_request", fields...)
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.JSON(500, shared.ErrorBody{Error: shared.ErrInternalServerError.Message()})
		},
	})
}
