// Package ctx
package ctx

import (
	"fmt"
	"time"

	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in principal middleware
	PrincipalID uint64
	ExternalID  string

	// Added by chat routes
	ChatID        uint64
	Model         string
	ModelFallback bool
	ExecPath      string
	Charged       shared.Amount
	OutputChars   int
	InputTokens   int
	OutputTokens  int

	// Override log Log Level
	// useful for streaming where status code might be sent before errors from
	// mid-stream or post processing occur
	LogLevel string

	// Added dynamically
	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the reuqest
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.PrincipalID != 0 {
		enc.AddUint64("principal_id", c.PrincipalID)
		enc.AddString("external_id", c.ExternalID)
	}
	if c.ChatID != 0 {
		enc.AddUint64("chat_id", c.ChatID)
	}
	if c.Model != "" {
		enc.AddString("model", c.Model)
		enc.AddBool("model_fallback", c.ModelFallback)
		enc.AddString("execution_path", c.ExecPath)
		enc.AddFloat64("charged", c.Charged.Float64())
		enc.AddInt("output_chars", c.OutputChars)
		enc.AddInt("input_tokens_est", c.InputTokens)
		enc.AddInt("output_tokens_est", c.OutputTokens)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	Principal *shared.Principal
	LogValues *ContextLogValues
}
