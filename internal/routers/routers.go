package routers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"relay-api/internal/ctx"
	"relay-api/internal/shared"
)

func readRequestBody(c *ctx.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return nil, err
	}
	return body, nil
}

func bindJSON(c *ctx.Context, out any) error {
	body, err := readRequestBody(c)
	if err != nil {
		return errors.Join(shared.ErrBadRequest, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Join(shared.ErrInvalidRequest, err)
	}
	return nil
}

func chatIDParam(c *ctx.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, shared.ErrNotFound
	}
	c.LogValues.ChatID = id
	return id, nil
}

// respondError writes a JSON error body. Only RequestError messages reach the
// caller, everything else becomes a generic 500.
func respondError(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)
	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, shared.ErrorBody{Error: rerr.Message(), ChatID: c.LogValues.ChatID})
	}
	c.LogValues.LogLevel = "ERROR"
	return c.JSON(http.StatusInternalServerError, shared.ErrorBody{Error: shared.ErrInternalServerError.Message()})
}

func setupNDJSONHeaders(c *ctx.Context) {
	c.Response().Header().Set("Content-Type", "application/x-ndjson")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
}

// createStreamCallback writes one event per line and flushes it. It stops
// writing as soon as the client is gone.
func createStreamCallback(c *ctx.Context) func(shared.StreamEvent) error {
	enc := json.NewEncoder(c.Response())
	enc.SetEscapeHTML(false)
	return func(event shared.StreamEvent) error {
		if err := c.Request().Context().Err(); err != nil {
			return err
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}
}
