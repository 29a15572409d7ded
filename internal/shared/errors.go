package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

// Message is the text safe to show to the caller
func (r *RequestError) Message() string {
	if r.Err == nil {
		return "request failed"
	}
	return r.Err.Error()
}

var (
	ErrUnauthorized = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrBadRequest     = &RequestError{Err: errors.New("bad request"), StatusCode: 400}
	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrEmptyMessage   = &RequestError{Err: errors.New("message or attachment is required"), StatusCode: 400}
	ErrInvalidRange   = &RequestError{Err: errors.New("unknown history range"), StatusCode: 400}
	ErrExpiryInPast   = &RequestError{Err: errors.New("expiry must be in the future"), StatusCode: 400}
	ErrBadTemperature = &RequestError{Err: errors.New("temperature must be between 0 and 2"), StatusCode: 400}

	ErrInsufficientFunds = &RequestError{Err: errors.New("insufficient balance, please top up your wallet"), StatusCode: 402}

	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}

	ErrUpstreamHTTP          = &MetricsError{Msg: "failed to send http request to provider", Code: "upstream_http_err"}
	ErrUpstreamStatus        = &MetricsError{Msg: "provider responded with non-200", Code: "upstream_status_err"}
	ErrUpstreamAuth          = &MetricsError{Msg: "provider rejected credentials", Code: "upstream_auth_err"}
	ErrRegionBlocked         = &MetricsError{Msg: "provider unavailable in this region", Code: "upstream_region_blocked"}
	ErrUpstreamRateLimited   = &MetricsError{Msg: "provider rate limited the request", Code: "upstream_rate_limited"}
	ErrUpstreamRead          = &MetricsError{Msg: "failed to read provider response", Code: "upstream_read_err"}
	ErrUpstreamStreamError   = &MetricsError{Msg: "provider reported an error mid-stream", Code: "upstream_stream_err"}
	ErrMissingDoneToken      = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrUpstreamContext       = &MetricsError{Msg: "upstream context canceled", Code: "upstream_context_err"}
	ErrFirstFragmentTimeout  = &MetricsError{Msg: "provider sent nothing before the first fragment deadline", Code: "first_fragment_timeout"}
	ErrJobFailed             = &MetricsError{Msg: "media job failed", Code: "job_failed"}
	ErrJobTimeout            = &MetricsError{Msg: "media job did not finish in time", Code: "job_timeout"}
	ErrJobNoArtifact         = &MetricsError{Msg: "media job returned no artifact", Code: "job_no_artifact"}
	ErrRehostFailed          = &MetricsError{Msg: "failed to rehost artifact", Code: "rehost_failed"}
	ErrProviderNotConfigured = &MetricsError{Msg: "provider is not configured", Code: "provider_not_configured"}
	ErrSettlement            = &MetricsError{Msg: "settlement failed", Code: "settlement_err"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// MetricsCode returns the code of the first MetricsError in the chain, or
// "unknown"
func MetricsCode(err error) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return "unknown"
}
