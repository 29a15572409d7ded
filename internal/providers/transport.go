// Package providers holds clients for the upstream generation providers
package providers

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"relay-api/internal/shared"
)

// NewHTTPClient builds the client shared by provider calls. Streams are bounded
// by request contexts, so only connection setup has its own deadline here.
func NewHTTPClient() *http.Client {
	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).Dial,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// StatusError maps a non-200 provider response to the error taxonomy. A short
// prefix of the body is kept for the logs.
func StatusError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	detail := fmt.Errorf("provider status %d: %s", res.StatusCode, string(body))
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusPaymentRequired:
		return errors.Join(shared.ErrUpstreamAuth, detail)
	case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
		return errors.Join(shared.ErrRegionBlocked, detail)
	case http.StatusTooManyRequests:
		return errors.Join(shared.ErrUpstreamRateLimited, detail)
	default:
		return errors.Join(shared.ErrUpstreamStatus, detail)
	}
}
