package camera

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIntegrationMissing is returned when no usable hub credentials exist.
	ErrIntegrationMissing = errors.New("integration_missing")

	// ErrStreamURLInvalid is returned when the hub hands back a URL without
	// scheme, host or a usable path.
	ErrStreamURLInvalid = errors.New("camera_stream_url_invalid")

	// ErrStreamURLUnavailable is returned when a negotiation response carries no URL.
	ErrStreamURLUnavailable = errors.New("camera_stream_url_unavailable")

	// ErrStreamTimeout is returned when the mode budget for a session request runs out.
	ErrStreamTimeout = errors.New("camera_stream_timeout")

	// ErrSessionExpired is returned for unknown or expired session ids.
	ErrSessionExpired = errors.New("stream_session_expired")

	// ErrInvalidResource is returned for resource paths containing "..".
	ErrInvalidResource = errors.New("invalid_stream_resource")

	// ErrAuthInvalid is returned when the hub rejects the WebSocket credential.
	ErrAuthInvalid = errors.New("ha_ws_auth_failed")

	// ErrProtocol is returned when the hub WebSocket does not greet as expected.
	ErrProtocol = errors.New("ha_ws_protocol_error")
)

// TargetError records why both negotiation steps failed on one target.
type TargetError struct {
	Label   string
	HTTPErr error
	WSErr   error
}

func (e *TargetError) Error() string {
	var b strings.Builder
	b.WriteString(e.Label)
	b.WriteString(":")
	if e.WSErr != nil {
		b.WriteString(e.WSErr.Error())
	} else {
		b.WriteString("camera_stream_unavailable")
	}
	if e.HTTPErr != nil {
		b.WriteString(";http=")
		b.WriteString(e.HTTPErr.Error())
	}
	return b.String()
}

func (e *TargetError) Unwrap() []error {
	var errs []error
	if e.WSErr != nil {
		errs = append(errs, e.WSErr)
	}
	if e.HTTPErr != nil {
		errs = append(errs, e.HTTPErr)
	}
	return errs
}

// AcquireError aggregates the failures of every target tried.
type AcquireError struct {
	Failures []*TargetError
}

func (e *AcquireError) Error() string {
	if len(e.Failures) == 0 {
		return "camera_stream_unavailable"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return strings.Join(parts, " | ")
}

func (e *AcquireError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// UpstreamError is a non-2xx answer from the hub.
type UpstreamError struct {
	Status     int
	RetryAfter string
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("http_status_%d:retry_after_%s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("http_status_%d", e.Status)
}

// TransientError tells the client to back off for RetryAfter seconds.
type TransientError struct {
	RetryAfter string
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream transient (retry after %ss): %v", e.RetryAfter, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
