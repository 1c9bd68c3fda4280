package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	// ErrNotCached is returned under AlwaysCache when the disk has no copy.
	ErrNotCached = errors.New("tile not in disk cache")

	// ErrHTTPStatus matches every StatusError.
	ErrHTTPStatus = errors.New("unexpected http status")
)

// StatusError reports a non-200 reply.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrHTTPStatus, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// FailureKind classifies a finished download.
type FailureKind int

const (
	Success FailureKind = iota
	// Cancelled requests were aborted on purpose and are never reported.
	Cancelled
	// Transient failures stay queued so the timeout sweep re-issues them.
	Transient
	// Permanent failures are reported to the caller.
	Permanent
)

func (k FailureKind) String() string {
	switch k {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Transient:
		return "transient"
	default:
		return "permanent"
	}
}

// Classify maps a download error onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return Success
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return Transient
		}
	}

	return Permanent
}
