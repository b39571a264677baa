package thingspeak

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind classifies upload failures
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindNoConnectivity covers DNS failures and refused connections
	KindNoConnectivity
	KindTimeout
	// KindRejected means the service answered but refused the request
	KindRejected
)

// String returns a short name of the kind
func (k ErrorKind) String() string {
	switch k {
	case KindNoConnectivity:
		return "no_connectivity"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	default:
		return "other"
	}
}

// Error is returned by all client calls that did not succeed
type Error struct {
	Kind       ErrorKind
	StatusCode int    // HTTP status for rejections, 0 otherwise
	Reason     string // human readable reason
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("thingspeak: %s (HTTP %d)", e.Reason, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("thingspeak: %s: %v", e.Reason, e.Err)
	}
	return "thingspeak: " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, KindOther for foreign errors
func KindOf(err error) ErrorKind {
	var tsErr *Error
	if errors.As(err, &tsErr) {
		return tsErr.Kind
	}
	return KindOther
}

// StatusReason maps a service status code to a readable reason
func StatusReason(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "bad request: the service did not accept the parameters"
	case http.StatusUnauthorized:
		return "authentication failed: check the channel write key"
	case http.StatusPaymentRequired:
		return "message limit exceeded for this account"
	case http.StatusForbidden:
		return "authentication failed: key is not allowed to write this channel"
	case http.StatusNotFound:
		return "channel or endpoint not found"
	case http.StatusTooManyRequests:
		return "rate limited: updates are sent faster than the service allows"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return "service unavailable"
	default:
		if code >= 500 {
			return "service error"
		}
		return "unexpected response status"
	}
}

// classifyTransportError wraps a low-level request error
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Reason: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Reason: "request timed out", Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindNoConnectivity, Reason: "could not resolve host", Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return &Error{Kind: KindNoConnectivity, Reason: "could not connect to host", Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Kind: KindNoConnectivity, Reason: "could not connect to host", Err: err}
	}

	return &Error{Kind: KindOther, Reason: "request failed", Err: err}
}
