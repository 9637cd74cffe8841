package couch

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/couchbase/gocb/v2"
)

// ErrDatabaseUnavailable is returned for every operation while the circuit is
// open, when no named connection exists, or when an operation fails with a
// connectivity error. Upstream handlers map it to HTTP 503.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// ErrNoConnection is returned when a named connection has not been registered.
var ErrNoConnection = errors.New("no such connection")

// Storage sentinels surfaced by the Store so callers never match gocb errors
// directly.
var (
	ErrNotFound    = errors.New("document not found")
	ErrExists      = errors.New("document already exists")
	ErrCasMismatch = errors.New("document version changed")
)

// connectivityMessages are substrings that identify a connectivity failure
// when no typed sentinel is present in the cause chain.
var connectivityMessages = []string{
	"No active connection",
	"Connection refused",
	"Could not connect",
}

// IsConnectivityError classifies an error as a connectivity/timeout failure
// that should trip the circuit breaker. Anything else is an application error
// and is re-thrown to the caller.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []error{
		gocb.ErrTimeout,
		gocb.ErrAmbiguousTimeout,
		gocb.ErrUnambiguousTimeout,
		gocb.ErrRequestCanceled,
		gocb.ErrServiceNotAvailable,
		gocb.ErrTemporaryFailure,
		context.DeadlineExceeded,
		context.Canceled,
		io.EOF,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// Fall back to message matching across the cause chain.
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		for _, frag := range connectivityMessages {
			if strings.Contains(msg, frag) {
				return true
			}
		}
	}
	return false
}

// mapKVError converts gocb KV errors to the package sentinels, leaving
// connectivity classification to the gateway.
func mapKVError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return ErrNotFound
	case errors.Is(err, gocb.ErrDocumentExists):
		return ErrExists
	case errors.Is(err, gocb.ErrCasMismatch):
		return ErrCasMismatch
	default:
		return err
	}
}
