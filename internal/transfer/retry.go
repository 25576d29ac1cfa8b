package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/google/uuid"
)

// retryJobNamespace scopes deterministic retry job IDs to this service.
var retryJobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/italolelis/transferd"))

// RetryJobID derives a stable identifier for the deferred retry of
// (owner, path). Equal inputs collide on purpose, across process restarts
// too, so repeated failures of the same work reuse one scheduled job instead
// of piling up duplicates.
func RetryJobID(owner, path string) string {
	return uuid.NewSHA1(retryJobNamespace, []byte(BuildKey(owner, path))).String()
}

// ShouldScheduleRetry reports whether err denotes transient connectivity loss
// worth a deferred retry. Authentication, not-found, validation and
// server-logic failures are never retried: a response from the server means
// the network worked.
func ShouldScheduleRetry(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}

	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.StatusCode > 0 {
			return false
		}

		if netErr.Err == nil {
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	connErrnos := []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ENETDOWN,
	}
	for _, errno := range connErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	return false
}
