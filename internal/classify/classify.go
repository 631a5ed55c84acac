// Package classify maps raw transport failures to the typed error
// taxonomy used for retry decisions. Classification is total and
// deterministic: any error in, exactly one QueueError out.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"upload-scheduler/internal/transport"
	"upload-scheduler/pkg/models"
)

// retryableStatuses are HTTP statuses that warrant a retry even when
// the classified type alone would not.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// ValidationError marks a local precondition failure. Validation errors
// are never retried: they indicate a programming or configuration
// defect, not a transient fault.
type ValidationError struct {
	Reason string
}

// Error implements the error interface for ValidationError
func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Classify maps err to a QueueError. Never panics; a nil error yields a
// non-retryable client error.
func Classify(err error) models.QueueError {
	qe := models.QueueError{
		Timestamp: time.Now(),
		Type:      models.ErrorClient,
	}
	if err == nil {
		qe.Message = "unknown error"
		return qe
	}
	qe.Message = err.Error()

	var verr *ValidationError
	var serr *transport.StatusError
	var nerr net.Error

	switch {
	case errors.As(err, &verr):
		qe.Type = models.ErrorValidation

	case errors.Is(err, context.DeadlineExceeded):
		qe.Type = models.ErrorTimeout

	// A cancelled context is a local abort (shutdown, control op), not
	// a fault of the request itself; the transfer is safe to retry.
	case errors.Is(err, context.Canceled):
		qe.Type = models.ErrorNetwork

	case errors.As(err, &nerr) && nerr.Timeout():
		qe.Type = models.ErrorTimeout

	case errors.As(err, &serr):
		qe.Code = serr.Code
		switch {
		case serr.Code >= 500:
			qe.Type = models.ErrorServer
		case serr.Code >= 400:
			qe.Type = models.ErrorClient
		}

	case isNetworkError(err):
		qe.Type = models.ErrorNetwork
	}

	qe.Retryable = Retryable(qe.Type, qe.Code)
	return qe
}

// Retryable reports whether an error of the given type and optional
// HTTP status should be retried.
func Retryable(t models.ErrorType, code int) bool {
	switch t {
	case models.ErrorNetwork, models.ErrorServer, models.ErrorTimeout:
		return true
	}
	return retryableStatuses[code]
}

// isNetworkError matches connectivity-level failures by sentinel
func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) || errors.As(err, &dnsErr)
}
