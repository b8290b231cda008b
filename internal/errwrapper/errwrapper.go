// Package errwrapper classifies channel errors. Every fatal error
// surfaced by this repository is a *model.ErrWrapper carrying a
// failure string from the taxonomy below, so that callers can tell
// configuration and trust problems apart from network failures.
package errwrapper

import (
	"errors"
	"io"

	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

// Failure strings.
const (
	// FailureWouldBlock is only used when a caller mistakenly
	// wraps a transient condition: ErrAgain itself is never
	// wrapped by this repository.
	FailureWouldBlock = "operation_would_block"

	// FailureEOF means the peer closed the stream gracefully.
	FailureEOF = "eof_error"

	// FailureConnectionRefused maps ECONNREFUSED.
	FailureConnectionRefused = "connection_refused"

	// FailureConnectionReset maps ECONNRESET.
	FailureConnectionReset = "connection_reset"

	// FailureGenericIO is a raw I/O failure other than would
	// block, fatal to the channel.
	FailureGenericIO = "generic_io_error"

	// FailureHandshake is a cryptographic negotiation failure.
	FailureHandshake = "ssl_handshake_error"

	// FailureTrustRejected means the peer chain was not accepted.
	FailureTrustRejected = "ssl_trust_rejected"

	// FailureCredential means the client identity could not be
	// located or installed.
	FailureCredential = "credential_error"
)

// SafeErrWrapperBuilder contains a builder for model.ErrWrapper
// that is safe to call when the error is nil.
type SafeErrWrapperBuilder struct {
	// ConnID is the connection ID, if any.
	ConnID int64

	// Error is the error, if any.
	Error error

	// Failure optionally forces a specific failure string instead
	// of deriving one from the error value.
	Failure string

	// Operation is the operation that failed.
	Operation string
}

// MaybeBuild builds a new model.ErrWrapper, if b.Error is not nil,
// and returns a nil error otherwise.
func (b SafeErrWrapperBuilder) MaybeBuild() (err error) {
	if b.Error != nil {
		failure := b.Failure
		if failure == "" {
			failure = toFailureString(b.Error)
		}
		err = &model.ErrWrapper{
			ConnID:     b.ConnID,
			Failure:    failure,
			Operation:  b.Operation,
			WrappedErr: b.Error,
		}
	}
	return
}

func toFailureString(err error) string {
	var wrapper *model.ErrWrapper
	if errors.As(err, &wrapper) {
		return wrapper.Failure // don't re-classify
	}
	if errors.Is(err, model.ErrAgain) {
		return FailureWouldBlock
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureEOF
	}
	if errors.Is(err, model.ErrIdentityNotFound) {
		return FailureCredential
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		return FailureConnectionRefused
	}
	if errors.Is(err, unix.ECONNRESET) {
		return FailureConnectionReset
	}
	if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.EBADF) {
		return FailureGenericIO
	}
	return "unknown_failure: " + err.Error()
}
