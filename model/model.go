// Package model contains the data model. Channel events are tagged
// using a unique int64 ConnID. These IDs are never reused.
//
// All events have a Time. This is always the time in which an event
// has been emitted, relative to a predefined zero in time.
//
// Duration, where present, indicates for how long the code has been
// inside the operation that emitted the event.
//
// When an operation may fail, we also include the Error.
package model

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

// ErrAgain indicates that an operation could not complete right now
// and must be retried once the underlying descriptor becomes ready.
// It is a scheduling signal for the caller's event loop, never an
// application-level failure, and must not be logged as an error.
var ErrAgain = errors.New("operation would block")

// ErrIdentityNotFound indicates that an IdentityProvider could not
// locate the requested client credential.
var ErrIdentityNotFound = errors.New("identity not found")

// Flags are the status flags of a channel.
type Flags int

const (
	// FlagNonblock indicates that the channel's descriptor is in
	// non-blocking mode.
	FlagNonblock Flags = 1 << iota
)

// Condition selects the readiness conditions watched by a Watch.
type Condition int

const (
	// CondRead waits for the descriptor to become readable.
	CondRead Condition = 1 << iota

	// CondWrite waits for the descriptor to become writable.
	CondWrite
)

// Watch waits for a channel's descriptor to become ready.
type Watch interface {
	// Wait blocks until the watched condition is ready or the
	// timeout expires. It returns false when the timeout expired
	// before the descriptor became ready.
	Wait(timeout time.Duration) (bool, error)
}

// Channel is the stream contract shared by raw and encrypted
// channels. Read and Write return ErrAgain together with the
// partial byte count when the operation cannot complete now; Read
// returns io.EOF when the peer closed the stream gracefully. Calls
// on one Channel must be serialized by the caller.
type Channel interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Seek(offset int64, whence int) error
	Close() error
	Flags() (Flags, error)
	SetFlags(flags Flags) error
	CreateWatch(cond Condition) (Watch, error)
	Descriptor() int
}

// RelayFunc moves bytes between a crypto engine and the raw
// descriptor it is bound to. It returns the number of bytes
// transferred and ErrAgain when the descriptor is not ready; the
// engine is expected to resume from the reported partial count.
type RelayFunc func(b []byte) (int, error)

// Identity is a client credential: a certificate and its private
// key, located by name. Ownership passes to the crypto engine once
// installed as the client credential.
type Identity struct {
	Name        string
	Certificate tls.Certificate
}

// IdentityProvider resolves a human-readable name to a loadable
// client credential. It returns an error wrapping
// ErrIdentityNotFound when no credential matches.
type IdentityProvider interface {
	Find(certName, keyName string) (*Identity, error)
}

// EngineConfig configures a new crypto engine context.
type EngineConfig struct {
	// RelayRead and RelayWrite are the I/O callbacks the engine
	// uses to move ciphertext across the raw descriptor.
	RelayRead  RelayFunc
	RelayWrite RelayFunc

	// Hostname is the peer hostname, used for the trust chain
	// evaluation context.
	Hostname string

	// MinVersion disables protocol versions older than this
	// value. Zero selects the engine default.
	MinVersion uint16

	// Verify indicates whether the engine should run its own
	// certificate chain validation and record the outcome in the
	// peer trust chain. The engine never fails the handshake on
	// trust grounds: that decision belongs to the caller.
	Verify bool

	// RootCAs optionally overrides the trust anchors used by the
	// engine's own validation. Nil means the system anchors.
	RootCAs *x509.CertPool

	// Identity optionally installs a client credential.
	Identity *Identity
}

// CryptoEngine is the opaque per-connection handshake and record
// layer state. Each method may return ErrAgain to signal that the
// caller must retry after the bound descriptor becomes ready. The
// engine is not reentrant: calls must be serialized.
type CryptoEngine interface {
	// Handshake performs one handshake step. It is idempotent to
	// re-invoke and returns nil once the handshake completed.
	Handshake() error

	// Read decrypts application data into b.
	Read(b []byte) (int, error)

	// Write encrypts application data from b.
	Write(b []byte) (int, error)

	// PeerTrustChain returns the certificates presented by the
	// peer. Only valid after a successful handshake.
	PeerTrustChain() (*TrustChain, error)

	// Close disposes the engine context. The owner must call it
	// exactly once.
	Close() error
}

// EngineFactory creates a new crypto engine context.
type EngineFactory func(config EngineConfig) (CryptoEngine, error)

// Outcome classifies the engine's own chain-validation result.
type Outcome int

const (
	// OutcomeProceed means the chain validated successfully.
	OutcomeProceed Outcome = iota

	// OutcomeUnspecified means the chain validated but no policy
	// explicitly covers it. Like OutcomeProceed it is accepted
	// without escalation.
	OutcomeUnspecified

	// OutcomeRecoverableFailure means validation failed in a way
	// an external evaluator may still accept, e.g. a self-signed
	// or expired certificate.
	OutcomeRecoverableFailure

	// OutcomeOtherFailure means validation failed for any other
	// reason.
	OutcomeOtherFailure
)

// X509Certificate is an x.509 certificate.
type X509Certificate struct {
	// Data contains the certificate bytes in DER format.
	Data []byte
}

// TrustChain is the ordered set of certificates presented by the
// peer during the handshake, subject to evaluation.
type TrustChain struct {
	Certificates []X509Certificate
	Outcome      Outcome
}

// Decision is the final verdict on a peer trust chain.
type Decision int

const (
	// DecisionReject refuses the peer.
	DecisionReject Decision = iota

	// DecisionAccept trusts the peer.
	DecisionAccept
)

// TrustEvaluator decides whether a trust chain the engine could not
// validate on its own should be accepted. Evaluate may block, e.g.
// on a user-facing prompt: callers inside a cooperative loop must
// treat it as a legitimate suspension point.
type TrustEvaluator interface {
	Evaluate(chain *TrustChain, hostname string) (Decision, error)
}

// HandshakeResult is the outcome of one handshake step.
type HandshakeResult int

const (
	// HandshakeInProgress means the caller must retry the
	// handshake once the descriptor becomes readable or writable.
	HandshakeInProgress HandshakeResult = iota

	// HandshakeEstablished means the channel is ready for
	// application data.
	HandshakeEstablished

	// HandshakeFailed means the handshake failed and the caller
	// must close the channel.
	HandshakeFailed
)

// ErrWrapper is an error that classifies the wrapped error with a
// failure string from a fixed taxonomy.
type ErrWrapper struct {
	// ConnID is the connection the error refers to.
	ConnID int64

	// Failure is the failure string, e.g. "ssl_handshake_error".
	Failure string

	// Operation is the operation that failed, e.g. "read".
	Operation string

	// WrappedErr is the original error.
	WrappedErr error
}

// Error returns the failure string.
func (e *ErrWrapper) Error() string {
	return e.Failure
}

// Unwrap returns the wrapped error.
func (e *ErrWrapper) Unwrap() error {
	return e.WrappedErr
}

// ResolveEvent is emitted when a name resolution returns.
type ResolveEvent struct {
	Addresses []string
	Duration  time.Duration
	Error     error
	Hostname  string
	Time      time.Duration
}

// ConnectEvent is emitted when connect() returns.
type ConnectEvent struct {
	ConnID        int64
	Duration      time.Duration
	Error         error
	LocalAddress  string
	Network       string
	RemoteAddress string
	Time          time.Duration
}

// HandshakeStartEvent is emitted when the first handshake step on a
// channel begins.
type HandshakeStartEvent struct {
	ConnID   int64
	Hostname string
	Time     time.Duration
}

// HandshakeDoneEvent is emitted when the handshake completes or
// fails. It is not emitted for steps that merely report that the
// handshake is still in progress.
type HandshakeDoneEvent struct {
	ConnID      int64
	Error       error
	Established bool
	Time        time.Duration
}

// TrustEvent is emitted after the peer trust chain has been
// examined. Escalated indicates that the decision was deferred to
// an external evaluator rather than derived from the engine's own
// validation outcome.
type TrustEvent struct {
	ConnID    int64
	Decision  Decision
	Error     error
	Escalated bool
	NumCerts  int
	Outcome   Outcome
	Time      time.Duration
}

// ReadEvent is emitted when an encrypted-channel read returns with
// a final result. Reads suspended with ErrAgain are not reported.
type ReadEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// WriteEvent is emitted when an encrypted-channel write returns
// with a final result.
type WriteEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// CloseEvent is emitted when a channel has been closed.
type CloseEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	Time     time.Duration
}

// Measurement contains zero or more events. Do not assume that at
// any time a Measurement will only contain a single event. When a
// Measurement contains an event, the corresponding pointer is non
// nil.
type Measurement struct {
	Close          *CloseEvent          `json:",omitempty"`
	Connect        *ConnectEvent        `json:",omitempty"`
	HandshakeStart *HandshakeStartEvent `json:",omitempty"`
	HandshakeDone  *HandshakeDoneEvent  `json:",omitempty"`
	Read           *ReadEvent           `json:",omitempty"`
	Resolve        *ResolveEvent        `json:",omitempty"`
	Trust          *TrustEvent          `json:",omitempty"`
	Write          *WriteEvent          `json:",omitempty"`
}

// Handler handles measurement events.
type Handler interface {
	// OnMeasurement is called when an event occurs. There will be
	// no events after the channel that emitted them is closed.
	OnMeasurement(Measurement)
}
