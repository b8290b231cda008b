// Package handshake drives the non-blocking handshake of a secure
// channel. The driver holds no state of its own: it operates on the
// channel's engine on each call, and the channel records whether
// the handshake already completed.
package handshake

import (
	"errors"
	"time"

	"github.com/securechan/securechan/internal/errwrapper"
	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

// Driver performs one handshake step per call.
type Driver struct {
	Beginning  time.Time
	ConnID     int64
	Descriptor int
	Engine     model.CryptoEngine
	Evaluator  model.TrustEvaluator
	Handler    model.Handler
	Hostname   string
}

// Step advances the handshake by at most one engine invocation. It
// returns HandshakeInProgress when the caller must wait for the
// descriptor to become readable or writable and retry; the engine
// cannot always tell which direction it is waiting on, so callers
// should watch both. On cryptographic completion it evaluates the
// peer trust chain and returns either HandshakeEstablished or
// HandshakeFailed with the error that callers must act upon by
// closing the channel.
func (d *Driver) Step() (model.HandshakeResult, error) {
	// The raw connect may still be completing: probe writability
	// with a zero timeout so we never busy-loop the engine while
	// the transport is not even connected. The probe never blocks.
	writable, err := d.writable()
	if err != nil {
		return model.HandshakeFailed, errwrapper.SafeErrWrapperBuilder{
			ConnID:    d.ConnID,
			Error:     err,
			Operation: "handshake",
		}.MaybeBuild()
	}
	if !writable {
		return model.HandshakeInProgress, nil
	}
	err = d.Engine.Handshake()
	if errors.Is(err, model.ErrAgain) {
		return model.HandshakeInProgress, nil
	}
	if err != nil {
		return model.HandshakeFailed, errwrapper.SafeErrWrapperBuilder{
			ConnID:    d.ConnID,
			Error:     err,
			Failure:   errwrapper.FailureHandshake,
			Operation: "handshake",
		}.MaybeBuild()
	}
	return d.evaluateTrust()
}

func (d *Driver) writable() (bool, error) {
	for {
		fds := []unix.PollFd{{Fd: int32(d.Descriptor), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, unix.ECONNRESET
		}
		return n > 0, nil
	}
}

func (d *Driver) evaluateTrust() (model.HandshakeResult, error) {
	chain, err := d.Engine.PeerTrustChain()
	if err != nil {
		return model.HandshakeFailed, errwrapper.SafeErrWrapperBuilder{
			ConnID:    d.ConnID,
			Error:     err,
			Failure:   errwrapper.FailureHandshake,
			Operation: "trust_chain",
		}.MaybeBuild()
	}
	decision := model.DecisionAccept
	escalated := false
	var evalErr error
	switch chain.Outcome {
	case model.OutcomeProceed, model.OutcomeUnspecified:
		// The engine's own validation is happy with this chain,
		// carry on without escalating.
	default:
		// Escalation point: the evaluator may block the whole
		// cooperative loop, e.g. on a user-facing prompt. This is
		// the one deliberate exception to the never-block rule.
		escalated = true
		decision, evalErr = d.Evaluator.Evaluate(chain, d.Hostname)
	}
	d.Handler.OnMeasurement(model.Measurement{
		Trust: &model.TrustEvent{
			ConnID:    d.ConnID,
			Decision:  decision,
			Error:     evalErr,
			Escalated: escalated,
			NumCerts:  len(chain.Certificates),
			Outcome:   chain.Outcome,
			Time:      time.Since(d.Beginning),
		},
	})
	if evalErr != nil {
		return model.HandshakeFailed, errwrapper.SafeErrWrapperBuilder{
			ConnID:    d.ConnID,
			Error:     evalErr,
			Failure:   errwrapper.FailureTrustRejected,
			Operation: "trust_evaluation",
		}.MaybeBuild()
	}
	if decision != model.DecisionAccept {
		return model.HandshakeFailed, errwrapper.SafeErrWrapperBuilder{
			ConnID:    d.ConnID,
			Error:     errTrustRejected,
			Failure:   errwrapper.FailureTrustRejected,
			Operation: "trust_evaluation",
		}.MaybeBuild()
	}
	return model.HandshakeEstablished, nil
}

var errTrustRejected = errors.New("handshake: peer trust chain rejected")
