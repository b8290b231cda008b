// Package securechannel implements the encrypted channel adapter:
// a model.Channel that wraps a raw channel and a crypto engine so
// that, from the caller's point of view, the encrypted connection
// behaves exactly like the unencrypted stream it wraps. Structural
// operations (seek, flags, readiness watch) are delegated to the
// raw channel: encryption changes the byte content of reads and
// writes, not the descriptor's readiness semantics.
//
// The channel exclusively owns both the raw channel and the engine
// context. Once wrapped, nobody else may touch the raw descriptor.
package securechannel

import (
	"errors"
	"io"
	"time"

	"github.com/securechan/securechan/internal/errwrapper"
	"github.com/securechan/securechan/internal/handshake"
	"github.com/securechan/securechan/model"
)

type lifecycleState int

const (
	stateUnestablished lifecycleState = iota
	stateHandshaking
	stateEstablished
	stateFailed
	stateClosed
)

// Channel is one encrypted connection.
type Channel struct {
	Beginning time.Time
	Handler   model.Handler
	ID        int64

	driver   *handshake.Driver
	engine   model.CryptoEngine
	hostname string
	hsErr    error
	raw      model.Channel
	state    lifecycleState
	verify   bool
}

// New wraps raw and engine into an encrypted channel. It takes
// ownership of both: the caller must not use them directly anymore
// and must eventually call Close exactly like it would on the raw
// channel alone.
func New(raw model.Channel, engine model.CryptoEngine,
	evaluator model.TrustEvaluator, hostname string, verify bool,
	beginning time.Time, handler model.Handler, connid int64) *Channel {
	return &Channel{
		Beginning: beginning,
		Handler:   handler,
		ID:        connid,
		driver: &handshake.Driver{
			Beginning:  beginning,
			ConnID:     connid,
			Descriptor: raw.Descriptor(),
			Engine:     engine,
			Evaluator:  evaluator,
			Handler:    handler,
			Hostname:   hostname,
		},
		engine:   engine,
		hostname: hostname,
		raw:      raw,
		verify:   verify,
	}
}

// Hostname returns the peer hostname used for trust evaluation.
func (c *Channel) Hostname() string {
	return c.hostname
}

// VerificationRequired returns the verification-required flag.
func (c *Channel) VerificationRequired() bool {
	return c.verify
}

// Established returns whether the handshake completed.
func (c *Channel) Established() bool {
	return c.state == stateEstablished
}

// Handshake performs one handshake step. Call it again whenever the
// descriptor becomes readable or writable until it stops returning
// HandshakeInProgress. Once the handshake completed, further calls
// return HandshakeEstablished without re-evaluating trust; after a
// failure they keep returning the original error.
func (c *Channel) Handshake() (model.HandshakeResult, error) {
	switch c.state {
	case stateClosed:
		return model.HandshakeFailed, c.closedError("handshake")
	case stateEstablished:
		return model.HandshakeEstablished, nil
	case stateFailed:
		return model.HandshakeFailed, c.hsErr
	case stateUnestablished:
		c.state = stateHandshaking
		c.Handler.OnMeasurement(model.Measurement{
			HandshakeStart: &model.HandshakeStartEvent{
				ConnID:   c.ID,
				Hostname: c.hostname,
				Time:     time.Since(c.Beginning),
			},
		})
	}
	result, err := c.driver.Step()
	switch result {
	case model.HandshakeEstablished:
		c.state = stateEstablished
		c.Handler.OnMeasurement(model.Measurement{
			HandshakeDone: &model.HandshakeDoneEvent{
				ConnID:      c.ID,
				Established: true,
				Time:        time.Since(c.Beginning),
			},
		})
	case model.HandshakeFailed:
		c.state = stateFailed
		c.hsErr = err
		c.Handler.OnMeasurement(model.Measurement{
			HandshakeDone: &model.HandshakeDoneEvent{
				ConnID: c.ID,
				Error:  err,
				Time:   time.Since(c.Beginning),
			},
		})
	}
	return result, err
}

// Read decrypts application data into b. It returns model.ErrAgain
// when the caller must retry after the descriptor becomes ready,
// io.EOF when the peer closed the stream gracefully, and a fatal
// error otherwise, in which case the caller should close the
// channel.
func (c *Channel) Read(b []byte) (int, error) {
	if c.state != stateEstablished {
		return 0, c.notEstablishedError("read")
	}
	start := time.Now()
	n, err := c.engine.Read(b)
	if errors.Is(err, model.ErrAgain) {
		// Transient: the caller retries, nothing to report.
		return n, model.ErrAgain
	}
	stop := time.Now()
	if err != nil && !errors.Is(err, io.EOF) {
		err = errwrapper.SafeErrWrapperBuilder{
			ConnID:    c.ID,
			Error:     err,
			Operation: "read",
		}.MaybeBuild()
	}
	c.Handler.OnMeasurement(model.Measurement{
		Read: &model.ReadEvent{
			ConnID:   c.ID,
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return n, err
}

// Write encrypts application data from b. The same semantics as
// Read apply, except that there is no graceful-EOF case.
func (c *Channel) Write(b []byte) (int, error) {
	if c.state != stateEstablished {
		return 0, c.notEstablishedError("write")
	}
	start := time.Now()
	n, err := c.engine.Write(b)
	if errors.Is(err, model.ErrAgain) {
		return n, model.ErrAgain
	}
	stop := time.Now()
	err = errwrapper.SafeErrWrapperBuilder{
		ConnID:    c.ID,
		Error:     err,
		Operation: "write",
	}.MaybeBuild()
	c.Handler.OnMeasurement(model.Measurement{
		Write: &model.WriteEvent{
			ConnID:   c.ID,
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return n, err
}

// Seek delegates to the raw channel.
func (c *Channel) Seek(offset int64, whence int) error {
	if c.state == stateClosed {
		return c.closedError("seek")
	}
	return c.raw.Seek(offset, whence)
}

// Flags delegates to the raw channel.
func (c *Channel) Flags() (model.Flags, error) {
	if c.state == stateClosed {
		return 0, c.closedError("flags")
	}
	return c.raw.Flags()
}

// SetFlags delegates to the raw channel.
func (c *Channel) SetFlags(flags model.Flags) error {
	if c.state == stateClosed {
		return c.closedError("set_flags")
	}
	return c.raw.SetFlags(flags)
}

// CreateWatch delegates to the raw channel: encryption does not
// change descriptor-readiness semantics, only how the payload is
// interpreted.
func (c *Channel) CreateWatch(cond model.Condition) (model.Watch, error) {
	if c.state == stateClosed {
		return nil, c.closedError("create_watch")
	}
	return c.raw.CreateWatch(cond)
}

// Descriptor delegates to the raw channel.
func (c *Channel) Descriptor() int {
	if c.state == stateClosed {
		return -1
	}
	return c.raw.Descriptor()
}

// Close disposes the engine context and releases the raw channel,
// each exactly once, from whatever lifecycle state the channel is
// in. Further calls are no-ops.
func (c *Channel) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	start := time.Now()
	var err error
	if c.engine != nil {
		err = c.engine.Close()
		c.engine = nil // disposed, never observable again
	}
	if c.raw != nil {
		if rawErr := c.raw.Close(); err == nil {
			err = rawErr
		}
		c.raw = nil
	}
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Close: &model.CloseEvent{
			ConnID:   c.ID,
			Duration: stop.Sub(start),
			Error:    err,
			Time:     stop.Sub(c.Beginning),
		},
	})
	return err
}

func (c *Channel) closedError(operation string) error {
	return errwrapper.SafeErrWrapperBuilder{
		ConnID:    c.ID,
		Error:     errChannelClosed,
		Failure:   errwrapper.FailureGenericIO,
		Operation: operation,
	}.MaybeBuild()
}

func (c *Channel) notEstablishedError(operation string) error {
	if c.state == stateClosed {
		return c.closedError(operation)
	}
	if c.state == stateFailed && c.hsErr != nil {
		return c.hsErr
	}
	return errwrapper.SafeErrWrapperBuilder{
		ConnID:    c.ID,
		Error:     errNotEstablished,
		Failure:   errwrapper.FailureGenericIO,
		Operation: operation,
	}.MaybeBuild()
}

var (
	errChannelClosed  = errors.New("securechannel: channel is closed")
	errNotEstablished = errors.New("securechannel: handshake not complete")
)
