// Package testingx contains testing extensions: fake collaborators
// and socket fixtures shared by tests across the repository.
package testingx

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

// Socketpair returns a connected pair of UNIX stream descriptors,
// both in non-blocking mode. The caller owns both descriptors.
func Socketpair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}

// CloseFD closes a descriptor ignoring errors.
func CloseFD(fd int) {
	unix.Close(fd)
}

// SavingHandler saves the measurements it receives.
type SavingHandler struct {
	mu           sync.Mutex
	measurements []model.Measurement
}

// OnMeasurement saves the measurement.
func (h *SavingHandler) OnMeasurement(m model.Measurement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.measurements = append(h.measurements, m)
}

// Measurements returns a copy of the saved measurements.
func (h *SavingHandler) Measurements() []model.Measurement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Measurement(nil), h.measurements...)
}

// FakeWatch is a Watch that is immediately ready.
type FakeWatch struct {
	Ready bool
	Err   error
}

// Wait implements model.Watch.
func (w *FakeWatch) Wait(timeout time.Duration) (bool, error) {
	return w.Ready, w.Err
}

// FakeChannel is a scriptable model.Channel.
type FakeChannel struct {
	ReadData   []byte // served by Read until exhausted
	ReadErr    error  // returned once ReadData is exhausted
	WriteErr   error  // returned by Write when non nil
	WriteSink  []byte // accumulates written bytes
	CloseErr   error
	CloseCalls int
	ReadCalls  int
	WriteCalls int
	FD         int
}

// Read implements model.Channel.
func (c *FakeChannel) Read(b []byte) (int, error) {
	c.ReadCalls++
	if len(c.ReadData) == 0 {
		if c.ReadErr != nil {
			return 0, c.ReadErr
		}
		return 0, model.ErrAgain
	}
	n := copy(b, c.ReadData)
	c.ReadData = c.ReadData[n:]
	return n, nil
}

// Write implements model.Channel.
func (c *FakeChannel) Write(b []byte) (int, error) {
	c.WriteCalls++
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	c.WriteSink = append(c.WriteSink, b...)
	return len(b), nil
}

// Seek implements model.Channel.
func (c *FakeChannel) Seek(offset int64, whence int) error {
	return unix.ESPIPE
}

// Close implements model.Channel.
func (c *FakeChannel) Close() error {
	c.CloseCalls++
	return c.CloseErr
}

// Flags implements model.Channel.
func (c *FakeChannel) Flags() (model.Flags, error) {
	return model.FlagNonblock, nil
}

// SetFlags implements model.Channel.
func (c *FakeChannel) SetFlags(flags model.Flags) error {
	return nil
}

// CreateWatch implements model.Channel.
func (c *FakeChannel) CreateWatch(cond model.Condition) (model.Watch, error) {
	return &FakeWatch{Ready: true}, nil
}

// Descriptor implements model.Channel.
func (c *FakeChannel) Descriptor() int {
	return c.FD
}

// FakeEngine is a scriptable model.CryptoEngine.
type FakeEngine struct {
	// HandshakeErrs is consumed one element per Handshake call;
	// when exhausted Handshake returns nil.
	HandshakeErrs  []error
	HandshakeCalls int
	Chain          *model.TrustChain
	ChainErr       error
	ReadFunc       func(b []byte) (int, error)
	WriteFunc      func(b []byte) (int, error)
	CloseErr       error
	CloseCalls     int
}

// Handshake implements model.CryptoEngine.
func (e *FakeEngine) Handshake() error {
	e.HandshakeCalls++
	if len(e.HandshakeErrs) == 0 {
		return nil
	}
	err := e.HandshakeErrs[0]
	e.HandshakeErrs = e.HandshakeErrs[1:]
	return err
}

// Read implements model.CryptoEngine.
func (e *FakeEngine) Read(b []byte) (int, error) {
	if e.ReadFunc != nil {
		return e.ReadFunc(b)
	}
	return 0, model.ErrAgain
}

// Write implements model.CryptoEngine.
func (e *FakeEngine) Write(b []byte) (int, error) {
	if e.WriteFunc != nil {
		return e.WriteFunc(b)
	}
	return len(b), nil
}

// PeerTrustChain implements model.CryptoEngine.
func (e *FakeEngine) PeerTrustChain() (*model.TrustChain, error) {
	if e.ChainErr != nil {
		return nil, e.ChainErr
	}
	if e.Chain != nil {
		return e.Chain, nil
	}
	return &model.TrustChain{Outcome: model.OutcomeProceed}, nil
}

// Close implements model.CryptoEngine.
func (e *FakeEngine) Close() error {
	e.CloseCalls++
	return e.CloseErr
}

// FakeEvaluator is a scriptable model.TrustEvaluator.
type FakeEvaluator struct {
	Decision  model.Decision
	Err       error
	Calls     int
	LastChain *model.TrustChain
	LastHost  string
}

// Evaluate implements model.TrustEvaluator.
func (e *FakeEvaluator) Evaluate(chain *model.TrustChain, hostname string) (model.Decision, error) {
	e.Calls++
	e.LastChain = chain
	e.LastHost = hostname
	return e.Decision, e.Err
}

// FakeIdentities is a scriptable model.IdentityProvider.
type FakeIdentities struct {
	Identity *model.Identity
	Err      error
	Calls    int
}

// Find implements model.IdentityProvider.
func (p *FakeIdentities) Find(certName, keyName string) (*model.Identity, error) {
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Identity == nil {
		return nil, model.ErrIdentityNotFound
	}
	return p.Identity, nil
}

// ErrStubHandshake is returned by XOREngine when the scripted
// handshake acknowledgment does not match.
var ErrStubHandshake = errors.New("testingx: stub handshake failed")

const (
	xorHello = "SCH?"
	xorAck   = "SCH!"
)

// XOREngine is a toy crypto engine for loopback tests. It performs
// a scripted four-byte hello/ack handshake and then "encrypts" the
// stream by XORing every byte with Key. All I/O goes through the
// relay callbacks, so the engine experiences the same WouldBlock
// conditions a real engine would.
type XOREngine struct {
	Key         byte
	RelayRead   model.RelayFunc
	RelayWrite  model.RelayFunc
	established bool
	helloSent   int
	ackRecv     int
	ack         [4]byte
	CloseCalls  int
}

// Handshake implements model.CryptoEngine.
func (e *XOREngine) Handshake() error {
	if e.established {
		return nil
	}
	for e.helloSent < len(xorHello) {
		n, err := e.RelayWrite([]byte(xorHello)[e.helloSent:])
		e.helloSent += n
		if err != nil {
			return err
		}
	}
	for e.ackRecv < len(xorAck) {
		n, err := e.RelayRead(e.ack[e.ackRecv:len(xorAck)])
		e.ackRecv += n
		if err != nil {
			return err
		}
	}
	if string(e.ack[:]) != xorAck {
		return ErrStubHandshake
	}
	e.established = true
	return nil
}

// Read implements model.CryptoEngine.
func (e *XOREngine) Read(b []byte) (int, error) {
	if !e.established {
		return 0, ErrStubHandshake
	}
	n, err := e.RelayRead(b)
	for i := 0; i < n; i++ {
		b[i] ^= e.Key
	}
	if n > 0 && errors.Is(err, model.ErrAgain) {
		// Partial plaintext is a normal stream read.
		return n, nil
	}
	return n, err
}

// Write implements model.CryptoEngine.
func (e *XOREngine) Write(b []byte) (int, error) {
	if !e.established {
		return 0, ErrStubHandshake
	}
	enc := make([]byte, len(b))
	for i, c := range b {
		enc[i] = c ^ e.Key
	}
	return e.RelayWrite(enc)
}

// PeerTrustChain implements model.CryptoEngine.
func (e *XOREngine) PeerTrustChain() (*model.TrustChain, error) {
	if !e.established {
		return nil, ErrStubHandshake
	}
	return &model.TrustChain{Outcome: model.OutcomeUnspecified}, nil
}

// Close implements model.CryptoEngine.
func (e *XOREngine) Close() error {
	e.CloseCalls++
	return nil
}

// XORServe answers the XOREngine scripted handshake on the blocking
// peer descriptor and then XOR-encrypts payload into it, closing
// the write side when done. It is meant to run in a goroutine.
func XORServe(fd int, key byte, payload []byte) error {
	hello := make([]byte, len(xorHello))
	if err := readFull(fd, hello); err != nil {
		return err
	}
	if string(hello) != xorHello {
		return ErrStubHandshake
	}
	if err := writeFull(fd, []byte(xorAck)); err != nil {
		return err
	}
	enc := make([]byte, len(payload))
	for i, c := range payload {
		enc[i] = c ^ key
	}
	if err := writeFull(fd, enc); err != nil {
		return err
	}
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func readFull(fd int, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := unix.Read(fd, b[total:])
		if err == unix.EAGAIN || err == unix.EINTR {
			waitReadable(fd)
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		total += n
	}
	return nil
}

func writeFull(fd int, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := unix.Write(fd, b[total:])
		if err == unix.EAGAIN || err == unix.EINTR {
			waitWritable(fd)
			continue
		}
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func waitReadable(fd int) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	unix.Poll(fds, 100)
}

func waitWritable(fd int) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	unix.Poll(fds, 100)
}
