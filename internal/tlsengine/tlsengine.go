// Package tlsengine implements a model.CryptoEngine on top of
// crypto/tls. The tls.Conn API blocks, while the engine contract is
// non-blocking: the gap is bridged by a pump connection holding two
// in-memory buffers. Writes from the tls.Conn accumulate in the out
// buffer and reads drain the in buffer; each engine call first moves
// as many bytes as possible between the buffers and the relay
// callbacks, then lets the tls.Conn make progress against the
// buffers alone.
//
// During the handshake the pump's Read blocks until bytes arrive, so
// the handshake runs in an engine-owned goroutine while Handshake()
// polls for its completion. After the handshake the pump switches to
// non-blocking mode and an empty in buffer yields a temporary error
// that the engine translates back to model.ErrAgain.
package tlsengine

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/securechan/securechan/model"
)

var (
	errEngineClosed   = errors.New("tlsengine: engine already closed")
	errNotEstablished = errors.New("tlsengine: handshake not complete")
	errNoRelay        = errors.New("tlsengine: relay callbacks not configured")
)

// wouldBlock is the temporary error the pump returns when reading
// from an empty in buffer after the handshake. crypto/tls only makes
// non-temporary read errors sticky, so the tls.Conn can be retried
// after the engine reports ErrAgain to its caller.
type wouldBlock struct{}

func (wouldBlock) Error() string   { return model.ErrAgain.Error() }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

// Is makes errors.Is(err, model.ErrAgain) succeed on errors that
// crypto/tls returns unchanged from the pump.
func (wouldBlock) Is(target error) bool { return target == model.ErrAgain }

// pumpAddr is the placeholder address of a pump connection.
type pumpAddr struct{}

func (pumpAddr) Network() string { return "pump" }
func (pumpAddr) String() string  { return "pump" }

// pumpConn is the in-memory net.Conn the tls.Conn is bound to. Read
// consumes the in buffer and Write appends to the out buffer without
// ever touching the descriptor. The engine moves bytes between the
// buffers and the relay callbacks around each tls.Conn call.
type pumpConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       bytes.Buffer
	out      bytes.Buffer
	blocking bool
	closed   bool
	eof      bool
}

func newPumpConn() *pumpConn {
	p := &pumpConn{blocking: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read implements net.Conn. In blocking mode it waits for feed,
// feedEOF, setNonblocking or close; in non-blocking mode an empty
// buffer yields a temporary wouldBlock error.
func (p *pumpConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.in.Len() > 0 {
			return p.in.Read(b)
		}
		if p.closed {
			return 0, net.ErrClosed
		}
		if p.eof {
			return 0, io.EOF
		}
		if !p.blocking {
			return 0, wouldBlock{}
		}
		p.cond.Wait()
	}
}

// Write implements net.Conn. It never blocks.
func (p *pumpConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out.Write(b)
	return len(b), nil
}

// Close implements net.Conn. The tls.Conn calls it from its own
// Close; the engine also calls it directly to unblock the handshake
// goroutine when tearing down early.
func (p *pumpConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

func (p *pumpConn) LocalAddr() net.Addr              { return pumpAddr{} }
func (p *pumpConn) RemoteAddr() net.Addr             { return pumpAddr{} }
func (p *pumpConn) SetDeadline(time.Time) error      { return nil }
func (p *pumpConn) SetReadDeadline(time.Time) error  { return nil }
func (p *pumpConn) SetWriteDeadline(time.Time) error { return nil }

// feed appends ciphertext received from the descriptor.
func (p *pumpConn) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
	p.cond.Broadcast()
}

// feedEOF records that the peer shut down the raw stream.
func (p *pumpConn) feedEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.cond.Broadcast()
}

// setNonblocking switches Read to the post-handshake regime.
func (p *pumpConn) setNonblocking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocking = false
	p.cond.Broadcast()
}

// pendingOut snapshots the buffered ciphertext awaiting the
// descriptor.
func (p *pumpConn) pendingOut() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return nil
	}
	return append([]byte(nil), p.out.Bytes()...)
}

// discardOut drops the n leading bytes that reached the descriptor.
func (p *pumpConn) discardOut(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Next(n)
}

// Engine is a model.CryptoEngine backed by crypto/tls. It is not
// safe for concurrent use: the owning channel serializes calls.
type Engine struct {
	conn        *tls.Conn
	pump        *pumpConn
	relayRead   model.RelayFunc
	relayWrite  model.RelayFunc
	readbuf     []byte
	hsdone      chan error
	started     bool
	established bool
	closed      bool
	fatal       error

	// trust evaluation state, written by the VerifyPeerCertificate
	// callback from the handshake goroutine and read only after the
	// handshake completed
	hostname string
	verify   bool
	roots    *x509.CertPool
	chainMu  sync.Mutex
	chain    *model.TrustChain
}

var _ model.CryptoEngine = &Engine{}

// New creates a new engine. The factory signature matches
// model.EngineFactory.
func New(config model.EngineConfig) (model.CryptoEngine, error) {
	if config.RelayRead == nil || config.RelayWrite == nil {
		return nil, errNoRelay
	}
	minVersion := config.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	engine := &Engine{
		pump:       newPumpConn(),
		relayRead:  config.RelayRead,
		relayWrite: config.RelayWrite,
		readbuf:    make([]byte, 4096),
		hsdone:     make(chan error, 1),
		hostname:   config.Hostname,
		verify:     config.Verify,
		roots:      config.RootCAs,
	}
	tlsconfig := &tls.Config{
		// The engine records its own validation outcome and defers
		// the decision to the caller's trust evaluator, so the
		// handshake itself must never fail on trust grounds.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: engine.recordPeerChain,
		MinVersion:            minVersion,
		ServerName:            config.Hostname,
	}
	if config.Identity != nil {
		tlsconfig.Certificates = []tls.Certificate{config.Identity.Certificate}
	}
	engine.conn = tls.Client(engine.pump, tlsconfig)
	return engine, nil
}

// Handshake implements model.CryptoEngine. Each call flushes and
// fills the pump buffers, yields to the handshake goroutine, and
// polls for its completion.
func (e *Engine) Handshake() error {
	if e.closed {
		return errEngineClosed
	}
	if e.fatal != nil {
		return e.fatal
	}
	if e.established {
		return nil
	}
	if !e.started {
		e.started = true
		go func() {
			e.hsdone <- e.conn.Handshake()
		}()
	}
	if err := e.pumpStep(); err != nil {
		e.fatal = err
		return err
	}
	select {
	case err := <-e.hsdone:
		if err != nil {
			e.fatal = err
			return err
		}
		e.established = true
		e.pump.setNonblocking()
		// push out the final flight right away when the descriptor
		// allows; anything left over goes with the next call
		e.flushOut()
		return nil
	default:
		return model.ErrAgain
	}
}

// Read implements model.CryptoEngine.
func (e *Engine) Read(b []byte) (int, error) {
	if e.closed {
		return 0, errEngineClosed
	}
	if e.fatal != nil {
		return 0, e.fatal
	}
	if !e.established {
		return 0, errNotEstablished
	}
	if err := e.pumpStep(); err != nil {
		e.fatal = err
		return 0, err
	}
	n, err := e.conn.Read(b)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, model.ErrAgain) {
		return n, model.ErrAgain
	}
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	e.fatal = err
	return n, err
}

// Write implements model.CryptoEngine. The tls.Conn writes into the
// pump's out buffer and never blocks, so the only ErrAgain source is
// backlog from previous writes that has not reached the descriptor
// yet: accepting more plaintext in that state would buffer without
// bound.
func (e *Engine) Write(b []byte) (int, error) {
	if e.closed {
		return 0, errEngineClosed
	}
	if e.fatal != nil {
		return 0, e.fatal
	}
	if !e.established {
		return 0, errNotEstablished
	}
	if err := e.flushOut(); err != nil {
		if errors.Is(err, model.ErrAgain) {
			return 0, model.ErrAgain
		}
		e.fatal = err
		return 0, err
	}
	n, err := e.conn.Write(b)
	if err != nil {
		e.fatal = err
		return n, err
	}
	if err := e.flushOut(); err != nil && !errors.Is(err, model.ErrAgain) {
		e.fatal = err
		return n, err
	}
	return n, nil
}

// PeerTrustChain implements model.CryptoEngine.
func (e *Engine) PeerTrustChain() (*model.TrustChain, error) {
	if e.closed {
		return nil, errEngineClosed
	}
	if !e.established {
		return nil, errNotEstablished
	}
	e.chainMu.Lock()
	defer e.chainMu.Unlock()
	if e.chain == nil {
		// resumed or anonymous session with no certificate message
		return &model.TrustChain{Outcome: model.OutcomeOtherFailure}, nil
	}
	return e.chain, nil
}

// Close implements model.CryptoEngine. When the handshake goroutine
// is still running, closing the pump makes its pending Read fail and
// the goroutine exits after sending into the buffered hsdone.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.established && e.fatal == nil {
		// queue the close_notify alert and push it out best effort
		e.conn.Close()
		e.flushOut()
	}
	e.pump.Close()
	return nil
}

// pumpStep is the per-call byte movement: drain the out buffer to
// the descriptor, then feed the in buffer from it, then yield so a
// blocked handshake goroutine can consume what arrived. A second
// flush picks up whatever the goroutine produced in response.
func (e *Engine) pumpStep() error {
	if err := e.flushOut(); err != nil && !errors.Is(err, model.ErrAgain) {
		return err
	}
	if err := e.fillIn(); err != nil {
		return err
	}
	runtime.Gosched()
	if err := e.flushOut(); err != nil && !errors.Is(err, model.ErrAgain) {
		return err
	}
	return nil
}

// flushOut relays buffered ciphertext to the descriptor, resuming
// from partial counts. ErrAgain leaves the remainder buffered.
func (e *Engine) flushOut() error {
	for {
		data := e.pump.pendingOut()
		if len(data) == 0 {
			return nil
		}
		n, err := e.relayWrite(data)
		e.pump.discardOut(n)
		if err != nil {
			return err
		}
	}
}

// fillIn relays ciphertext from the descriptor into the pump until
// the descriptor has nothing more to offer. A raw EOF is recorded in
// the pump: whether it terminates the stream gracefully is for the
// record layer to decide.
func (e *Engine) fillIn() error {
	for {
		n, err := e.relayRead(e.readbuf)
		if n > 0 {
			e.pump.feed(e.readbuf[:n])
		}
		if err != nil {
			if errors.Is(err, model.ErrAgain) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				e.pump.feedEOF()
				return nil
			}
			return err
		}
	}
}

// recordPeerChain is the VerifyPeerCertificate callback. It stores
// the presented chain together with the outcome of the engine's own
// validation and always returns nil: rejecting the peer is the trust
// evaluator's call, not the record layer's.
func (e *Engine) recordPeerChain(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	chain := &model.TrustChain{}
	for _, der := range rawCerts {
		chain.Certificates = append(chain.Certificates, model.X509Certificate{
			Data: append([]byte(nil), der...),
		})
	}
	chain.Outcome = e.classify(rawCerts)
	e.chainMu.Lock()
	e.chain = chain
	e.chainMu.Unlock()
	return nil
}

func (e *Engine) classify(rawCerts [][]byte) model.Outcome {
	if !e.verify {
		return model.OutcomeUnspecified
	}
	if len(rawCerts) == 0 {
		return model.OutcomeOtherFailure
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return model.OutcomeOtherFailure
	}
	intermediates := x509.NewCertPool()
	for _, der := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return model.OutcomeOtherFailure
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:       e.hostname,
		Intermediates: intermediates,
		Roots:         e.roots,
	})
	if err == nil {
		return model.OutcomeProceed
	}
	var (
		authority x509.UnknownAuthorityError
		hostname  x509.HostnameError
		invalid   x509.CertificateInvalidError
	)
	if errors.As(err, &authority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) {
		return model.OutcomeRecoverableFailure
	}
	return model.OutcomeOtherFailure
}
