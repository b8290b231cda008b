package securechannel_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/securechan/securechan/internal/relay"
	"github.com/securechan/securechan/internal/securechannel"
	"github.com/securechan/securechan/internal/sockchan"
	"github.com/securechan/securechan/internal/testingx"
	"github.com/securechan/securechan/model"
)

func newChannel(raw model.Channel, engine model.CryptoEngine,
	evaluator model.TrustEvaluator, handler model.Handler) *securechannel.Channel {
	return securechannel.New(
		raw, engine, evaluator, "example.com", true, time.Now(), handler, 1,
	)
}

func TestHandshakeEvaluatesTrustOnlyOnce(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	handler := new(testingx.SavingHandler)
	raw := sockchan.Wrap(fd, time.Now(), handler, 1)
	engine := &testingx.FakeEngine{
		HandshakeErrs: []error{model.ErrAgain, model.ErrAgain, model.ErrAgain},
		Chain: &model.TrustChain{
			Outcome: model.OutcomeRecoverableFailure,
		},
	}
	evaluator := &testingx.FakeEvaluator{Decision: model.DecisionAccept}
	channel := newChannel(raw, engine, evaluator, handler)
	defer channel.Close()
	for {
		result, err := channel.Handshake()
		if err != nil {
			t.Fatal(err)
		}
		if result == model.HandshakeEstablished {
			break
		}
	}
	// Stepping an established channel must not re-run anything.
	for i := 0; i < 3; i++ {
		result, err := channel.Handshake()
		if err != nil || result != model.HandshakeEstablished {
			t.Fatal("unexpected result on established channel")
		}
	}
	if evaluator.Calls != 1 {
		t.Fatal("trust evaluated more than once")
	}
}

func TestCloseReleasesResourcesExactlyOnce(t *testing.T) {
	// Drive a channel into each lifecycle state, close it, and
	// check that both the engine and the raw channel have been
	// released exactly once each, with no leak and no double
	// release.
	states := []string{"unestablished", "handshaking", "established", "failed"}
	for _, state := range states {
		t.Run(state, func(t *testing.T) {
			raw := &testingx.FakeChannel{FD: 1}
			engine := &testingx.FakeEngine{}
			evaluator := &testingx.FakeEvaluator{Decision: model.DecisionReject}
			switch state {
			case "handshaking":
				engine.HandshakeErrs = []error{model.ErrAgain, model.ErrAgain}
			case "failed":
				engine.Chain = &model.TrustChain{
					Outcome: model.OutcomeRecoverableFailure,
				}
			}
			channel := newChannel(raw, engine, evaluator, new(testingx.SavingHandler))
			switch state {
			case "handshaking":
				if result, _ := channel.Handshake(); result != model.HandshakeInProgress {
					t.Fatal("expected HandshakeInProgress")
				}
			case "established":
				if result, _ := channel.Handshake(); result != model.HandshakeEstablished {
					t.Fatal("expected HandshakeEstablished")
				}
			case "failed":
				if result, _ := channel.Handshake(); result != model.HandshakeFailed {
					t.Fatal("expected HandshakeFailed")
				}
			}
			for i := 0; i < 3; i++ {
				if err := channel.Close(); err != nil {
					t.Fatal(err)
				}
			}
			if engine.CloseCalls != 1 {
				t.Fatal("engine released", engine.CloseCalls, "times")
			}
			if raw.CloseCalls != 1 {
				t.Fatal("raw channel released", raw.CloseCalls, "times")
			}
		})
	}
}

func TestRejectedTrustBlocksSubsequentIO(t *testing.T) {
	raw := &testingx.FakeChannel{FD: 1}
	engine := &testingx.FakeEngine{
		Chain: &model.TrustChain{Outcome: model.OutcomeOtherFailure},
	}
	evaluator := &testingx.FakeEvaluator{Decision: model.DecisionReject}
	channel := newChannel(raw, engine, evaluator, new(testingx.SavingHandler))
	defer channel.Close()
	result, err := channel.Handshake()
	if result != model.HandshakeFailed || err == nil {
		t.Fatal("expected a failed handshake")
	}
	if _, err := channel.Read(make([]byte, 16)); err == nil {
		t.Fatal("expected read to fail")
	}
	if _, err := channel.Write([]byte("nope")); err == nil {
		t.Fatal("expected write to fail")
	}
	var wrapper *model.ErrWrapper
	_, err = channel.Read(make([]byte, 16))
	if !errors.As(err, &wrapper) {
		t.Fatal("not the expected error type")
	}
	if wrapper.Failure != "ssl_trust_rejected" {
		t.Fatal("the failure string is wrong")
	}
}

func TestReadWriteDelegateToEngine(t *testing.T) {
	raw := &testingx.FakeChannel{FD: 1}
	var sink bytes.Buffer
	engine := &testingx.FakeEngine{
		ReadFunc: func(b []byte) (int, error) {
			return copy(b, "plaintext"), nil
		},
		WriteFunc: func(b []byte) (int, error) {
			sink.Write(b)
			return len(b), nil
		},
	}
	channel := newChannel(raw, engine, new(testingx.FakeEvaluator),
		new(testingx.SavingHandler))
	defer channel.Close()
	if result, _ := channel.Handshake(); result != model.HandshakeEstablished {
		t.Fatal("expected HandshakeEstablished")
	}
	buf := make([]byte, 16)
	n, err := channel.Read(buf)
	if err != nil || string(buf[:n]) != "plaintext" {
		t.Fatal("invalid read result")
	}
	if n, err := channel.Write([]byte("hello")); err != nil || n != 5 {
		t.Fatal("invalid write result")
	}
	if sink.String() != "hello" {
		t.Fatal("the engine did not see the written bytes")
	}
	if raw.ReadCalls != 0 || raw.WriteCalls != 0 {
		t.Fatal("data I/O must not bypass the engine")
	}
}

func TestStructuralOperationsDelegateToRaw(t *testing.T) {
	raw := &testingx.FakeChannel{FD: 42}
	channel := newChannel(raw, &testingx.FakeEngine{},
		new(testingx.FakeEvaluator), new(testingx.SavingHandler))
	defer channel.Close()
	if channel.Descriptor() != 42 {
		t.Fatal("descriptor not delegated")
	}
	flags, err := channel.Flags()
	if err != nil || flags&model.FlagNonblock == 0 {
		t.Fatal("flags not delegated")
	}
	if err := channel.SetFlags(flags); err != nil {
		t.Fatal("set flags not delegated")
	}
	watch, err := channel.CreateWatch(model.CondRead | model.CondWrite)
	if err != nil {
		t.Fatal("watch not delegated")
	}
	if ready, _ := watch.Wait(0); !ready {
		t.Fatal("unexpected watch result")
	}
	if err := channel.Seek(0, io.SeekStart); err == nil {
		t.Fatal("expected the raw channel seek error")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	raw := &testingx.FakeChannel{}
	channel := newChannel(raw, &testingx.FakeEngine{},
		new(testingx.FakeEvaluator), new(testingx.SavingHandler))
	if err := channel.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := channel.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected read to fail")
	}
	if _, err := channel.Write([]byte{0}); err == nil {
		t.Fatal("expected write to fail")
	}
	if result, err := channel.Handshake(); result != model.HandshakeFailed || err == nil {
		t.Fatal("expected handshake to fail")
	}
	if channel.Descriptor() != -1 {
		t.Fatal("expected an invalid descriptor")
	}
}

// TestLoopbackEndToEnd wraps one end of a socketpair with a stub
// engine, completes the scripted handshake against the peer and
// checks that the decrypted stream matches exactly what the peer
// encrypted, in order, across WouldBlock-interrupted calls.
func TestLoopbackEndToEnd(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- testingx.XORServe(peer, 0x5a, payload)
	}()
	handler := new(testingx.SavingHandler)
	raw := sockchan.Wrap(fd, time.Now(), handler, 1)
	engine := &testingx.XOREngine{
		Key: 0x5a,
		RelayRead: func(b []byte) (int, error) {
			return relay.Read(fd, b)
		},
		RelayWrite: func(b []byte) (int, error) {
			return relay.Write(fd, b)
		},
	}
	evaluator := new(testingx.FakeEvaluator)
	channel := newChannel(raw, engine, evaluator, handler)
	defer channel.Close()
	deadline := time.Now().Add(30 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("handshake timed out")
		}
		result, err := channel.Handshake()
		if err != nil {
			t.Fatal(err)
		}
		if result == model.HandshakeEstablished {
			break
		}
		waitReady(t, channel)
	}
	if evaluator.Calls != 0 {
		t.Fatal("the stub outcome must be accepted automatically")
	}
	var received bytes.Buffer
	buf := make([]byte, 8192)
	for {
		if time.Now().After(deadline) {
			t.Fatal("read timed out")
		}
		n, err := channel.Read(buf)
		received.Write(buf[:n])
		if errors.Is(err, model.ErrAgain) {
			waitReady(t, channel)
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatal("decrypted stream differs from what the peer sent")
	}
}

func waitReady(t *testing.T, channel model.Channel) {
	t.Helper()
	watch, err := channel.CreateWatch(model.CondRead | model.CondWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := watch.Wait(time.Second); err != nil {
		t.Fatal(err)
	}
}
