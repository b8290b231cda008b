package sockchan_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/securechan/securechan/internal/sockchan"
	"github.com/securechan/securechan/internal/testingx"
	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

func TestIntegrationConnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)
	handler := new(testingx.SavingHandler)
	ch, err := sockchan.Connect(addr.IP, addr.Port, nil, time.Now(), handler, 1)
	if err != nil {
		t.Fatal(err)
	}
	watch, err := ch.CreateWatch(model.CondWrite)
	if err != nil {
		t.Fatal(err)
	}
	ready, err := watch.Wait(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ready {
		t.Fatal("connect did not complete")
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	var connects, closes int
	for _, m := range handler.Measurements() {
		if m.Connect != nil {
			connects++
		}
		if m.Close != nil {
			closes++
		}
	}
	if connects != 1 || closes != 1 {
		t.Fatal("unexpected events")
	}
}

func TestReadWriteSemantics(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	ch := sockchan.Wrap(fd, time.Now(), new(testingx.SavingHandler), 2)
	defer ch.Close()
	if _, err := ch.Read(make([]byte, 8)); !errors.Is(err, model.ErrAgain) {
		t.Fatal("expected ErrAgain here")
	}
	if _, err := unix.Write(peer, []byte("hey")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	if err != nil && !errors.Is(err, model.ErrAgain) {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hey" {
		t.Fatal("invalid bytes")
	}
	if n, err := ch.Write([]byte("yo")); err != nil || n != 2 {
		t.Fatal("write failed")
	}
	out := make([]byte, 8)
	n, err = unix.Read(peer, out)
	if err != nil || string(out[:n]) != "yo" {
		t.Fatal("peer did not receive bytes")
	}
	if err := unix.Shutdown(peer, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatal("expected io.EOF here")
	}
}

func TestSeekIsNotSupported(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	ch := sockchan.Wrap(fd, time.Now(), new(testingx.SavingHandler), 3)
	defer ch.Close()
	if err := ch.Seek(0, io.SeekStart); !errors.Is(err, unix.ESPIPE) {
		t.Fatal("expected ESPIPE here")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	ch := sockchan.Wrap(fd, time.Now(), new(testingx.SavingHandler), 4)
	defer ch.Close()
	flags, err := ch.Flags()
	if err != nil {
		t.Fatal(err)
	}
	if flags&model.FlagNonblock == 0 {
		t.Fatal("expected the non-blocking flag to be set")
	}
	if err := ch.SetFlags(0); err != nil {
		t.Fatal(err)
	}
	flags, err = ch.Flags()
	if err != nil {
		t.Fatal(err)
	}
	if flags&model.FlagNonblock != 0 {
		t.Fatal("expected the non-blocking flag to be cleared")
	}
	if err := ch.SetFlags(model.FlagNonblock); err != nil {
		t.Fatal(err)
	}
}

func TestCloseIsSafeToRepeat(t *testing.T) {
	fd, peer, err := testingx.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	defer testingx.CloseFD(peer)
	ch := sockchan.Wrap(fd, time.Now(), new(testingx.SavingHandler), 5)
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal("second close must not fail")
	}
	if _, err := ch.Read(make([]byte, 1)); !errors.Is(err, unix.EBADF) {
		t.Fatal("expected EBADF after close")
	}
}
