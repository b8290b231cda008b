// Package sockchan implements the raw, unencrypted channel over a
// non-blocking TCP socket. We connect to an already resolved IP and
// port, optionally binding a local address first; DNS is not
// supported at this layer.
package sockchan

import (
	"net"
	"time"

	"github.com/securechan/securechan/internal/relay"
	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

// Channel is a model.Channel over a non-blocking socket descriptor.
type Channel struct {
	Beginning time.Time
	Handler   model.Handler
	ID        int64
	fd        int
	closed    bool
}

// Connect establishes a non-blocking TCP connection to ip and port,
// optionally binding local first. The connect is initiated but not
// necessarily completed when Connect returns: the caller discovers
// completion through the writability of the descriptor, like it
// would with any non-blocking connect.
func Connect(ip net.IP, port int, local net.IP,
	beginning time.Time, handler model.Handler, connid int64) (*Channel, error) {
	start := time.Now()
	fd, err := connect(ip, port, local)
	stop := time.Now()
	handler.OnMeasurement(model.Measurement{
		Connect: &model.ConnectEvent{
			ConnID:        connid,
			Duration:      stop.Sub(start),
			Error:         err,
			LocalAddress:  safeAddrString(local, 0),
			Network:       "tcp",
			RemoteAddress: safeAddrString(ip, port),
			Time:          stop.Sub(beginning),
		},
	})
	if err != nil {
		return nil, err
	}
	return &Channel{
		Beginning: beginning,
		Handler:   handler,
		ID:        connid,
		fd:        fd,
	}, nil
}

func connect(ip net.IP, port int, local net.IP) (int, error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if local != nil {
		if err := unix.Bind(fd, sockaddr(local, 0, family)); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	err = unix.Connect(fd, sockaddr(ip, port, family))
	if err == unix.EINPROGRESS {
		// Normal for a non-blocking connect: completion is
		// signaled by writability.
		err = nil
	}
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddr(ip net.IP, port int, family int) unix.Sockaddr {
	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

func safeAddrString(ip net.IP, port int) (s string) {
	if ip != nil {
		s = (&net.TCPAddr{IP: ip, Port: port}).String()
	}
	return
}

// Wrap adopts an existing non-blocking descriptor. Used by tests
// and by callers that establish the connection themselves.
func Wrap(fd int, beginning time.Time, handler model.Handler, connid int64) *Channel {
	return &Channel{
		Beginning: beginning,
		Handler:   handler,
		ID:        connid,
		fd:        fd,
	}
}

// Read reads from the socket through the relay: it returns
// model.ErrAgain together with the partial count when no more data
// is ready and io.EOF when the peer closed the stream.
func (c *Channel) Read(b []byte) (int, error) {
	if c.closed {
		return 0, unix.EBADF
	}
	return relay.Read(c.fd, b)
}

// Write writes to the socket through the relay: it returns
// model.ErrAgain together with the partial count when the socket
// cannot accept more data.
func (c *Channel) Write(b []byte) (int, error) {
	if c.closed {
		return 0, unix.EBADF
	}
	return relay.Write(c.fd, b)
}

// Seek implements model.Channel. Sockets are not seekable.
func (c *Channel) Seek(offset int64, whence int) error {
	return unix.ESPIPE
}

// Close releases the descriptor. Further calls are no-ops.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	start := time.Now()
	err := unix.Close(c.fd)
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

// Flags reports the channel status flags.
func (c *Channel) Flags() (model.Flags, error) {
	fl, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, err
	}
	var flags model.Flags
	if fl&unix.O_NONBLOCK != 0 {
		flags |= model.FlagNonblock
	}
	return flags, nil
}

// SetFlags updates the channel status flags.
func (c *Channel) SetFlags(flags model.Flags) error {
	return unix.SetNonblock(c.fd, flags&model.FlagNonblock != 0)
}

// CreateWatch returns a Watch over the descriptor's readiness.
func (c *Channel) CreateWatch(cond model.Condition) (model.Watch, error) {
	if c.closed {
		return nil, unix.EBADF
	}
	var events int16
	if cond&model.CondRead != 0 {
		events |= unix.POLLIN
	}
	if cond&model.CondWrite != 0 {
		events |= unix.POLLOUT
	}
	return &pollWatch{fd: c.fd, events: events}, nil
}

// Descriptor returns the raw descriptor.
func (c *Channel) Descriptor() int {
	return c.fd
}

type pollWatch struct {
	fd     int
	events int16
}

// Wait implements model.Watch.
func (w *pollWatch) Wait(timeout time.Duration) (bool, error) {
	ms := int(timeout / time.Millisecond)
	for {
		fds := []unix.PollFd{{Fd: int32(w.fd), Events: w.events}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}
