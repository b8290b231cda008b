// Package relay bridges a crypto engine's synchronous-style I/O
// callbacks onto a non-blocking raw descriptor. The engine asks for
// an exact number of bytes; we loop over partial transfers and
// translate the kernel's "not ready" condition into model.ErrAgain
// together with the partial count, so that the engine can resume
// from where it stopped.
package relay

import (
	"io"

	"github.com/securechan/securechan/model"
	"golang.org/x/sys/unix"
)

// maxWriteChunk bounds the number of bytes handed to a single raw
// write, to bound per-call latency and match typical socket
// buffering.
const maxWriteChunk = 4096

// Read fills b from the descriptor, looping until b is full or the
// descriptor has no data right now. In the latter case it returns
// the partial count together with model.ErrAgain. A zero-length
// read means the peer closed the stream: we report io.EOF and let
// the engine decide whether the shutdown was graceful.
func Read(fd int, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Read(fd, b[total:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return total, model.ErrAgain
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// Write sends b to the descriptor in bounded chunks, looping until
// all bytes are out or the descriptor cannot accept more right now.
// In the latter case it returns the partial count together with
// model.ErrAgain. Already-transferred bytes are never dropped: the
// engine resumes from the reported count.
func Write(fd int, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		chunk := b[total:]
		if len(chunk) > maxWriteChunk {
			chunk = chunk[:maxWriteChunk]
		}
		n, err := unix.Write(fd, chunk)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return total, model.ErrAgain
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
