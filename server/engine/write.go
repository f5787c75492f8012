// scatter-gather send path
package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

type sendStatus uint8

const (
	sendDone sendStatus = iota
	sendBlocked
	sendFailed
)

// send writes the queued segments with writev until they are gone or the
// socket would block. On a short write the segments are advanced by exactly
// the acknowledged byte count, so the file segment is repointed past what
// already left.
func (c *Conn) send() (sendStatus, int, error) {
	total := 0
	var iov [2][]byte

	for c.sent < c.toSend {
		n, err := unix.Writev(c.Fd, c.iovecs(iov[:0]))
		if n > 0 {
			c.advance(n)
			total += n
			c.progress = true
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return sendBlocked, total, nil
			}
			return sendFailed, total, err
		}
	}
	return sendDone, total, nil
}

func (c *Conn) iovecs(dst [][]byte) [][]byte {
	for _, s := range c.segs {
		if len(s) > 0 {
			dst = append(dst, s)
		}
	}
	return dst
}

// advance consumes n sent bytes from the front of the segments.
func (c *Conn) advance(n int) {
	c.sent += n
	for i := range c.segs {
		if n == 0 {
			break
		}
		k := min(n, len(c.segs[i]))
		c.segs[i] = c.segs[i][k:]
		n -= k
	}
}
