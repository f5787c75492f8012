// protocol steps run by the workers
package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

func (r *Reactor) run(t task) {
	switch t.kind {
	case taskProcess:
		r.process(t.conn)
	case taskWrite:
		r.resume(t.conn)
	}
}

// process reads everything the socket has and runs the protocol over it.
func (r *Reactor) process(c *Conn) {
	if err := r.readOnce(c); err != nil {
		r.close(c, err.Error())
		return
	}
	r.serve(c)
}

func (r *Reactor) serve(c *Conn) {
	switch r.handler.Serve(c) {
	case ActionRead:
		if c.Filled == len(c.ReadBuf) {
			r.close(c, errReadBufferFull.Error())
			return
		}
		r.release(c, unix.EPOLLIN)
	case ActionWrite:
		r.release(c, unix.EPOLLOUT)
	default:
		r.close(c, "protocol failure")
	}
}

// resume continues sending a prepared response.
func (r *Reactor) resume(c *Conn) {
	status, n, err := c.send()
	r.metrics.BytesSent(n)

	switch status {
	case sendBlocked:
		r.release(c, unix.EPOLLOUT)
	case sendFailed:
		c.Log.Warn().Err(err).Msg("write failed")
		r.close(c, "write failed")
	case sendDone:
		c.ReleaseFile()
		if !c.Req.KeepAlive {
			r.close(c, "response complete")
			return
		}
		c.reset()
		if c.Filled > 0 {
			// pipelined bytes are already here, no event would announce them
			r.serve(c)
			return
		}
		r.release(c, unix.EPOLLIN)
	}
}

// readOnce drains the socket into the read buffer until it would block
// or the buffer is full.
func (r *Reactor) readOnce(c *Conn) error {
	if c.Filled >= len(c.ReadBuf) {
		return errReadBufferFull
	}

	for c.Filled < len(c.ReadBuf) {
		n, err := unix.Read(c.Fd, c.ReadBuf[c.Filled:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		c.Filled += n
		c.progress = true
	}
	return nil
}
