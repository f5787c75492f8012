// connection state shared between the reactor, the workers and the protocol layer
package engine

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// View is a bounds-checked window into a connection buffer.
type View struct {
	St, End int
}

// Of returns the bytes under the view, or nil if it does not fit buf.
func (v View) Of(buf []byte) []byte {
	if v.St < 0 || v.St > v.End || v.End > len(buf) {
		return nil
	}
	return buf[v.St:v.End]
}

func (v View) Len() int { return v.End - v.St }

// Phase is the position of the request parser.
type Phase uint8

const (
	PhaseRequestLine Phase = iota
	PhaseHeaders
	PhaseBody
)

type Method uint8

const (
	MethodGet Method = iota
	MethodPost
)

func (m Method) String() string {
	if m == MethodPost {
		return "POST"
	}
	return "GET"
}

// Request holds what the parser extracted so far. Views point into Conn.ReadBuf.
type Request struct {
	Phase         Phase
	Method        Method
	Target        string
	Version       View
	Host          View
	ContentLength int
	KeepAlive     bool
	Body          View
}

// connection lifecycle, see Reactor.release and Reactor.closeLocked
const (
	stateIdle int32 = iota // armed in epoll, nobody holds it
	stateBusy              // a worker owns it
	stateClosed
)

// Conn is one client socket. Buffers and parser state are touched only by
// the worker that currently owns the connection; one-shot registration
// guarantees there is at most one.
type Conn struct {
	Fd   int
	Peer string
	Log  zerolog.Logger

	ReadBuf   []byte
	Filled    int // bytes received
	Checked   int // scan cursor
	LineStart int // start of the line being scanned

	WriteBuf []byte
	Written  int

	Req Request

	file   []byte
	mapped bool

	segs   [2][]byte
	toSend int
	sent   int

	gen      uint32
	state    atomic.Int32
	want     uint32 // direction of the current registration
	progress bool

	// guarded by Reactor.mu
	expired bool
	timer   timerID
}

// NewConn builds a detached connection with fresh buffers.
func NewConn(fd int, peer string, readSize, writeSize int) *Conn {
	return &Conn{
		Fd:       fd,
		Peer:     peer,
		Log:      zerolog.Nop(),
		ReadBuf:  make([]byte, readSize),
		WriteBuf: make([]byte, writeSize),
		timer:    noTimer,
	}
}

// Pending returns the not yet parsed part of the read buffer.
func (c *Conn) Pending() []byte {
	return c.ReadBuf[c.Checked:c.Filled]
}

// AttachFile hands the response body to the connection. mapped tells
// whether b must be unmapped on release.
func (c *Conn) AttachFile(b []byte, mapped bool) {
	c.ReleaseFile()
	c.file, c.mapped = b, mapped
}

// File returns the attached response body.
func (c *Conn) File() []byte { return c.file }

// ReleaseFile drops the attached body. Safe to call more than once.
func (c *Conn) ReleaseFile() {
	if c.file == nil {
		return
	}
	if c.mapped {
		if err := unmapFile(c.file); err != nil {
			c.Log.Warn().Err(err).Msg("munmap failed")
		}
	}
	c.file, c.mapped = nil, false
}

// PrepareSend queues the write buffer, followed by the attached file when
// withFile is set.
func (c *Conn) PrepareSend(withFile bool) {
	c.segs[0] = c.WriteBuf[:c.Written]
	c.segs[1] = nil
	if withFile && len(c.file) > 0 {
		c.segs[1] = c.file
	}
	c.toSend = len(c.segs[0]) + len(c.segs[1])
	c.sent = 0
}

// Remaining reports how many queued bytes are not yet acknowledged by the kernel.
func (c *Conn) Remaining() int { return c.toSend - c.sent }

// reset prepares the connection for the next request on a keep-alive
// socket. Bytes already received past the previous request are kept.
func (c *Conn) reset() {
	rem := 0
	if c.Checked < c.Filled {
		rem = copy(c.ReadBuf, c.ReadBuf[c.Checked:c.Filled])
	}
	c.Filled = rem
	c.Checked = 0
	c.LineStart = 0
	c.Written = 0
	c.Req = Request{}
	c.segs = [2][]byte{}
	c.toSend, c.sent = 0, 0
}
