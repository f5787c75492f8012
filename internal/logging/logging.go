// Package logging builds the process logger: zerolog over a rotating file,
// optionally drained asynchronously through a bounded ring buffer.
package logging

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Sink.
type Options struct {
	File       string // empty logs to stderr
	Level      string
	QueueSize  int // > 0 enables async mode
	SplitLines int // rotate every N lines, 0 disables
	MaxSizeMB  int
	MaxBackups int
}

// Sink owns the log writer chain. It is created once at process start
// and closed once at exit.
type Sink struct {
	logger zerolog.Logger
	closer io.Closer
	async  *asyncWriter
}

// New opens the sink described by opts.
func New(opts Options) (*Sink, error) {
	lvl := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		lvl = parsed
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	if opts.File == "" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000000"}
	} else {
		rw := newRotator(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			LocalTime:  true,
		}, opts.SplitLines, time.Now)
		w, closer = rw, rw
	}

	var async *asyncWriter
	if opts.QueueSize > 0 {
		async = newAsyncWriter(w, closer, opts.QueueSize)
		w, closer = async, async
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Sink{logger: logger, closer: closer, async: async}, nil
}

// Logger returns the root logger; components derive children from it.
func (s *Sink) Logger() zerolog.Logger { return s.logger }

// Flush blocks until every line queued so far has reached the file.
// Synchronous sinks have nothing queued.
func (s *Sink) Flush() error {
	if s.async == nil {
		return nil
	}
	return s.async.Flush()
}

// Close drains queued lines and closes the file.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// asyncWriter queues lines in a diode ring buffer drained by a background
// goroutine. A full queue drops lines instead of blocking the caller.
type asyncWriter struct {
	mu   sync.RWMutex
	cur  diode.Writer
	dst  io.Writer
	out  io.Closer
	size int
}

func newAsyncWriter(dst io.Writer, out io.Closer, size int) *asyncWriter {
	a := &asyncWriter{dst: dst, out: out, size: size}
	a.cur = a.open()
	return a
}

func (a *asyncWriter) open() diode.Writer {
	// hide Close so draining a diode leaves the destination open
	return diode.NewWriter(struct{ io.Writer }{a.dst}, a.size, 10*time.Millisecond, func(missed int) {
		os.Stderr.WriteString("logging: dropped " + strconv.Itoa(missed) + " lines\n")
	})
}

func (a *asyncWriter) Write(p []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur.Write(p)
}

// Flush swaps in a fresh queue and drains the old one.
func (a *asyncWriter) Flush() error {
	a.mu.Lock()
	old := a.cur
	a.cur = a.open()
	a.mu.Unlock()
	return old.Close()
}

func (a *asyncWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.cur.Close()
	if a.out != nil {
		if cerr := a.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// rotator forces a lumberjack rotation when the calendar day changes
// or after every splitLines lines. Writes are serialized.
type rotator struct {
	mu         sync.Mutex
	out        *lumberjack.Logger
	splitLines int
	lines      int
	day        int
	now        func() time.Time
}

func newRotator(out *lumberjack.Logger, splitLines int, now func() time.Time) *rotator {
	return &rotator{out: out, splitLines: splitLines, day: dayOf(now()), now: now}
}

func dayOf(t time.Time) int { return t.Year()*1000 + t.YearDay() }

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d := dayOf(r.now()); d != r.day {
		r.day = d
		r.lines = 0
		if err := r.out.Rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.out.Write(p)
	if err != nil {
		return n, err
	}

	r.lines += bytes.Count(p[:n], []byte{'\n'})
	if r.splitLines > 0 && r.lines >= r.splitLines {
		r.lines = 0
		err = r.out.Rotate()
	}
	return n, err
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}
