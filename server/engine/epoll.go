// epoll reactor: listening socket, connection registration, dispatch and
// the idle timer sweep. It never runs protocol logic itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kfcemployee/tinyweb/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Action tells the engine what a connection needs after a protocol step.
type Action uint8

const (
	ActionRead  Action = iota // request incomplete, wait for more bytes
	ActionWrite               // response prepared with PrepareSend
	ActionClose               // drop the connection without a response
)

// Handler runs the protocol over the bytes buffered in a connection.
type Handler interface {
	Serve(c *Conn) Action
}

// Options configures a Reactor.
type Options struct {
	Addr            [4]byte
	Port            int
	Backlog         int
	Workers         int
	QueueSize       int
	MaxConns        int
	MaxEvents       int
	IdleTimeout     time.Duration
	TickInterval    time.Duration
	ReadBufferSize  int
	WriteBufferSize int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

var busyResponse = []byte("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 20\r\nConnection: close\r\n\r\nInternal server busy")

// Reactor owns the listening socket, the epoll instance and every live
// connection together with its timer.
type Reactor struct {
	opts    Options
	handler Handler
	log     zerolog.Logger
	metrics *metrics.Metrics

	lfd    int
	epfd   int
	wakefd int
	port   int

	pool   *workerPool
	conns  *xsync.MapOf[int, *Conn]
	active atomic.Int64
	gen    atomic.Uint32

	// mu guards the timer list and every lifecycle transition of a
	// connection that can race with the sweep.
	mu     sync.Mutex
	timers *timerList

	tickDue  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	rbufs sync.Pool
	wbufs sync.Pool
}

// New creates a reactor; Listen must be called before Serve.
func New(h Handler, opts Options) *Reactor {
	r := &Reactor{
		opts:    opts,
		handler: h,
		log:     opts.Logger.With().Str("component", "reactor").Logger(),
		metrics: opts.Metrics,
		lfd:     -1,
		epfd:    -1,
		wakefd:  -1,
		pool:    newWorkerPool(opts.QueueSize),
		conns:   xsync.NewMapOf[int, *Conn](),
		done:    make(chan struct{}),
	}
	r.timers = newTimerList(r.expire)
	r.rbufs.New = func() any { return make([]byte, opts.ReadBufferSize) }
	r.wbufs.New = func() any { return make([]byte, opts.WriteBufferSize) }
	return r
}

// Listen creates the listening socket, the epoll instance and the wake-up
// event fd, and registers both descriptors.
func (r *Reactor) Listen() error {
	lfd, port, err := listenSocket(r.opts.Addr, r.opts.Port, r.opts.Backlog)
	if err != nil {
		return err
	}
	r.lfd, r.port = lfd, port

	if r.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		r.closeFds()
		return fmt.Errorf("epoll_create1: %w", err)
	}
	if r.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		r.closeFds()
		return fmt.Errorf("eventfd: %w", err)
	}

	for _, fd := range []int{r.lfd, r.wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			r.closeFds()
			return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
		}
	}

	r.log.Info().Int("port", r.port).Msg("listening")
	return nil
}

// Port returns the bound port, useful when Options.Port was 0.
func (r *Reactor) Port() int { return r.port }

// Active returns the number of open client connections.
func (r *Reactor) Active() int { return int(r.active.Load()) }

// Serve runs the event loop until ctx is done, then stops the workers
// and closes every remaining connection.
func (r *Reactor) Serve(ctx context.Context) error {
	if r.epfd < 0 {
		return errNotListening
	}

	r.pool.start(r.opts.Workers, r.run)
	go r.waker(ctx)

	err := r.loop()

	close(r.done)
	r.pool.stop()
	r.shutdown()
	return err
}

// waker turns timer ticks and cancellation into event fd writes so the
// loop has a single blocking point.
func (r *Reactor) waker(ctx context.Context) {
	t := time.NewTicker(r.opts.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			r.tickDue.Store(true)
			r.wake()
		case <-ctx.Done():
			r.stopping.Store(true)
			r.wake()
			return
		case <-r.done:
			return
		}
	}
}

func (r *Reactor) wake() {
	one := [8]byte{1}
	if _, err := unix.Write(r.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Error().Err(err).Msg("eventfd write failed")
	}
}

func (r *Reactor) loop() error {
	events := make([]unix.EpollEvent, r.opts.MaxEvents)

	for !r.stopping.Load() {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := range n {
			ev := &events[i]
			switch fd := int(ev.Fd); fd {
			case r.lfd:
				r.acceptLoop()
			case r.wakefd:
				r.drainWake()
				if r.tickDue.Swap(false) {
					r.tick()
				}
			default:
				r.onReady(fd, uint32(ev.Pad), ev.Events)
			}
		}
	}
	return nil
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	if _, err := unix.Read(r.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Error().Err(err).Msg("eventfd read failed")
	}
}

// acceptLoop takes every pending connection off the listening socket.
func (r *Reactor) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(r.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				r.log.Error().Err(err).Msg("accept failed")
			}
			return
		}

		if r.Active() >= r.opts.MaxConns {
			r.reject(nfd)
			continue
		}
		r.open(nfd, peerString(sa))
	}
}

func (r *Reactor) reject(fd int) {
	r.log.Warn().Int("max_conns", r.opts.MaxConns).Msg("connection ceiling reached")
	r.metrics.ConnRejected()
	if n, err := unix.Write(fd, busyResponse); err != nil || n < len(busyResponse) {
		r.log.Debug().Err(err).Int("written", n).Msg("busy response not fully sent")
	}
	_ = unix.Close(fd)
}

func (r *Reactor) open(fd int, peer string) {
	c := &Conn{
		Fd:       fd,
		Peer:     peer,
		Log:      r.opts.Logger.With().Int("fd", fd).Str("peer", peer).Logger(),
		ReadBuf:  r.rbufs.Get().([]byte),
		WriteBuf: r.wbufs.Get().([]byte),
		gen:      r.gen.Add(1),
		timer:    noTimer,
	}

	r.active.Add(1)
	r.metrics.ConnAccepted()
	r.conns.Store(fd, c)

	r.mu.Lock()
	defer r.mu.Unlock()

	c.timer = r.timers.add(c, time.Now().Add(r.opts.IdleTimeout))
	c.want = unix.EPOLLIN
	if err := r.arm(unix.EPOLL_CTL_ADD, c, unix.EPOLLIN); err != nil {
		c.Log.Error().Err(err).Msg("register failed")
		r.closeLocked(c, "register failed")
		return
	}
	c.Log.Debug().Msg("connection accepted")
}

// arm registers c for one edge-triggered notification in direction dir.
// The event carries the connection generation so a notification for a
// recycled descriptor is recognized.
func (r *Reactor) arm(op int, c *Conn, dir uint32) error {
	ev := unix.EpollEvent{
		Events: dir | unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
		Pad:    int32(c.gen),
	}
	return unix.EpollCtl(r.epfd, op, c.Fd, &ev)
}

func (r *Reactor) onReady(fd int, gen uint32, events uint32) {
	c, ok := r.conns.Load(fd)
	if !ok || c.gen != gen {
		return
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.mu.Lock()
		if c.state.Load() == stateIdle {
			r.closeLocked(c, "peer hang-up")
		}
		r.mu.Unlock()
		return
	}

	if !c.state.CompareAndSwap(stateIdle, stateBusy) {
		return
	}

	// want is written by release before it stores stateIdle, so it is
	// only read once the CAS has succeeded. The direction comes from the
	// registration; a bare RDHUP must not turn a pending response into a read.
	kind := taskProcess
	if c.want == unix.EPOLLOUT {
		kind = taskWrite
	}
	if !r.pool.submit(task{conn: c, kind: kind}) {
		c.Log.Warn().Msg("worker queue full, dropping connection")
		r.metrics.TaskDropped()
		r.close(c, "queue full")
	}
}

// tick sweeps expired timers.
func (r *Reactor) tick() {
	r.mu.Lock()
	n := r.timers.tick(time.Now())
	r.mu.Unlock()

	if n > 0 {
		r.log.Debug().Int("expired", n).Int("active", r.Active()).Msg("timer sweep")
	}
}

// expire is the timer callback, called with mu held. A connection that a
// worker is still processing is only flagged; the worker closes it when it
// hands the connection back.
func (r *Reactor) expire(c *Conn) {
	c.timer = noTimer
	if c.state.Load() == stateBusy {
		c.expired = true
		return
	}
	r.metrics.ConnExpired()
	r.closeLocked(c, "idle timeout")
}

// release hands a connection back to the reactor: refresh its timer after
// progress and re-arm it for dir. Re-arming is the last thing done to c.
func (r *Reactor) release(c *Conn, dir uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.expired {
		r.metrics.ConnExpired()
		r.closeLocked(c, "idle timeout")
		return
	}
	if c.progress {
		c.progress = false
		r.timers.adjust(c.timer, time.Now().Add(r.opts.IdleTimeout))
	}

	c.want = dir
	c.state.Store(stateIdle)
	if err := r.arm(unix.EPOLL_CTL_MOD, c, dir); err != nil {
		c.Log.Error().Err(err).Msg("re-arm failed")
		r.closeLocked(c, "re-arm failed")
	}
}

func (r *Reactor) close(c *Conn, reason string) {
	r.mu.Lock()
	r.closeLocked(c, reason)
	r.mu.Unlock()
}

// closeLocked tears a connection down exactly once.
func (r *Reactor) closeLocked(c *Conn, reason string) {
	if c.state.Swap(stateClosed) == stateClosed {
		return
	}

	r.timers.remove(c.timer)
	c.timer = noTimer

	// the descriptor cannot be reused before Close, so the entry is still ours
	r.conns.Delete(c.Fd)
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if err := unix.Close(c.Fd); err != nil {
		c.Log.Warn().Err(err).Msg("close failed")
	}

	c.ReleaseFile()
	r.rbufs.Put(c.ReadBuf[:cap(c.ReadBuf)])
	r.wbufs.Put(c.WriteBuf[:cap(c.WriteBuf)])
	c.ReadBuf, c.WriteBuf = nil, nil

	r.active.Add(-1)
	r.metrics.ConnClosed()
	c.Log.Debug().Str("reason", reason).Msg("connection closed")
}

func (r *Reactor) shutdown() {
	r.mu.Lock()
	r.conns.Range(func(_ int, c *Conn) bool {
		r.closeLocked(c, "shutdown")
		return true
	})
	r.mu.Unlock()

	r.closeFds()
	r.log.Info().Msg("reactor stopped")
}

func (r *Reactor) closeFds() {
	for _, fd := range []*int{&r.lfd, &r.wakefd, &r.epfd} {
		if *fd >= 0 {
			_ = unix.Close(*fd)
			*fd = -1
		}
	}
}

// listenSocket creates a non-blocking TCP socket bound to addr:port.
func listenSocket(addr [4]byte, port, backlog int) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		port = in4.Port
	}
	return fd, port, nil
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	}
	return "unknown"
}
