package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kfcemployee/tinyweb/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okResponse = []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")

// stubHandler answers every blank-line terminated message with okResponse.
type stubHandler struct {
	delay time.Duration
}

func (h stubHandler) Serve(c *Conn) Action {
	i := bytes.Index(c.Pending(), []byte("\r\n\r\n"))
	if i < 0 {
		return ActionRead
	}
	msg := c.Pending()[:i]
	c.Checked += i + 4

	if bytes.HasPrefix(msg, []byte("DROP")) {
		return ActionClose
	}
	if bytes.HasPrefix(msg, []byte("SLOW")) {
		time.Sleep(h.delay)
	}
	c.Req.KeepAlive = !bytes.Contains(msg, []byte("close"))
	c.Written = copy(c.WriteBuf, okResponse)
	c.PrepareSend(false)
	return ActionWrite
}

func testOptions() Options {
	return Options{
		Addr:            [4]byte{127, 0, 0, 1},
		Backlog:         128,
		Workers:         4,
		QueueSize:       64,
		MaxConns:        100,
		MaxEvents:       64,
		IdleTimeout:     5 * time.Second,
		TickInterval:    50 * time.Millisecond,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Logger:          zerolog.Nop(),
	}
}

func startReactor(t *testing.T, h Handler, opts Options) *Reactor {
	t.Helper()

	r := New(h, opts)
	require.NoError(t, r.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
	})
	return r
}

func dial(t *testing.T, r *Reactor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", r.Port()))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestReactorKeepAlive(t *testing.T) {
	r := startReactor(t, stubHandler{}, testOptions())
	conn := dial(t, r)

	for range 3 {
		_, err := conn.Write([]byte("GET\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, okResponse, readN(t, conn, len(okResponse)))
	}
	assert.Equal(t, 1, r.Active())
}

func TestReactorConcurrentKeepAliveHandOff(t *testing.T) {
	r := startReactor(t, stubHandler{}, testOptions())

	const clients, rounds = 8, 50
	var wg sync.WaitGroup
	for range clients {
		conn := dial(t, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(okResponse))
			for range rounds {
				if _, err := conn.Write([]byte("GET\r\n\r\n")); err != nil {
					t.Error(err)
					return
				}
				if _, err := io.ReadFull(conn, buf); err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(okResponse, buf) {
					t.Errorf("unexpected response %q", buf)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, clients, r.Active())
}

func TestReactorPipelinedRequests(t *testing.T) {
	r := startReactor(t, stubHandler{}, testOptions())
	conn := dial(t, r)

	_, err := conn.Write([]byte("A\r\n\r\nB\r\n\r\nC\r\n\r\n"))
	require.NoError(t, err)

	got := readN(t, conn, 3*len(okResponse))
	assert.Equal(t, bytes.Repeat(okResponse, 3), got)
}

func TestReactorClosesWithoutKeepAlive(t *testing.T) {
	r := startReactor(t, stubHandler{}, testOptions())
	conn := dial(t, r)

	_, err := conn.Write([]byte("GET close\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, okResponse, readN(t, conn, len(okResponse)))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestReactorHandlerClose(t *testing.T) {
	r := startReactor(t, stubHandler{}, testOptions())
	conn := dial(t, r)

	_, err := conn.Write([]byte("DROP\r\n\r\n"))
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReactorIdleTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.IdleTimeout = 200 * time.Millisecond
	opts.Metrics = metrics.New(reg)
	r := startReactor(t, stubHandler{}, opts)

	conn := dial(t, r)
	require.Eventually(t, func() bool { return r.Active() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, reg, "tinyweb_connections_expired_total"))

	r.mu.Lock()
	assert.Equal(t, 0, r.timers.len())
	r.mu.Unlock()
}

func TestReactorTrafficRefreshesTimer(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 300 * time.Millisecond
	r := startReactor(t, stubHandler{}, opts)
	conn := dial(t, r)

	// keep talking for longer than the idle timeout
	for range 6 {
		time.Sleep(100 * time.Millisecond)
		_, err := conn.Write([]byte("GET\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, okResponse, readN(t, conn, len(okResponse)))
	}
}

func TestReactorExpiryWaitsForWorker(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	opts.TickInterval = 20 * time.Millisecond
	r := startReactor(t, stubHandler{delay: 400 * time.Millisecond}, opts)

	conn := dial(t, r)
	_, err := conn.Write([]byte("SLOW\r\n\r\n"))
	require.NoError(t, err)

	// the sweep fires while the worker sleeps; the worker closes on hand-off
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, r.Active(), "closed exactly once")
}

func TestReactorConnectionCeiling(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.MaxConns = 1
	opts.Metrics = metrics.New(reg)
	r := startReactor(t, stubHandler{}, opts)

	dial(t, r)
	require.Eventually(t, func() bool { return r.Active() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, r)
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyResponse, got)
	assert.Equal(t, 1, r.Active())

	assert.Equal(t, 1.0, counterValue(t, reg, "tinyweb_connections_rejected_total"))
}

func TestReactorShutdownClosesConnections(t *testing.T) {
	r := New(stubHandler{}, testOptions())
	require.NoError(t, r.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx) }()

	conn := dial(t, r)
	require.Eventually(t, func() bool { return r.Active() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Active())
}

func TestServeRequiresListen(t *testing.T) {
	r := New(stubHandler{}, testOptions())
	assert.ErrorIs(t, r.Serve(context.Background()), errNotListening)
}
