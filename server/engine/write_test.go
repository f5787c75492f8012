package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAdvanceRepointsSegments(t *testing.T) {
	c := NewConn(-1, "", 16, 32)
	c.Written = copy(c.WriteBuf, "HTTP/1.1 200 OK\r\n")
	file := []byte("0123456789abcdefghij")
	c.AttachFile(file, false)
	c.PrepareSend(true)
	require.Equal(t, 17+20, c.Remaining())

	c.advance(4)
	assert.Equal(t, "/1.1 200 OK\r\n", string(c.segs[0]))

	c.advance(13 + 5)
	assert.Empty(t, c.segs[0])
	assert.Equal(t, file[5:], c.segs[1])
	assert.Equal(t, 15, c.Remaining())

	assert.Len(t, c.iovecs(nil), 1)
}

func TestSendSurvivesPartialWrites(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	header := "HTTP/1.1 200 OK\r\nContent-Length: 1048576\r\nConnection: close\r\n\r\n"
	body := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)

	c := NewConn(fds[0], "pair", 64, 256)
	c.Written = copy(c.WriteBuf, header)
	c.AttachFile(body, false)
	c.PrepareSend(true)

	status, n, err := c.send()
	require.NoError(t, err)
	require.Equal(t, sendBlocked, status, "a megabyte cannot fit a 4k socket buffer")
	require.Less(t, n, len(header)+len(body))

	got := make(chan []byte, 1)
	go func() {
		peer := os.NewFile(uintptr(fds[1]), "peer")
		defer peer.Close()
		b, _ := io.ReadAll(peer)
		got <- b
	}()

	for status != sendDone {
		pfd := []unix.PollFd{{Fd: int32(fds[0]), Events: unix.POLLOUT}}
		_, err := unix.Poll(pfd, 1000)
		require.NoError(t, err)

		status, _, err = c.send()
		require.NoError(t, err)
	}
	require.Equal(t, 0, c.Remaining())
	require.NoError(t, unix.Close(fds[0]))

	out := <-got
	require.Equal(t, len(header)+len(body), len(out))
	assert.Equal(t, header, string(out[:len(header)]))
	assert.True(t, bytes.Equal(body, out[len(header):]), "body corrupted")
}

func TestSendReportsHardFailure(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	require.NoError(t, unix.Close(fds[1]))

	c := NewConn(fds[0], "pair", 64, 64)
	c.Written = copy(c.WriteBuf, "HTTP/1.1 200 OK\r\n\r\n")
	c.PrepareSend(false)

	status, _, err := c.send()
	assert.Equal(t, sendFailed, status)
	assert.ErrorIs(t, err, unix.EPIPE)
}

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html>hi</html>"), 0o644))

	b, mapped, err := MapFile(path, 15)
	require.NoError(t, err)
	assert.True(t, mapped)
	assert.Equal(t, "<html>hi</html>", string(b))

	c := NewConn(-1, "", 8, 8)
	c.AttachFile(b, mapped)
	c.ReleaseFile()
	assert.Nil(t, c.File())
	c.ReleaseFile()

	b, mapped, err = MapFile(path, 0)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.False(t, mapped)

	_, _, err = MapFile(filepath.Join(t.TempDir(), "missing"), 10)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
