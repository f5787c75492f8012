package engine

import "errors"

var (
	errPeerClosed     = errors.New("peer closed connection")
	errReadBufferFull = errors.New("read buffer full")
	errNotListening   = errors.New("reactor is not listening")
)
