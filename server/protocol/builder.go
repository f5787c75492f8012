package protocol

import "github.com/kfcemployee/tinyweb/server/engine"

type status struct {
	code  uint
	title string
	body  string
}

var statusTable = [...]status{
	BadRequest:    {400, "Bad Request", "Your request has bad syntax or is inherently impossible to staisfy.\n"},
	NoResource:    {404, "Not Found", "The requested file was not found on this server.\n"},
	Forbidden:     {403, "Forbidden", "You do not have permission to get file form this server.\n"},
	FileReady:     {200, "OK", ""},
	InternalError: {500, "Internal Error", "There was an unusual problem serving the request file.\n"},
}

// sent for a zero length document
const emptyPage = "<html><body></body></html>"

var (
	proto        = []byte("HTTP/1.1 ")
	crlf         = []byte("\r\n")
	hdrLength    = []byte("Content-Length: ")
	hdrConnKeep  = []byte("Connection: keep-alive\r\n")
	hdrConnClose = []byte("Connection: close\r\n")
)

func statusFor(code Code) status {
	if int(code) >= len(statusTable) || statusTable[code].code == 0 {
		return statusTable[InternalError]
	}
	return statusTable[code]
}

// StatusOf returns the status code a response for code carries.
func StatusOf(code Code) int { return int(statusFor(code).code) }

// IntToBuf writes n in decimal to buf and returns the number of bytes used.
func IntToBuf(buf []byte, n uint) int {
	if n == 0 {
		buf[0] = '0'
		return 1
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return copy(buf, tmp[i:])
}

// writer appends into a connection's write buffer and remembers overflow.
type writer struct {
	c   *engine.Conn
	err error
}

func (w *writer) put(p []byte) {
	if w.err != nil {
		return
	}
	if w.c.Written+len(p) > len(w.c.WriteBuf) {
		w.err = errWriteOverflow
		return
	}
	w.c.Written += copy(w.c.WriteBuf[w.c.Written:], p)
}

func (w *writer) putString(s string) {
	if w.err != nil {
		return
	}
	if w.c.Written+len(s) > len(w.c.WriteBuf) {
		w.err = errWriteOverflow
		return
	}
	w.c.Written += copy(w.c.WriteBuf[w.c.Written:], s)
}

func (w *writer) putInt(n uint) {
	var tmp [20]byte
	w.put(tmp[:IntToBuf(tmp[:], n)])
}

func (w *writer) head(st status, length int, keep bool) {
	w.put(proto)
	w.putInt(st.code)
	w.putString(" ")
	w.putString(st.title)
	w.put(crlf)

	w.put(hdrLength)
	w.putInt(uint(length))
	w.put(crlf)
	if keep {
		w.put(hdrConnKeep)
	} else {
		w.put(hdrConnClose)
	}
	w.put(crlf)
}

// BuildResponse assembles the response for code in c.WriteBuf and queues
// it, with the attached document as a second segment on FileReady.
func BuildResponse(c *engine.Conn, code Code) error {
	st := statusFor(code)

	w := writer{c: c}
	switch {
	case code == FileReady && len(c.File()) > 0:
		w.head(st, len(c.File()), c.Req.KeepAlive)
		if w.err == nil {
			c.PrepareSend(true)
		}
	case code == FileReady:
		w.head(st, len(emptyPage), c.Req.KeepAlive)
		w.putString(emptyPage)
		if w.err == nil {
			c.PrepareSend(false)
		}
	default:
		w.head(st, len(st.body), c.Req.KeepAlive)
		w.putString(st.body)
		if w.err == nil {
			c.PrepareSend(false)
		}
	}
	return w.err
}
