// request parsing state machine over a connection's read buffer
package protocol

import (
	"bytes"
	"strconv"

	"github.com/kfcemployee/tinyweb/server/engine"
)

// Code classifies one pass of the parser or of request resolution.
type Code uint8

const (
	NoRequest  Code = iota // need more bytes
	GetRequest             // complete request parsed
	BadRequest
	NoResource
	Forbidden
	FileReady // target mapped and ready to send
	InternalError
)

var codeNames = [...]string{"NO_REQUEST", "GET_REQUEST", "BAD_REQUEST", "NO_RESOURCE", "FORBIDDEN", "FILE_READY", "INTERNAL_ERROR"}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "UNKNOWN"
}

// DefaultDocument replaces a bare "/" target.
const DefaultDocument = "/judge.html"

var (
	hdrConnection    = []byte("Connection:")
	hdrContentLength = []byte("Content-Length:")
	hdrHost          = []byte("Host:")
	keepAlive        = []byte("keep-alive")
	version11        = []byte("HTTP/1.1")
)

// Parse advances the request state machine over the buffered bytes. It
// returns NoRequest until a whole request (headers and body) is present,
// then GetRequest; BadRequest is terminal.
func Parse(c *engine.Conn) Code {
	for {
		if c.Req.Phase == engine.PhaseBody {
			return parseContent(c)
		}

		st, next := ScanLine(c.ReadBuf[:c.Filled], c.Checked)
		c.Checked = next
		switch st {
		case LineOpen:
			return NoRequest
		case LineBad:
			return BadRequest
		}

		line := engine.View{St: c.LineStart, End: c.Checked - 2}
		c.LineStart = c.Checked
		c.Log.Debug().Bytes("line", line.Of(c.ReadBuf)).Msg("request line")

		var code Code
		switch c.Req.Phase {
		case engine.PhaseRequestLine:
			code = parseRequestLine(c, line)
		case engine.PhaseHeaders:
			code = parseHeader(c, line)
		default:
			return InternalError
		}
		if code != NoRequest {
			return code
		}
	}
}

// parseRequestLine reads "METHOD target HTTP/1.1".
func parseRequestLine(c *engine.Conn, line engine.View) Code {
	text := line.Of(c.ReadBuf)

	sp := bytes.IndexAny(text, " \t")
	if sp < 0 {
		return BadRequest
	}
	switch method := text[:sp]; {
	case bytes.EqualFold(method, []byte("GET")):
		c.Req.Method = engine.MethodGet
	case bytes.EqualFold(method, []byte("POST")):
		c.Req.Method = engine.MethodPost
	default:
		return BadRequest
	}

	rest := skipBlank(text[sp:])
	sp = bytes.IndexAny(rest, " \t")
	if sp < 0 {
		return BadRequest
	}
	target := rest[:sp]
	version := skipBlank(rest[sp:])
	if !bytes.EqualFold(version, version11) {
		return BadRequest
	}
	c.Req.Version = engine.View{St: line.End - len(version), End: line.End}

	for _, scheme := range [][]byte{[]byte("http://"), []byte("https://")} {
		if hasPrefixFold(target, scheme) {
			target = target[len(scheme):]
			i := bytes.IndexByte(target, '/')
			if i < 0 {
				return BadRequest
			}
			target = target[i:]
			break
		}
	}
	if len(target) == 0 || target[0] != '/' {
		return BadRequest
	}

	if len(target) == 1 {
		c.Req.Target = DefaultDocument
	} else {
		c.Req.Target = string(target)
	}
	c.Req.Phase = engine.PhaseHeaders
	return NoRequest
}

// parseHeader handles one header line; the empty line ends the header block.
func parseHeader(c *engine.Conn, line engine.View) Code {
	text := line.Of(c.ReadBuf)

	if len(text) == 0 {
		if c.Req.ContentLength == 0 {
			return GetRequest
		}
		if c.Req.ContentLength > len(c.ReadBuf)-c.Checked {
			// the body could never fit the read buffer
			return BadRequest
		}
		c.Req.Phase = engine.PhaseBody
		return NoRequest
	}

	switch {
	case hasPrefixFold(text, hdrConnection):
		val := skipBlank(text[len(hdrConnection):])
		if bytes.EqualFold(val, keepAlive) {
			c.Req.KeepAlive = true
		}
	case hasPrefixFold(text, hdrContentLength):
		n, err := strconv.Atoi(string(skipBlank(text[len(hdrContentLength):])))
		if err != nil || n < 0 {
			return BadRequest
		}
		c.Req.ContentLength = n
	case hasPrefixFold(text, hdrHost):
		val := skipBlank(text[len(hdrHost):])
		c.Req.Host = engine.View{St: line.End - len(val), End: line.End}
	default:
		c.Log.Debug().Bytes("header", text).Msg("unknown header")
	}
	return NoRequest
}

// parseContent waits for the whole body; it is not interpreted here.
func parseContent(c *engine.Conn) Code {
	end := c.Checked + c.Req.ContentLength
	if c.Filled < end {
		return NoRequest
	}
	c.Req.Body = engine.View{St: c.Checked, End: end}
	c.Checked = end
	c.LineStart = end
	return GetRequest
}

func skipBlank(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	return b[i:]
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}
