package protocol

// LineStatus is the outcome of scanning for one CRLF terminated line.
type LineStatus uint8

const (
	LineOK   LineStatus = iota // terminator found
	LineBad                    // bare CR or bare LF
	LineOpen                   // no terminator yet, read more
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "LINE_OK"
	case LineBad:
		return "LINE_BAD"
	default:
		return "LINE_OPEN"
	}
}

// ScanLine looks for "\r\n" in buf starting at from. On LineOK the returned
// cursor is just past the terminator. On LineOpen it is where scanning has
// to resume once more bytes arrive; a trailing '\r' is not consumed so the
// next scan sees it together with its '\n'.
func ScanLine(buf []byte, from int) (LineStatus, int) {
	for i := from; i < len(buf); i++ {
		switch buf[i] {
		case '\r':
			if i+1 == len(buf) {
				return LineOpen, i
			}
			if buf[i+1] == '\n' {
				return LineOK, i + 2
			}
			return LineBad, i
		case '\n':
			if i > 0 && buf[i-1] == '\r' {
				return LineOK, i + 1
			}
			return LineBad, i
		}
	}
	return LineOpen, len(buf)
}
