package protocol

import "errors"

var (
	errMalformedForm = errors.New("malformed credentials form")
	errWriteOverflow = errors.New("response does not fit the write buffer")
)
