package protocol

import "bytes"

// the login and register forms post "user=<name>&password=<pass>"
const (
	userField     = len("user=")
	passwordField = len("&password=")
)

// parseCredentials extracts the name and password from a form body.
// Anything that does not follow the layout is rejected.
func parseCredentials(body []byte) (name, password string, err error) {
	if len(body) <= userField {
		return "", "", errMalformedForm
	}
	amp := bytes.IndexByte(body[userField:], '&')
	if amp <= 0 {
		return "", "", errMalformedForm
	}
	amp += userField
	if amp+passwordField > len(body) {
		return "", "", errMalformedForm
	}
	return string(body[userField:amp]), string(body[amp+passwordField:]), nil
}
