package protocol

import (
	"context"
	"os"
	"path"

	"github.com/kfcemployee/tinyweb/server/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// pages served instead of the requested target
const (
	pageRegister      = "/register.html"
	pageLogin         = "/log.html"
	pageWelcome       = "/welcome.html"
	pageLoginError    = "/logError.html"
	pageRegisterError = "/registerError.html"
	pagePicture       = "/picture.html"
	pageVideo         = "/video.html"
	pageFans          = "/fans.html"
)

// redirects keyed by the first character after the leading slash
var redirects = [256]string{
	'0': pageRegister,
	'1': pageLogin,
	'5': pagePicture,
	'6': pageVideo,
	'7': pageFans,
}

const (
	actionLogin    = '2'
	actionRegister = '3'
)

// worldReadable is the "others may read" permission bit.
const worldReadable = 0o004

// route maps a parsed request to the document it is answered with.
func (h *Handler) route(c *engine.Conn) string {
	target := c.Req.Target
	if len(target) < 2 {
		return target
	}

	flag := target[1]
	if c.Req.Method == engine.MethodPost && (flag == actionLogin || flag == actionRegister) {
		return h.authenticate(c, flag)
	}
	if page := redirects[flag]; page != "" {
		return page
	}
	return target
}

func (h *Handler) authenticate(c *engine.Conn, flag byte) string {
	name, password, err := parseCredentials(c.Req.Body.Of(c.ReadBuf))

	if flag == actionRegister {
		if err != nil {
			c.Log.Debug().Err(err).Msg("register form rejected")
			return pageRegisterError
		}
		if err := h.auth.Register(name, password); err != nil {
			c.Log.Info().Err(err).Str("user", name).Msg("register failed")
			return pageRegisterError
		}
		c.Log.Info().Str("user", name).Msg("user registered")
		return pageLogin
	}

	if err != nil || !h.auth.Login(name, password) {
		c.Log.Debug().Str("user", name).Msg("login failed")
		return pageLoginError
	}
	return pageWelcome
}

// resolve turns a complete request into FileReady with the body attached,
// or into the error code describing why it cannot be served.
func (h *Handler) resolve(c *engine.Conn) Code {
	_, span := h.tracer.Start(context.Background(), "resolve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", c.Req.Method.String()),
			attribute.String("http.target", c.Req.Target),
		),
	)
	defer span.End()

	doc := h.route(c)
	full := h.root + path.Clean(doc)
	code := h.open(c, full)

	span.SetAttributes(attribute.String("tinyweb.document", doc), attribute.String("tinyweb.code", code.String()))
	if code != FileReady {
		span.SetStatus(codes.Error, code.String())
	}
	return code
}

func (h *Handler) open(c *engine.Conn, full string) Code {
	fi, err := os.Stat(full)
	if err != nil {
		return NoResource
	}
	if fi.Mode().Perm()&worldReadable == 0 {
		return Forbidden
	}
	if fi.IsDir() {
		return BadRequest
	}

	b, mapped, err := engine.MapFile(full, fi.Size())
	if err != nil {
		c.Log.Error().Err(err).Str("path", full).Msg("map failed")
		return InternalError
	}
	c.AttachFile(b, mapped)
	return FileReady
}
