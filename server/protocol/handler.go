package protocol

import (
	"github.com/kfcemployee/tinyweb/internal/metrics"
	"github.com/kfcemployee/tinyweb/server/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kfcemployee/tinyweb/server/protocol"

// Authenticator backs the login and register actions.
type Authenticator interface {
	Login(name, password string) bool
	Register(name, password string) error
}

// Options configures a Handler.
type Options struct {
	Root    string // document root, without trailing slash
	Auth    Authenticator
	Metrics *metrics.Metrics
	Tracer  trace.Tracer // defaults to the global provider
}

// Handler runs the HTTP state machine for the engine.
type Handler struct {
	root    string
	auth    Authenticator
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewHandler(opts Options) *Handler {
	tr := opts.Tracer
	if tr == nil {
		tr = otel.Tracer(tracerName)
	}
	return &Handler{
		root:    opts.Root,
		auth:    opts.Auth,
		metrics: opts.Metrics,
		tracer:  tr,
	}
}

// Serve parses what is buffered in c and prepares the response once a full
// request is there.
func (h *Handler) Serve(c *engine.Conn) engine.Action {
	code := Parse(c)
	switch code {
	case NoRequest:
		return engine.ActionRead
	case GetRequest:
		code = h.resolve(c)
	default:
		// the rest of the stream cannot be framed any more
		c.Req.KeepAlive = false
	}

	if err := BuildResponse(c, code); err != nil {
		c.Log.Warn().Err(err).Stringer("code", code).Msg("response not built")
		c.ReleaseFile()
		return engine.ActionClose
	}

	status := StatusOf(code)
	h.metrics.Response(status)
	c.Log.Debug().
		Str("method", c.Req.Method.String()).
		Str("target", c.Req.Target).
		Int("status", status).
		Bool("keep_alive", c.Req.KeepAlive).
		Msg("response ready")
	return engine.ActionWrite
}
