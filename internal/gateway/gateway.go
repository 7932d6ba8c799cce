// Package gateway routes inbound protocol exchanges to mounted sub-handlers
// and fans the startup/shutdown lifecycle out to every registered
// participant. It is transport agnostic: the web server (or a test) adapts
// its protocol onto Exchange, ReceiveFunc, and SendFunc.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Family tags an exchange with its protocol style.
type Family string

const (
	FamilyLifespan  Family = "lifespan"
	FamilyHTTP      Family = "http"
	FamilyWebSocket Family = "websocket"
)

// Lifecycle event types and the suffixes handlers answer them with.
const (
	EventStartup  = "startup"
	EventShutdown = "shutdown"

	CompleteSuffix = ".complete"
	FailedSuffix   = ".failed"
)

// Event types for the http and websocket families.
const (
	EventHTTPRequest       = "http.request"
	EventHTTPResponseStart = "http.response.start"
	EventHTTPResponseBody  = "http.response.body"

	EventWSConnect = "websocket.connect"
	EventWSAccept  = "websocket.accept"
	EventWSReceive = "websocket.receive"
	EventWSSend    = "websocket.send"
	EventWSClose   = "websocket.close"
)

// Event is one message exchanged between a transport and a handler. Which
// fields are meaningful depends on the family and event type.
type Event struct {
	Type string
	// Message carries failure text on lifecycle replies.
	Message string
	// Status and Headers describe an http response start.
	Status  int
	Headers [][2]string
	// Body holds http request/response bodies and websocket frames.
	Body []byte
	// More marks a body as partial, with more events following.
	More bool
	// Text marks a websocket frame as text rather than binary.
	Text bool
}

// Exchange is one inbound conversation: a lifecycle session, an http
// request/response, or a websocket connection.
type Exchange struct {
	Family Family
	// Method is the http verb, empty for other families.
	Method string
	// Path is the request target for non-lifecycle families.
	Path string
	// RootPath is the mount point of the handler serving the exchange. The
	// router rewrites it before delegating so sub-handlers observe paths
	// relative to their own mount.
	RootPath string
}

// ReceiveFunc yields the exchange's next inbound event, blocking until one is
// available.
type ReceiveFunc func(ctx context.Context) (Event, error)

// SendFunc delivers an outbound event to the exchange's peer.
type SendFunc func(ctx context.Context, ev Event) error

// Handler serves one exchange to completion.
type Handler interface {
	Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error

func (f HandlerFunc) Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
	return f(ctx, ex, recv, send)
}

// ErrUnsupportedFamily is returned when an exchange arrives for a protocol
// family nothing is registered under. This is a dispatch-time fault in the
// hosting transport, not a client error.
var ErrUnsupportedFamily = errors.New("gateway: unsupported protocol family")

// Gateway is the entrypoint for all inbound exchanges: lifecycle sessions go
// to the multiplexer, everything else through the router.
type Gateway struct {
	Router   *Router
	Lifespan *Lifespan
	Logger   *logrus.Logger
}

// Serve dispatches one exchange.
func (g *Gateway) Serve(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
	switch ex.Family {
	case FamilyLifespan:
		return g.Lifespan.Serve(ctx, ex, recv, send)
	case FamilyHTTP, FamilyWebSocket:
		return g.Router.Serve(ctx, ex, recv, send)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFamily, ex.Family)
	}
}
