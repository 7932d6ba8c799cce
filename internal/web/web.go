// Package web hosts the management API. It owns the http listener and
// adapts requests and websocket upgrades onto gateway exchanges, so the
// handlers behind the router never touch net/http directly.
package web

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/podcraft/manage/internal/gateway"
)

// shutdownTimeout bounds how long outstanding requests can hold up exit.
const shutdownTimeout = 10 * time.Second

// Host runs the http server and drives the gateway's lifecycle session.
type Host struct {
	Address string
	Gateway *gateway.Gateway
	Logger  *logrus.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	// lifecycle events flow to the multiplexer through these channels.
	lifecycleIn  chan gateway.Event
	lifecycleOut chan gateway.Event
}

func NewHost(address string, gw *gateway.Gateway, logger *logrus.Logger) *Host {
	return &Host{
		Address:      address,
		Gateway:      gw,
		Logger:       logger,
		lifecycleIn:  make(chan gateway.Event),
		lifecycleOut: make(chan gateway.Event),
	}
}

// Start begins the lifecycle session, delivers the startup event, and opens
// the http listener once every participant reports ready. The serving loop
// is spun off in its own goroutine and added to the WaitGroup; cancelling
// ctx delivers the shutdown event and stops the server.
func (h *Host) Start(ctx context.Context, wg *sync.WaitGroup) error {
	lifecycleCtx, cancelLifecycle := context.WithCancel(context.Background())
	go h.runLifecycle(lifecycleCtx)

	if err := h.deliverLifecycleEvent(ctx, gateway.EventStartup); err != nil {
		cancelLifecycle()
		return err
	}

	h.server = &http.Server{Addr: h.Address, Handler: h}

	wg.Add(1)
	go h.startBlockingLoop(ctx, cancelLifecycle, wg)

	return nil
}

func (h *Host) startBlockingLoop(ctx context.Context, cancelLifecycle context.CancelFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	defer cancelLifecycle()

	h.Logger.Printf("[web] waiting for requests on %v", h.Address)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		h.Logger.Errorf("[web] server exited: %v", err)
	case <-ctx.Done():
	}

	h.Logger.Infof("[web] shutting down (waiting for requests to finish)")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.Logger.Warnf("[web] error shutting down server: %v", err)
	}

	if err := h.deliverLifecycleEvent(shutdownCtx, gateway.EventShutdown); err != nil {
		h.Logger.Warnf("[web] %v", err)
	}

	h.Logger.Infof("[web] exited")
}

// runLifecycle hosts the long-lived lifespan exchange on the gateway.
func (h *Host) runLifecycle(ctx context.Context) {
	ex := &gateway.Exchange{Family: gateway.FamilyLifespan}
	recv := func(ctx context.Context) (gateway.Event, error) {
		select {
		case ev := <-h.lifecycleIn:
			return ev, nil
		case <-ctx.Done():
			return gateway.Event{}, ctx.Err()
		}
	}
	send := func(ctx context.Context, ev gateway.Event) error {
		select {
		case h.lifecycleOut <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := h.Gateway.Serve(ctx, ex, recv, send); err != nil && err != context.Canceled {
		h.Logger.Errorf("[web] lifecycle session ended: %v", err)
	}
}

// deliverLifecycleEvent sends one lifecycle event and waits for the
// aggregated reply.
func (h *Host) deliverLifecycleEvent(ctx context.Context, eventType string) error {
	select {
	case h.lifecycleIn <- gateway.Event{Type: eventType}:
	case <-ctx.Done():
		return fmt.Errorf("delivering %s event: %w", eventType, ctx.Err())
	}

	select {
	case reply := <-h.lifecycleOut:
		if strings.HasSuffix(reply.Type, gateway.FailedSuffix) {
			return fmt.Errorf("%s failed: %s", eventType, reply.Message)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("awaiting %s reply: %w", eventType, ctx.Err())
	}
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}
	h.serveRequest(w, r)
}

// serveRequest adapts one plain http request onto an http-family exchange.
func (h *Host) serveRequest(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	delivered := false
	recv := func(ctx context.Context) (gateway.Event, error) {
		if delivered {
			<-ctx.Done()
			return gateway.Event{}, ctx.Err()
		}
		delivered = true
		return gateway.Event{Type: gateway.EventHTTPRequest, Body: body}, nil
	}

	started := false
	send := func(ctx context.Context, ev gateway.Event) error {
		switch ev.Type {
		case gateway.EventHTTPResponseStart:
			for _, header := range ev.Headers {
				w.Header().Add(header[0], header[1])
			}
			w.WriteHeader(ev.Status)
			started = true
		case gateway.EventHTTPResponseBody:
			if !started {
				return fmt.Errorf("web: %s before %s", ev.Type, gateway.EventHTTPResponseStart)
			}
			if _, err := w.Write(ev.Body); err != nil {
				return err
			}
			if ev.More {
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}
			}
		default:
			return fmt.Errorf("web: unexpected %s event from http handler", ev.Type)
		}
		return nil
	}

	ex := &gateway.Exchange{
		Family: gateway.FamilyHTTP,
		Method: r.Method,
		Path:   r.URL.Path,
	}
	if err := h.Gateway.Serve(r.Context(), ex, recv, send); err != nil {
		h.Logger.Warnf("[web] error serving %s %s: %v", r.Method, r.URL.Path, err)
		if !started {
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

// serveWebSocket adapts a websocket upgrade onto a websocket-family
// exchange. The upgrade itself is deferred until the handler accepts.
func (h *Host) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	var conn *websocket.Conn
	connected := false

	recv := func(ctx context.Context) (gateway.Event, error) {
		if !connected {
			connected = true
			return gateway.Event{Type: gateway.EventWSConnect}, nil
		}
		if conn == nil {
			return gateway.Event{}, fmt.Errorf("web: receive before accept on websocket exchange")
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return gateway.Event{Type: gateway.EventWSClose}, nil
		}
		return gateway.Event{
			Type: gateway.EventWSReceive,
			Body: data,
			Text: messageType == websocket.TextMessage,
		}, nil
	}

	send := func(ctx context.Context, ev gateway.Event) error {
		switch ev.Type {
		case gateway.EventWSAccept:
			upgraded, err := h.upgrader.Upgrade(w, r, nil)
			if err != nil {
				return err
			}
			conn = upgraded
		case gateway.EventWSSend:
			if conn == nil {
				return fmt.Errorf("web: send before accept on websocket exchange")
			}
			messageType := websocket.BinaryMessage
			if ev.Text {
				messageType = websocket.TextMessage
			}
			return conn.WriteMessage(messageType, ev.Body)
		case gateway.EventWSClose:
			if conn == nil {
				// Rejected before the upgrade; answer the handshake instead.
				http.Error(w, "websocket connection refused", http.StatusForbidden)
				return nil
			}
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteMessage(websocket.CloseMessage, message)
		default:
			return fmt.Errorf("web: unexpected %s event from websocket handler", ev.Type)
		}
		return nil
	}

	ex := &gateway.Exchange{
		Family: gateway.FamilyWebSocket,
		Path:   r.URL.Path,
	}
	if err := h.Gateway.Serve(r.Context(), ex, recv, send); err != nil {
		h.Logger.Warnf("[web] error serving websocket %s: %v", r.URL.Path, err)
	}
	if conn != nil {
		_ = conn.Close()
	}
}
