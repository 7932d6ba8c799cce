package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/podcraft/manage/internal/gateway"
)

const (
	statusCacheKey = "status"
	// statusCacheTTL bounds how often a busy status endpoint pings the game
	// server.
	statusCacheTTL = 10 * time.Second
)

// Handler answers http status queries with the game server's list-ping
// document.
type Handler struct {
	Logger     *logrus.Logger
	Properties *Properties
	// Hostname the game server is reachable on, usually localhost.
	Hostname string

	cache *gocache.Cache
}

func NewHandler(properties *Properties, hostname string, logger *logrus.Logger) *Handler {
	return &Handler{
		Logger:     logger,
		Properties: properties,
		Hostname:   hostname,
		cache:      gocache.New(statusCacheTTL, time.Minute),
	}
}

// Serve handles one http exchange: it drains the request and responds with
// the status JSON, or a 502 if the game server cannot be reached.
func (h *Handler) Serve(ctx context.Context, ex *gateway.Exchange, recv gateway.ReceiveFunc, send gateway.SendFunc) error {
	for {
		msg, err := recv(ctx)
		if err != nil {
			return err
		}
		if msg.Type != gateway.EventHTTPRequest {
			return fmt.Errorf("query: unexpected %s event on http exchange", msg.Type)
		}
		if msg.More {
			continue
		}
		break
	}

	doc, err := h.status(ctx)
	if err != nil {
		h.Logger.Warnf("query: status lookup failed: %v", err)
		body := []byte(fmt.Sprintf("game server unreachable: %v\n", err))
		return respond(ctx, send, http.StatusBadGateway, "text/plain; charset=utf-8", body)
	}
	return respond(ctx, send, http.StatusOK, "application/json", doc)
}

func respond(ctx context.Context, send gateway.SendFunc, status int, contentType string, body []byte) error {
	err := send(ctx, gateway.Event{
		Type:   gateway.EventHTTPResponseStart,
		Status: status,
		Headers: [][2]string{
			{"content-type", contentType},
			{"content-length", strconv.Itoa(len(body))},
		},
	})
	if err != nil {
		return err
	}
	return send(ctx, gateway.Event{Type: gateway.EventHTTPResponseBody, Body: body})
}

// status returns the (possibly cached) list-ping document.
func (h *Handler) status(ctx context.Context) (json.RawMessage, error) {
	if cached, ok := h.cache.Get(statusCacheKey); ok {
		return cached.(json.RawMessage), nil
	}

	port, err := h.Properties.ServerPort()
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	doc, err := Ping(pingCtx, net.JoinHostPort(h.Hostname, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	h.cache.Set(statusCacheKey, doc, statusCacheTTL)
	return doc, nil
}

// Lifespan returns the query subsystem's lifecycle participant: startup
// fails if the properties file is unreadable, shutdown stops the file
// watcher.
func (h *Handler) Lifespan() gateway.Handler {
	return gateway.HandlerFunc(func(ctx context.Context, ex *gateway.Exchange, recv gateway.ReceiveFunc, send gateway.SendFunc) error {
		for {
			msg, err := recv(ctx)
			if err != nil {
				return err
			}

			switch msg.Type {
			case gateway.EventStartup:
				if _, err := h.Properties.Get(); err != nil {
					err = send(ctx, gateway.Event{
						Type:    msg.Type + gateway.FailedSuffix,
						Message: err.Error(),
					})
					if err != nil {
						return err
					}
					continue
				}
				if err := send(ctx, gateway.Event{Type: msg.Type + gateway.CompleteSuffix}); err != nil {
					return err
				}
			case gateway.EventShutdown:
				if err := h.Properties.Close(); err != nil {
					h.Logger.Warnf("query: closing properties watcher: %v", err)
				}
				return send(ctx, gateway.Event{Type: msg.Type + gateway.CompleteSuffix})
			default:
				if err := send(ctx, gateway.Event{Type: msg.Type + gateway.CompleteSuffix}); err != nil {
					return err
				}
			}
		}
	})
}
