// Package console exposes the game server's command console over a
// websocket. Each connection gets its own rcon session; text frames are run
// as commands and reply fragments stream back one frame apiece.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/podcraft/manage/internal/gateway"
	"github.com/podcraft/manage/internal/rcon"
)

// Session is the slice of the rcon client the console needs.
type Session interface {
	Run(ctx context.Context, command string) ([]string, error)
	Close() error
}

// SessionFunc opens an authenticated rcon session for one console
// connection.
type SessionFunc func(ctx context.Context) (Session, error)

type Handler struct {
	Logger      *logrus.Logger
	OpenSession SessionFunc
}

func NewHandler(openSession SessionFunc, logger *logrus.Logger) *Handler {
	return &Handler{Logger: logger, OpenSession: openSession}
}

// Serve runs one console connection to completion.
func (h *Handler) Serve(ctx context.Context, ex *gateway.Exchange, recv gateway.ReceiveFunc, send gateway.SendFunc) error {
	msg, err := recv(ctx)
	if err != nil {
		return err
	}
	if msg.Type != gateway.EventWSConnect {
		return fmt.Errorf("console: unexpected %s event on websocket exchange", msg.Type)
	}

	session, err := h.OpenSession(ctx)
	if err != nil {
		h.Logger.Warnf("console: opening rcon session: %v", err)
		return send(ctx, gateway.Event{Type: gateway.EventWSClose})
	}
	defer session.Close()

	if err := send(ctx, gateway.Event{Type: gateway.EventWSAccept}); err != nil {
		return err
	}

	for {
		msg, err := recv(ctx)
		if err != nil {
			return err
		}

		switch msg.Type {
		case gateway.EventWSReceive:
			if err := h.runCommand(ctx, session, string(msg.Body), send); err != nil {
				if errors.Is(err, rcon.ErrDisconnected) {
					h.Logger.Warn("console: game server closed the rcon connection")
					return send(ctx, gateway.Event{Type: gateway.EventWSClose})
				}
				return err
			}
		case gateway.EventWSClose:
			return nil
		default:
			return fmt.Errorf("console: unexpected %s event on websocket exchange", msg.Type)
		}
	}
}

func (h *Handler) runCommand(ctx context.Context, session Session, command string, send gateway.SendFunc) error {
	fragments, err := session.Run(ctx, command)
	if err != nil {
		var authErr *rcon.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("console: rcon session deauthenticated: %w", err)
		}
		return err
	}

	for _, fragment := range fragments {
		err := send(ctx, gateway.Event{
			Type: gateway.EventWSSend,
			Body: []byte(fragment),
			Text: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
