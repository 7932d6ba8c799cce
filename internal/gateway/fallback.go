package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// NotFoundHandler terminates http exchanges that matched no mount with an
// empty 404 response.
func NotFoundHandler() Handler {
	return HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		for {
			msg, err := recv(ctx)
			if err != nil {
				return err
			}
			if msg.Type != EventHTTPRequest {
				return fmt.Errorf("gateway: unexpected %s event on http exchange", msg.Type)
			}
			if msg.More {
				continue
			}

			err = send(ctx, Event{
				Type:    EventHTTPResponseStart,
				Status:  http.StatusNotFound,
				Headers: [][2]string{{"content-length", strconv.Itoa(0)}},
			})
			if err != nil {
				return err
			}
			return send(ctx, Event{Type: EventHTTPResponseBody})
		}
	})
}

// CloseHandler terminates websocket exchanges that matched no mount with an
// immediate graceful close.
func CloseHandler() Handler {
	return HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		msg, err := recv(ctx)
		if err != nil {
			return err
		}
		if msg.Type != EventWSConnect {
			return fmt.Errorf("gateway: unexpected %s event on websocket exchange", msg.Type)
		}
		return send(ctx, Event{Type: EventWSClose})
	})
}
