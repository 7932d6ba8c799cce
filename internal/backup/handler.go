package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/podcraft/manage/internal/core/data"
	"github.com/podcraft/manage/internal/gateway"
)

// recentSnapshotLimit caps the catalog listing returned over http.
const recentSnapshotLimit = 20

// snapshotView is the wire shape of one catalog entry.
type snapshotView struct {
	ID         uint64    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	FileCount  int       `json:"file_count"`
	ByteCount  int64     `json:"byte_count"`
	Succeeded  bool      `json:"succeeded"`
	Detail     string    `json:"detail"`
}

// catalogView is the listing response: recent runs newest first, plus the
// most recent run that actually succeeded (which may be well behind the
// recent window when backups have been failing).
type catalogView struct {
	LastSuccessful *snapshotView  `json:"last_successful"`
	Snapshots      []snapshotView `json:"snapshots"`
}

func viewOf(s data.Snapshot) snapshotView {
	return snapshotView{
		ID:         s.ID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		FileCount:  s.FileCount,
		ByteCount:  s.ByteCount,
		Succeeded:  s.Succeeded,
		Detail:     s.Detail,
	}
}

// Serve handles the snapshot endpoint: GET lists recent catalog entries,
// POST takes a snapshot immediately and reports its record.
func (s *Scheduler) Serve(ctx context.Context, ex *gateway.Exchange, recv gateway.ReceiveFunc, send gateway.SendFunc) error {
	for {
		msg, err := recv(ctx)
		if err != nil {
			return err
		}
		if msg.Type != gateway.EventHTTPRequest {
			return fmt.Errorf("backup: unexpected %s event on http exchange", msg.Type)
		}
		if !msg.More {
			break
		}
	}

	switch ex.Method {
	case http.MethodGet:
		return s.serveList(ctx, send)
	case http.MethodPost:
		return s.serveTrigger(ctx, send)
	default:
		return respond(ctx, send, http.StatusMethodNotAllowed, "text/plain; charset=utf-8",
			[]byte("only GET and POST are supported\n"))
	}
}

func (s *Scheduler) serveList(ctx context.Context, send gateway.SendFunc) error {
	snapshots, err := data.FindRecentSnapshots(s.DB, recentSnapshotLimit)
	if err != nil {
		s.Logger.Errorf("backup: listing snapshots: %v", err)
		return respond(ctx, send, http.StatusInternalServerError, "text/plain; charset=utf-8",
			[]byte("snapshot catalog unavailable\n"))
	}

	lastSuccessful, err := data.FindLastSuccessfulSnapshot(s.DB)
	if err != nil {
		s.Logger.Errorf("backup: finding last successful snapshot: %v", err)
		return respond(ctx, send, http.StatusInternalServerError, "text/plain; charset=utf-8",
			[]byte("snapshot catalog unavailable\n"))
	}

	listing := catalogView{Snapshots: make([]snapshotView, 0, len(snapshots))}
	for _, snapshot := range snapshots {
		listing.Snapshots = append(listing.Snapshots, viewOf(snapshot))
	}
	if lastSuccessful != nil {
		view := viewOf(*lastSuccessful)
		listing.LastSuccessful = &view
	}

	body, err := json.Marshal(listing)
	if err != nil {
		return err
	}
	return respond(ctx, send, http.StatusOK, "application/json", body)
}

func (s *Scheduler) serveTrigger(ctx context.Context, send gateway.SendFunc) error {
	record, err := s.Snapshot(ctx)
	status := http.StatusOK
	if err != nil {
		s.Logger.Errorf("backup: manual snapshot failed: %v", err)
		status = http.StatusBadGateway
	}

	body, marshalErr := json.Marshal(viewOf(*record))
	if marshalErr != nil {
		return marshalErr
	}
	return respond(ctx, send, status, "application/json", body)
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

// Lifespan returns the scheduler's lifecycle participant: startup begins the
// snapshot loop, shutdown stops it.
func (s *Scheduler) Lifespan() gateway.Handler {
	return gateway.HandlerFunc(func(ctx context.Context, ex *gateway.Exchange, recv gateway.ReceiveFunc, send gateway.SendFunc) error {
		var stopLoop context.CancelFunc

		for {
			msg, err := recv(ctx)
			if err != nil {
				return err
			}

			switch msg.Type {
			case gateway.EventStartup:
				loopCtx, cancel := context.WithCancel(ctx)
				if err := s.StartSnapshotLoop(loopCtx); err != nil {
					cancel()
					err = send(ctx, gateway.Event{
						Type:    msg.Type + gateway.FailedSuffix,
						Message: err.Error(),
					})
					if err != nil {
						return err
					}
					continue
				}
				stopLoop = cancel
				if err := send(ctx, gateway.Event{Type: msg.Type + gateway.CompleteSuffix}); err != nil {
					return err
				}
			case gateway.EventShutdown:
				if stopLoop != nil {
					stopLoop()
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
