// Package backup takes periodic snapshots of the game world. A snapshot
// pauses the server's own disk writes over rcon, flushes pending chunks,
// copies the world directory aside, and records the outcome in the catalog.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/podcraft/manage/internal/core/data"
)

// Session is the slice of the rcon client the snapshot procedure needs.
type Session interface {
	Run(ctx context.Context, command string) ([]string, error)
	Close() error
}

// SessionFunc opens an authenticated rcon session on demand. Sessions are
// opened per snapshot rather than held open so that a server restart between
// snapshots does not strand the scheduler on a dead connection.
type SessionFunc func(ctx context.Context) (Session, error)

// timestampLayout names snapshot directories; it sorts lexicographically.
const timestampLayout = "20060102-150405"

// Scheduler runs the snapshot procedure on an interval and on demand.
type Scheduler struct {
	Logger      *logrus.Logger
	OpenSession SessionFunc
	// DB is the catalog database snapshots are recorded in.
	DB *gorm.DB
	// WorldDir is the live world directory to copy from.
	WorldDir string
	// SnapshotDir receives one timestamped subdirectory per snapshot.
	SnapshotDir string
	// Interval between automatic snapshots. Zero disables the loop.
	Interval time.Duration

	// mutex serializes snapshots so a slow manual trigger and the timer
	// cannot copy the world concurrently.
	mutex sync.Mutex
}

// StartSnapshotLoop takes one snapshot synchronously to validate the
// configuration, then keeps taking them on the configured interval until ctx
// is cancelled.
func (s *Scheduler) StartSnapshotLoop(ctx context.Context) error {
	if _, err := s.Snapshot(ctx); err != nil {
		return err
	}
	if s.Interval > 0 {
		go s.startSnapshotLoop(ctx)
	}

	return nil
}

func (s *Scheduler) startSnapshotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
			if _, err := s.Snapshot(ctx); err != nil {
				s.Logger.Errorf("backup: scheduled snapshot failed: %v", err)
			}
		}
	}
}

// Snapshot takes one snapshot and records it in the catalog. The returned
// record reflects what was written even when the snapshot failed.
func (s *Scheduler) Snapshot(ctx context.Context) (*data.Snapshot, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record := &data.Snapshot{StartedAt: time.Now()}
	files, bytes, err := s.snapshot(ctx, record.StartedAt)
	record.FinishedAt = time.Now()
	record.FileCount = files
	record.ByteCount = bytes

	if err != nil {
		record.Detail = err.Error()
	} else {
		record.Succeeded = true
		record.Detail = filepath.Join(s.SnapshotDir, record.StartedAt.Format(timestampLayout))
	}

	if dbErr := data.CreateSnapshot(s.DB, record); dbErr != nil {
		s.Logger.Errorf("backup: recording snapshot: %v", dbErr)
		if err == nil {
			err = dbErr
		}
	}

	if err != nil {
		return record, err
	}
	s.Logger.Infof("backup: snapshot complete (%d files, %d bytes)", files, bytes)
	return record, nil
}

func (s *Scheduler) snapshot(ctx context.Context, startedAt time.Time) (files int, bytes int64, err error) {
	session, err := s.OpenSession(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("backup: opening rcon session: %w", err)
	}
	defer session.Close()

	if _, err := session.Run(ctx, "save-off"); err != nil {
		return 0, 0, fmt.Errorf("backup: disabling world saves: %w", err)
	}
	// Saving is re-enabled no matter how the copy goes. A world left with
	// saves off loses progress on the next crash.
	defer func() {
		if _, saveErr := session.Run(ctx, "save-on"); saveErr != nil {
			s.Logger.Errorf("backup: re-enabling world saves: %v", saveErr)
			if err == nil {
				err = saveErr
			}
		}
	}()

	if _, err := session.Run(ctx, "save-all flush"); err != nil {
		return 0, 0, fmt.Errorf("backup: flushing world to disk: %w", err)
	}

	dest := filepath.Join(s.SnapshotDir, startedAt.Format(timestampLayout))
	files, bytes, err = copyTree(s.WorldDir, dest)
	if err != nil {
		return files, bytes, fmt.Errorf("backup: copying world directory: %w", err)
	}
	return files, bytes, nil
}

// copyTree copies the directory at src to dest, preserving modification
// times. Session lock files are skipped since the running server holds them.
func copyTree(src, dest string) (files int, bytes int64, err error) {
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if strings.HasSuffix(path, ".lock") {
			return nil
		}

		n, err := copyFile(path, target, info)
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	return files, bytes, err
}

func copyFile(src, dest string, info os.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(dest, info.ModTime(), info.ModTime())
}
