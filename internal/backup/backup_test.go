package backup

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/podcraft/manage/internal/core/data"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return logger
}

func setUpCatalog(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(testDBFile))
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}
	if err = db.AutoMigrate(&data.Snapshot{}); err != nil {
		t.Fatalf("error auto migrating db: %s", err)
	}
	return db
}

// fakeSession records the commands run against it.
type fakeSession struct {
	commands []string
	// failOn aborts a matching command with an error.
	failOn string
	closed bool
}

func (f *fakeSession) Run(ctx context.Context, command string) ([]string, error) {
	f.commands = append(f.commands, command)
	if f.failOn != "" && command == f.failOn {
		return nil, errors.New("command rejected")
	}
	return []string{"ok"}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func writeWorldFixture(t *testing.T) string {
	t.Helper()
	worldDir := t.TempDir()
	writeFile := func(rel, contents string) {
		path := filepath.Join(worldDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("error creating world fixture dir: %s", err)
		}
		if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatalf("error writing world fixture file: %s", err)
		}
	}
	writeFile("level.dat", "level data")
	writeFile("region/r.0.0.mca", "region data")
	writeFile("session.lock", "held by the server")
	return worldDir
}

func newTestScheduler(t *testing.T, session *fakeSession) *Scheduler {
	return &Scheduler{
		Logger: testLogger(),
		OpenSession: func(ctx context.Context) (Session, error) {
			return session, nil
		},
		DB:          setUpCatalog(t),
		WorldDir:    writeWorldFixture(t),
		SnapshotDir: t.TempDir(),
	}
}

func TestSnapshotCopiesWorld(t *testing.T) {
	session := &fakeSession{}
	scheduler := newTestScheduler(t, session)

	record, err := scheduler.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() returned an error: %v", err)
	}

	wantCommands := []string{"save-off", "save-all flush", "save-on"}
	if diff := cmp.Diff(wantCommands, session.commands); diff != "" {
		t.Errorf("unexpected command sequence:\n%s", diff)
	}
	if !session.closed {
		t.Error("session was not closed")
	}

	if !record.Succeeded {
		t.Errorf("record.Succeeded = false, detail: %s", record.Detail)
	}
	// The lock file is not copied.
	if record.FileCount != 2 {
		t.Errorf("record.FileCount = %d, want 2", record.FileCount)
	}

	copied, err := ioutil.ReadFile(filepath.Join(record.Detail, "region", "r.0.0.mca"))
	if err != nil {
		t.Fatalf("error reading copied region file: %v", err)
	}
	if string(copied) != "region data" {
		t.Errorf("copied region file = %q, want %q", copied, "region data")
	}
	if _, err := os.Stat(filepath.Join(record.Detail, "session.lock")); !os.IsNotExist(err) {
		t.Error("session.lock was copied into the snapshot")
	}

	latest, err := data.FindLastSuccessfulSnapshot(scheduler.DB)
	if err != nil {
		t.Fatalf("error querying catalog: %v", err)
	}
	if latest == nil || latest.ID != record.ID {
		t.Errorf("catalog last successful snapshot = %+v, want id %d", latest, record.ID)
	}
}

func TestSnapshotReenablesSavesOnFlushFailure(t *testing.T) {
	session := &fakeSession{failOn: "save-all flush"}
	scheduler := newTestScheduler(t, session)

	record, err := scheduler.Snapshot(context.Background())
	if err == nil {
		t.Fatal("Snapshot() succeeded despite a failed flush")
	}

	wantCommands := []string{"save-off", "save-all flush", "save-on"}
	if diff := cmp.Diff(wantCommands, session.commands); diff != "" {
		t.Errorf("unexpected command sequence:\n%s", diff)
	}
	if record.Succeeded {
		t.Error("record.Succeeded = true for a failed snapshot")
	}
	if record.Detail == "" {
		t.Error("record.Detail is empty for a failed snapshot")
	}

	snapshots, err := data.FindRecentSnapshots(scheduler.DB, 10)
	if err != nil {
		t.Fatalf("error querying catalog: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("catalog has %d records, want 1", len(snapshots))
	}
}

func TestSnapshotSessionOpenFailure(t *testing.T) {
	scheduler := newTestScheduler(t, &fakeSession{})
	scheduler.OpenSession = func(ctx context.Context) (Session, error) {
		return nil, errors.New("connection refused")
	}

	record, err := scheduler.Snapshot(context.Background())
	if err == nil {
		t.Fatal("Snapshot() succeeded with no rcon session")
	}
	if record.Succeeded {
		t.Error("record.Succeeded = true for a failed snapshot")
	}
}
