package data

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFindRecentSnapshots(t *testing.T) {
	db := setUpDatabase(t)

	base := time.Date(2023, 4, 1, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snapshot := &Snapshot{
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			FileCount:  i,
			Succeeded:  i%2 == 0,
		}
		if err := CreateSnapshot(db, snapshot); err != nil {
			t.Fatalf("error seeding test snapshot: %v", err)
		}
	}

	snapshots, err := FindRecentSnapshots(db, 3)
	if err != nil {
		t.Fatalf("FindRecentSnapshots() returned an error: %v", err)
	}

	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}
	var fileCounts []int
	for _, s := range snapshots {
		fileCounts = append(fileCounts, s.FileCount)
	}
	if diff := cmp.Diff([]int{4, 3, 2}, fileCounts); diff != "" {
		t.Errorf("snapshots not returned newest first; diff:\n%s", diff)
	}
}

func TestFindLastSuccessfulSnapshot(t *testing.T) {
	db := setUpDatabase(t)

	got, err := FindLastSuccessfulSnapshot(db)
	if err != nil {
		t.Fatalf("FindLastSuccessfulSnapshot() returned an error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for an empty catalog, got %+v", got)
	}

	base := time.Date(2023, 4, 1, 3, 0, 0, 0, time.UTC)
	records := []*Snapshot{
		{StartedAt: base, Succeeded: true, FileCount: 1},
		{StartedAt: base.Add(time.Hour), Succeeded: false, Detail: "copy failed", FileCount: 2},
		{StartedAt: base.Add(2 * time.Hour), Succeeded: true, FileCount: 3},
		{StartedAt: base.Add(3 * time.Hour), Succeeded: false, Detail: "rcon down", FileCount: 4},
	}
	for _, r := range records {
		if err := CreateSnapshot(db, r); err != nil {
			t.Fatalf("error seeding test snapshot: %v", err)
		}
	}

	got, err = FindLastSuccessfulSnapshot(db)
	if err != nil {
		t.Fatalf("FindLastSuccessfulSnapshot() returned an error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot, got nil")
	}
	if got.FileCount != 3 {
		t.Errorf("expected the snapshot with FileCount 3, got %d", got.FileCount)
	}
}
