package data

import (
	"time"

	"gorm.io/gorm"
)

// Snapshot is one record of a world backup run, successful or not.
type Snapshot struct {
	ID         uint64 `gorm:"primaryKey"`
	StartedAt  time.Time
	FinishedAt time.Time
	// Number of files copied into the snapshot directory.
	FileCount int
	// Total size in bytes of the copied files.
	ByteCount int64
	Succeeded bool `gorm:"default:false"`
	// Error text if the run failed.
	Detail string
}

func CreateSnapshot(db *gorm.DB, snapshot *Snapshot) error {
	return db.Create(snapshot).Error
}

// FindRecentSnapshots returns up to limit snapshot records, newest first.
func FindRecentSnapshots(db *gorm.DB, limit int) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := db.Order("started_at desc").Limit(limit).Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// FindLastSuccessfulSnapshot returns the most recent snapshot that completed
// without error, or nil if there has never been one.
func FindLastSuccessfulSnapshot(db *gorm.DB) (*Snapshot, error) {
	var snapshot Snapshot
	err := db.Where("succeeded = ?", true).Order("started_at desc").First(&snapshot).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}
