// Package cursor persists the last-processed ledger state version as a
// transactional resource shared by every writer in the pipeline.
package cursor

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Row is the singleton transaction_cursor record.
type Row struct {
	ID           int `gorm:"primaryKey;autoIncrement:false"`
	StateVersion int64
	UpdatedAt    time.Time
}

func (Row) TableName() string { return "transaction_cursor" }

// SingletonID is the fixed primary key of the single cursor row.
const SingletonID = 1

// ErrRegressed indicates an attempt to move the cursor backward or sideways,
// which signals a bug or an unexpected manual rollback upstream. Callers
// must treat this as fatal.
var ErrRegressed = errors.New("cursor: advanceTo called with a version that does not exceed the current cursor")

// AutoMigrate creates or updates the cursor table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

// Read returns the current state version, or 0 if the cursor has never been
// advanced ("before any transaction observed").
func Read(db *gorm.DB) (int64, error) {
	var row Row
	err := db.First(&row, SingletonID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor: read: %w", err)
	}
	return row.StateVersion, nil
}

// AdvanceTo asserts v exceeds the current cursor and writes it, within the
// caller-supplied transaction tx. It must always be called alongside the
// writes it accompanies, inside the same transaction, so that the cursor
// never moves without the writes it covers committing atomically with it.
func AdvanceTo(tx *gorm.DB, v int64) error {
	current, err := Read(tx)
	if err != nil {
		return err
	}
	if v <= current {
		return fmt.Errorf("%w: current=%d attempted=%d", ErrRegressed, current, v)
	}
	row := Row{ID: SingletonID, StateVersion: v, UpdatedAt: time.Now()}
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("cursor: advanceTo %d: %w", v, err)
	}
	return nil
}
