package dedup

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestTryReserveFirstAdmitsSecondRejects(t *testing.T) {
	db := setupTestDB(t)
	buf, err := New(100)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var first, second bool
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = buf.TryReserve(tx, "tx-1")
		return err
	})
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if !first {
		t.Fatalf("expected first reservation to succeed")
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		second, err = buf.TryReserve(tx, "tx-1")
		return err
	})
	if err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if second {
		t.Fatalf("expected second reservation to be rejected")
	}
}

func TestSeenReflectsCacheBeforeRehydrate(t *testing.T) {
	buf, err := New(10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	hit, rehydrated := buf.Seen("unknown")
	if hit {
		t.Fatalf("expected no hit")
	}
	if rehydrated {
		t.Fatalf("expected not rehydrated")
	}
}

func TestRehydratePopulatesCache(t *testing.T) {
	db := setupTestDB(t)
	buf, err := New(100)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := db.Transaction(func(tx *gorm.DB) error {
		_, err := buf.TryReserve(tx, "tx-a")
		return err
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	fresh, err := New(100)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := fresh.Rehydrate(db); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	hit, rehydrated := fresh.Seen("tx-a")
	if !hit || !rehydrated {
		t.Fatalf("expected tx-a to be seen after rehydrate, got hit=%v rehydrated=%v", hit, rehydrated)
	}
}

func TestCompactTrimsBeyondWindow(t *testing.T) {
	db := setupTestDB(t)
	buf, err := New(2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := db.Transaction(func(tx *gorm.DB) error {
			_, err := buf.TryReserve(tx, id)
			return err
		}); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}

	if err := buf.Compact(db); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > 2 {
		t.Fatalf("expected at most 2 rows after compact, got %d", count)
	}
}
