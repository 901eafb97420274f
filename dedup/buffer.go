// Package dedup suppresses replay of transactions already processed,
// including across restarts, by pairing a durable table with a fast
// in-memory LRU front end.
package dedup

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// Entry is one durable dedup row.
type Entry struct {
	TxID       string `gorm:"primaryKey;size:128"`
	InsertedAt time.Time
}

func (Entry) TableName() string { return "dedup_entries" }

// ErrWindowExhausted indicates the configured window is too small for the
// observed reordering. It is not fatal — it degrades to possibly
// reprocessing a transaction — and must only ever be logged as a warning.
var ErrWindowExhausted = errors.New("dedup: window exhausted, in-memory buffer is not fully populated from the durable store")

// AutoMigrate creates or updates the dedup table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Buffer is a bounded LRU set of recently-seen transaction identifiers. The
// in-memory cache is only ever consulted after Rehydrate completes; before
// that, every check falls through to the durable store.
type Buffer struct {
	window     int
	mu         sync.Mutex
	cache      *lru.Cache[string, struct{}]
	rehydrated bool
}

// New builds a Buffer bounded to window most-recent entries.
func New(window int) (*Buffer, error) {
	if window <= 0 {
		window = 10_000
	}
	cache, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("dedup: build cache: %w", err)
	}
	return &Buffer{window: window, cache: cache}, nil
}

// Rehydrate preloads the in-memory cache with the N most recent durable
// entries, where N is the buffer's configured window. Call this once at
// startup, after Startup Reconciliation has determined the resume point and
// before the Listener begins streaming.
func (b *Buffer) Rehydrate(db *gorm.DB) error {
	var entries []Entry
	if err := db.Order("inserted_at DESC").Limit(b.window).Find(&entries).Error; err != nil {
		return fmt.Errorf("dedup: rehydrate: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.cache.Add(e.TxID, struct{}{})
	}
	b.rehydrated = true
	return nil
}

// TryReserve checks whether txID has already been seen. If absent, it
// inserts the durable row within tx and admits txID to the in-memory cache,
// returning true. If present, it returns false without writing. Must be
// called within the same database transaction as the rest of the
// transaction's writes.
func (b *Buffer) TryReserve(tx *gorm.DB, txID string) (bool, error) {
	var existing Entry
	err := tx.Clauses().First(&existing, "tx_id = ?", txID).Error
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert
	default:
		return false, fmt.Errorf("dedup: tryReserve lookup %s: %w", txID, err)
	}

	entry := Entry{TxID: txID, InsertedAt: time.Now()}
	if err := tx.Create(&entry).Error; err != nil {
		return false, fmt.Errorf("dedup: tryReserve insert %s: %w", txID, err)
	}

	b.mu.Lock()
	b.cache.Add(txID, struct{}{})
	b.mu.Unlock()
	return true, nil
}

// Seen reports whether txID is present in the in-memory cache. A false
// result is not conclusive proof of absence before Rehydrate has run —
// callers on the hot path should still rely on TryReserve's transactional
// check for correctness; Seen exists for cheap pre-filtering and metrics.
func (b *Buffer) Seen(txID string) (hit bool, rehydrated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cache.Get(txID)
	return ok, b.rehydrated
}

// Compact deletes durable rows beyond the window-th most recent, keeping
// the table's size bound eventually consistent with the in-memory buffer.
// Safe to run periodically from a background goroutine; it does not need
// to run inside the per-transaction commit.
func (b *Buffer) Compact(db *gorm.DB) error {
	var cutoff Entry
	err := db.Order("inserted_at DESC").Offset(b.window).Limit(1).First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup: compact: find cutoff: %w", err)
	}
	if err := db.Where("inserted_at <= ?", cutoff.InsertedAt).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("dedup: compact: delete: %w", err)
	}
	return nil
}
