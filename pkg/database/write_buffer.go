package database

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteBuffer batches low-value writes so they don't compete with message inserts
// for the single write connection
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	// Parasite activity updates
	activityMu sync.Mutex
	lastActive map[string]int64 // parasiteID -> last_active timestamp

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		lastActive:    make(map[string]int64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// TouchParasite records activity for a parasite; only the newest timestamp is kept
func (wb *WriteBuffer) TouchParasite(parasiteID string, timestamp int64) {
	wb.activityMu.Lock()
	if timestamp > wb.lastActive[parasiteID] {
		wb.lastActive[parasiteID] = timestamp
	}
	wb.activityMu.Unlock()
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes all pending updates in a single transaction
func (wb *WriteBuffer) flush() {
	wb.activityMu.Lock()
	if len(wb.lastActive) == 0 {
		wb.activityMu.Unlock()
		return
	}
	pending := wb.lastActive
	wb.lastActive = make(map[string]int64)
	wb.activityMu.Unlock()

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Error().Err(err).Msg("write buffer: begin transaction")
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE Parasite SET last_active = MAX(last_active, ?) WHERE id = ?")
	if err != nil {
		log.Error().Err(err).Msg("write buffer: prepare activity update")
		return
	}
	defer stmt.Close()

	for parasiteID, ts := range pending {
		if _, err := stmt.Exec(ts, parasiteID); err != nil {
			log.Error().Err(err).Str("parasite", parasiteID).Msg("write buffer: update last_active")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Int("updates", len(pending)).Msg("write buffer: commit")
	}
}

// Close stops the flush loop after writing anything still pending
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
