package database

import (
	"sync"
	"time"
)

// idEpoch is the custom epoch for message ids (2024-01-01 UTC, in milliseconds)
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	workerBits   = 10
	sequenceBits = 12
	maxWorker    = (1 << workerBits) - 1
	maxSequence  = (1 << sequenceBits) - 1
)

// IDGenerator hands out creation-ordered 64-bit ids.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence
type IDGenerator struct {
	mu       sync.Mutex
	epoch    int64
	worker   int64
	lastMs   int64
	sequence int64
}

// NewIDGenerator creates a generator; worker ids outside 0-1023 fall back to 0
func NewIDGenerator(epoch, worker int64) *IDGenerator {
	if worker < 0 || worker > maxWorker {
		worker = 0
	}
	return &IDGenerator{epoch: epoch, worker: worker}
}

// NextID returns an id strictly greater than every id this generator returned before
func (g *IDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		// Clock went backwards; keep counting on the last timestamp
		now = g.lastMs
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-g.epoch)<<(workerBits+sequenceBits) | g.worker<<sequenceBits | g.sequence
}
