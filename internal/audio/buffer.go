package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Queue is the bounded hand-off between the device callback (producer) and
// the file writer (consumer). Push never blocks the audio thread: when the
// queue is full the buffer is counted as dropped instead.
type Queue struct {
	ch chan []byte

	pushed    atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	highWater atomic.Int64

	lastUpdate time.Time
	mu         sync.RWMutex
}

// QueueStats represents queue statistics for monitoring
type QueueStats struct {
	Capacity   int       `json:"capacity"`
	Pending    int       `json:"pending"`
	Pushed     uint64    `json:"pushed"`
	Dropped    uint64    `json:"dropped"`
	Bytes      uint64    `json:"bytes"`
	HighWater  int       `json:"high_water"`
	DropRate   float64   `json:"drop_rate"`
	LastUpdate time.Time `json:"last_update"`
}

// NewQueue creates a queue holding at most capacity buffers
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan []byte, capacity)}
}

// Push copies data into the queue. The driver reuses its buffer after the
// callback returns, so the copy is required. Returns false if the buffer was
// dropped because the queue was full.
func (q *Queue) Push(data []byte) bool {
	if len(data) == 0 {
		return true
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case q.ch <- buf:
	default:
		q.dropped.Add(1)
		return false
	}

	q.pushed.Add(1)
	q.bytes.Add(uint64(len(buf)))
	if n := int64(len(q.ch)); n > q.highWater.Load() {
		q.highWater.Store(n)
	}

	q.mu.Lock()
	q.lastUpdate = time.Now()
	q.mu.Unlock()
	return true
}

// C exposes the receive side of the queue to the writer
func (q *Queue) C() <-chan []byte {
	return q.ch
}

// Len returns the number of buffers waiting to be written
func (q *Queue) Len() int {
	return len(q.ch)
}

// GetStats returns current queue statistics
func (q *Queue) GetStats() QueueStats {
	q.mu.RLock()
	lastUpdate := q.lastUpdate
	q.mu.RUnlock()

	pushed := q.pushed.Load()
	dropped := q.dropped.Load()
	dropRate := float64(0)
	if total := pushed + dropped; total > 0 {
		dropRate = float64(dropped) / float64(total) * 100
	}

	return QueueStats{
		Capacity:   cap(q.ch),
		Pending:    len(q.ch),
		Pushed:     pushed,
		Dropped:    dropped,
		Bytes:      q.bytes.Load(),
		HighWater:  int(q.highWater.Load()),
		DropRate:   dropRate,
		LastUpdate: lastUpdate,
	}
}
