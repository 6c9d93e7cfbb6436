package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exepirit/meshlink/internal/log"
)

// StoreConfig bounds the store-and-forward buffer.
type StoreConfig struct {
	// MaxQueueSize is the maximum number of packets held per recipient.
	MaxQueueSize int
	// MaxPacketAge is how long a packet may wait, measured from its timestamp.
	MaxPacketAge time.Duration
	// CleanupInterval is the period of the expiry pass started by Run.
	CleanupInterval time.Duration
}

// DefaultStoreConfig returns the default buffer limits.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxQueueSize:    1000,
		MaxPacketAge:    time.Hour,
		CleanupInterval: time.Minute,
	}
}

// StoreForwardQueue buffers packets for recipients that are currently offline.
// Each recipient has its own FIFO queue.
type StoreForwardQueue struct {
	config StoreConfig
	logger log.Logger
	now    func() time.Time

	mu     sync.Mutex
	queues map[DeviceID][]*Packet
}

// NewStoreForwardQueue creates an empty queue. A nil logger falls back to slog.Default().
func NewStoreForwardQueue(config StoreConfig, logger log.Logger) *StoreForwardQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreForwardQueue{
		config: config,
		logger: logger,
		now:    time.Now,
		queues: make(map[DeviceID][]*Packet),
	}
}

// Store appends packet to the recipient's queue. When the queue is already
// at MaxQueueSize it returns ErrQueueFull and leaves the queue unchanged.
func (q *StoreForwardQueue) Store(recipient DeviceID, packet *Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[recipient]
	if len(queue) >= q.config.MaxQueueSize {
		return fmt.Errorf("%w: recipient %s holds %d packets", ErrQueueFull, recipient, len(queue))
	}
	q.queues[recipient] = append(queue, packet)
	return nil
}

// Retrieve removes and returns every packet queued for recipient in
// insertion order. It returns nil when nothing is queued.
func (q *StoreForwardQueue) Retrieve(recipient DeviceID) []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[recipient]
	delete(q.queues, recipient)
	return queue
}

// CleanupExpired drops packets older than MaxPacketAge and removes recipients
// left without packets. It returns the number of packets dropped.
func (q *StoreForwardQueue) CleanupExpired() int {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for recipient, queue := range q.queues {
		kept := queue[:0]
		for _, packet := range queue {
			if now.Sub(packet.Timestamp) > q.config.MaxPacketAge {
				dropped++
				continue
			}
			kept = append(kept, packet)
		}
		if len(kept) == 0 {
			delete(q.queues, recipient)
			continue
		}
		clear(queue[len(kept):])
		q.queues[recipient] = kept
	}
	return dropped
}

// Run calls CleanupExpired every CleanupInterval until ctx is done.
func (q *StoreForwardQueue) Run(ctx context.Context) {
	interval := q.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultStoreConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.CleanupExpired(); n > 0 {
				q.logger.Debug("Expired buffered packets", "count", n)
			}
		}
	}
}

// QueueSize returns the number of packets queued for recipient.
func (q *StoreForwardQueue) QueueSize(recipient DeviceID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[recipient])
}

// TotalPackets returns the number of packets queued for all recipients.
func (q *StoreForwardQueue) TotalPackets() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// RecipientCount returns the number of recipients with queued packets.
func (q *StoreForwardQueue) RecipientCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
