package mesh

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	mapset "github.com/deckarep/golang-set/v2"
)

// Dedup remembers packet ids that were already acted upon.
//
// Implementations must never report a recorded id as unseen. They may report
// an unrecorded id as seen (false positive) at a bounded rate.
type Dedup interface {
	// CheckAndRecord reports whether id was seen before and records it.
	CheckAndRecord(id PacketID) bool
	// Seen reports whether id was seen before without recording it.
	Seen(id PacketID) bool
}

var (
	_ Dedup = &BloomDedup{}
	_ Dedup = &ExactDedup{}
)

// BloomDedup is a bloom-filter duplicate detector made of two generations.
// New ids go into the current filter; once it holds capacity ids it becomes
// the previous one and a fresh filter takes its place. Ids recorded within the
// last capacity insertions are always found, and the false-positive rate stays
// within about twice the configured rate however long the node runs.
type BloomDedup struct {
	capacity uint
	rate     float64

	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	inserted uint
}

// NewBloomDedup sizes each generation for capacity ids at the given false-positive rate.
func NewBloomDedup(capacity uint, falsePositiveRate float64) *BloomDedup {
	return &BloomDedup{
		capacity: capacity,
		rate:     falsePositiveRate,
		current:  bloom.NewWithEstimates(capacity, falsePositiveRate),
	}
}

func (d *BloomDedup) CheckAndRecord(id PacketID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current.TestAndAdd(id[:]) {
		return true
	}
	d.inserted++
	seen := d.previous != nil && d.previous.Test(id[:])
	if d.inserted >= d.capacity {
		d.rotate()
	}
	return seen
}

func (d *BloomDedup) Seen(id PacketID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.Test(id[:]) || (d.previous != nil && d.previous.Test(id[:]))
}

func (d *BloomDedup) rotate() {
	d.previous = d.current
	d.current = bloom.NewWithEstimates(d.capacity, d.rate)
	d.inserted = 0
}

// ExactDedup keeps every id it has seen. It has no false positives and
// grows without bound.
type ExactDedup struct {
	seen mapset.Set[PacketID]
}

// NewExactDedup creates an empty exact detector.
func NewExactDedup() *ExactDedup {
	return &ExactDedup{seen: mapset.NewSet[PacketID]()}
}

func (d *ExactDedup) CheckAndRecord(id PacketID) bool {
	return !d.seen.Add(id)
}

func (d *ExactDedup) Seen(id PacketID) bool {
	return d.seen.Contains(id)
}

// Len returns the number of recorded ids.
func (d *ExactDedup) Len() int {
	return d.seen.Cardinality()
}
