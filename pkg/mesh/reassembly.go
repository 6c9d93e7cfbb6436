package mesh

import (
	"sync"
	"time"
)

// DefaultReassemblyTimeout is how long an incomplete fragment set is kept.
const DefaultReassemblyTimeout = 30 * time.Second

type reassemblyKey struct {
	source    DeviceID
	messageID PacketID
}

type reassemblyState struct {
	slices   [][]byte
	received int
	started  time.Time
}

// Reassembler collects fragments and emits complete payloads.
//
// Sets that stay incomplete past the timeout are discarded; a partially
// received message is treated as corrupt and is never handed out.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[reassemblyKey]*reassemblyState
}

// NewReassembler creates a Reassembler that drops incomplete sets after timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		timeout: timeout,
		now:     time.Now,
		pending: make(map[reassemblyKey]*reassemblyState),
	}
}

// Add records one fragment sent by source. It returns the reassembled payload
// and true once every slice of the message has arrived.
func (r *Reassembler) Add(source DeviceID, fragment Fragment, slice []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expireLocked(now)

	key := reassemblyKey{source: source, messageID: fragment.MessageID}
	state, ok := r.pending[key]
	if !ok {
		state = &reassemblyState{
			slices:  make([][]byte, fragment.Count),
			started: now,
		}
		r.pending[key] = state
	}
	if int(fragment.Count) != len(state.slices) {
		// conflicting headers for the same message
		delete(r.pending, key)
		return nil, false
	}
	if state.slices[fragment.Index] == nil {
		state.slices[fragment.Index] = append([]byte{}, slice...)
		state.received++
	}
	if state.received < len(state.slices) {
		return nil, false
	}

	delete(r.pending, key)
	total := 0
	for _, s := range state.slices {
		total += len(s)
	}
	payload := make([]byte, 0, total)
	for _, s := range state.slices {
		payload = append(payload, s...)
	}
	return payload, true
}

// AddPacket feeds a fragment-flagged packet into the reassembler. Packets that
// are not fragments are returned as complete immediately.
func (r *Reassembler) AddPacket(packet *Packet) ([]byte, bool, error) {
	if !packet.IsFragment() {
		return packet.Payload, true, nil
	}
	fragment, slice, err := ParseFragment(packet.Payload)
	if err != nil {
		return nil, false, err
	}
	payload, done := r.Add(packet.Source, fragment, slice)
	return payload, done, nil
}

// Expire drops incomplete sets older than the timeout and returns how many were dropped.
func (r *Reassembler) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(r.now())
}

// Pending returns the number of incomplete messages being held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reassembler) expireLocked(now time.Time) int {
	dropped := 0
	for key, state := range r.pending {
		if now.Sub(state.started) > r.timeout {
			delete(r.pending, key)
			dropped++
		}
	}
	return dropped
}
