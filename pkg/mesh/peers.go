package mesh

import (
	"sync"
	"time"
)

// PeerConnection describes a currently connected peer.
type PeerConnection struct {
	DeviceID DeviceID
	LastSeen time.Time
}

// PeerTable tracks connected peers and remembers peers that disconnected,
// so packets for them can be buffered instead of flooded.
type PeerTable struct {
	now func() time.Time

	mu        sync.RWMutex
	connected map[DeviceID]*PeerConnection
	departed  map[DeviceID]time.Time
}

// NewPeerTable creates an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		now:       time.Now,
		connected: make(map[DeviceID]*PeerConnection),
		departed:  make(map[DeviceID]time.Time),
	}
}

// Add inserts a peer or refreshes its last-seen time.
func (t *PeerTable) Add(id DeviceID) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.departed, id)
	if peer, ok := t.connected[id]; ok {
		peer.LastSeen = now
		return
	}
	t.connected[id] = &PeerConnection{DeviceID: id, LastSeen: now}
}

// Remove erases a connected peer and remembers it as known-but-disconnected.
// It reports whether the peer was connected.
func (t *PeerTable) Remove(id DeviceID) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.connected[id]
	if !ok {
		return false
	}
	delete(t.connected, id)
	t.departed[id] = now
	return true
}

// PruneDeparted forgets peers that disconnected more than maxAge ago and
// returns how many were forgotten. A non-positive maxAge keeps them all.
func (t *PeerTable) PruneDeparted(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, left := range t.departed {
		if left.Before(cutoff) {
			delete(t.departed, id)
			pruned++
		}
	}
	return pruned
}

// Get returns a copy of the connection record of a connected peer.
func (t *PeerTable) Get(id DeviceID) (PeerConnection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.connected[id]
	if !ok {
		return PeerConnection{}, false
	}
	return *peer, true
}

// IsConnected reports whether id is in the table.
func (t *PeerTable) IsConnected(id DeviceID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.connected[id]
	return ok
}

// IsDeparted reports whether id was connected before and is now gone.
func (t *PeerTable) IsDeparted(id DeviceID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.departed[id]
	return ok
}

// IDs returns the ids of all connected peers, in no particular order.
func (t *PeerTable) IDs() []DeviceID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]DeviceID, 0, len(t.connected))
	for id := range t.connected {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connected)
}
