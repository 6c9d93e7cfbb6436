package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/exepirit/meshlink/internal/log"
)

// Dedup modes.
const (
	DedupBloom = "bloom"
	DedupExact = "exact"
)

// DefaultPayloadMTU is the largest payload slice carried by one packet. It
// leaves room for the packet envelope and the fragment header inside a
// 512-byte radio frame.
const DefaultPayloadMTU = 416

// DedupConfig selects the duplicate-suppression structure.
type DedupConfig struct {
	Mode              string
	Capacity          uint
	FalsePositiveRate float64
}

// RouterConfig holds the router parameters.
type RouterConfig struct {
	// DeviceID is the local identity; a random one is generated when zero.
	DeviceID DeviceID
	// PayloadMTU is the message-level fragmentation threshold.
	PayloadMTU int
	// DefaultTTL is the hop budget of packets created by NewPacket.
	DefaultTTL uint8
	// ForwardFanout caps how many peers receive one forwarded or broadcast packet.
	ForwardFanout int
	Dedup         DedupConfig
}

// DefaultRouterConfig returns the default router parameters.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PayloadMTU:    DefaultPayloadMTU,
		DefaultTTL:    7,
		ForwardFanout: 10,
		Dedup: DedupConfig{
			Mode:              DedupBloom,
			Capacity:          100_000,
			FalsePositiveRate: 0.01,
		},
	}
}

// NewDedup builds the structure selected by the config.
func (c DedupConfig) NewDedup() (Dedup, error) {
	switch c.Mode {
	case DedupBloom, "":
		if c.Capacity == 0 || c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
			return nil, fmt.Errorf("invalid bloom dedup parameters: capacity=%d rate=%v", c.Capacity, c.FalsePositiveRate)
		}
		return NewBloomDedup(c.Capacity, c.FalsePositiveRate), nil
	case DedupExact:
		return NewExactDedup(), nil
	default:
		return nil, fmt.Errorf("unknown dedup mode %q", c.Mode)
	}
}

// Disposition describes what Receive did with a packet.
type Disposition uint8

const (
	// DispositionDelivered means the packet is addressed to this node (or broadcast).
	DispositionDelivered Disposition = 1 << iota
	// DispositionForwarded means the packet was relayed to peers.
	DispositionForwarded
	// DispositionStored means the packet was buffered for an offline recipient.
	DispositionStored
)

// Has reports whether all bits of flag are set.
func (d Disposition) Has(flag Disposition) bool {
	return d&flag == flag
}

func (d Disposition) String() string {
	if d == 0 {
		return "dropped"
	}
	var parts []string
	if d.Has(DispositionDelivered) {
		parts = append(parts, "delivered")
	}
	if d.Has(DispositionForwarded) {
		parts = append(parts, "forwarded")
	}
	if d.Has(DispositionStored) {
		parts = append(parts, "stored")
	}
	return strings.Join(parts, "|")
}

// Router moves packets across the mesh. It keeps the peer table, the
// duplicate-suppression structure and the store-and-forward queue, each behind
// its own lock, and transmits through a single LinkAdapter.
type Router struct {
	id      DeviceID
	config  RouterConfig
	adapter LinkAdapter
	peers   *PeerTable
	dedup   Dedup
	store   *StoreForwardQueue
	logger  log.Logger
	now     func() time.Time

	publisher FanOutPublisher
}

// NewRouter creates a router transmitting through adapter and buffering into store.
// A nil logger falls back to slog.Default().
func NewRouter(adapter LinkAdapter, store *StoreForwardQueue, config RouterConfig, logger log.Logger) (*Router, error) {
	dedup, err := config.Dedup.NewDedup()
	if err != nil {
		return nil, err
	}
	if config.PayloadMTU <= 0 {
		return nil, fmt.Errorf("invalid payload mtu %d", config.PayloadMTU)
	}
	if config.ForwardFanout <= 0 {
		return nil, fmt.Errorf("invalid forward fan-out %d", config.ForwardFanout)
	}
	if config.DeviceID.IsZero() {
		config.DeviceID = NewDeviceID()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		id:      config.DeviceID,
		config:  config,
		adapter: adapter,
		peers:   NewPeerTable(),
		dedup:   dedup,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// ID returns the local device id.
func (r *Router) ID() DeviceID {
	return r.id
}

// Subscribe registers a handler for packets delivered to this node by Run.
func (r *Router) Subscribe(subscriber PacketSubscriber) {
	r.publisher.Subscribe(subscriber)
}

// Initialize starts the adapter as advertiser and scanner at the same time,
// so two nodes in range find each other whichever scans first.
func (r *Router) Initialize(ctx context.Context) error {
	if err := r.adapter.StartAdvertising(ctx); err != nil {
		return fmt.Errorf("%w: start advertising: %w", ErrAdapter, err)
	}
	if err := r.adapter.StartScanning(ctx); err != nil {
		return fmt.Errorf("%w: start scanning: %w", ErrAdapter, err)
	}
	r.logger.Info("Mesh router started", "device", r.id)
	return nil
}

// NewPacket creates a packet from this node. A nil destination means broadcast.
func (r *Router) NewPacket(destination *DeviceID, payload []byte) *Packet {
	return &Packet{
		ID:          NewPacketID(),
		Source:      r.id,
		Destination: destination,
		TTL:         r.config.DefaultTTL,
		Payload:     payload,
		Timestamp:   r.now(),
	}
}

// Send transmits packet to a directly connected peer. Oversized payloads are
// split into fragment packets which are sent in order; fragments already
// written stay written if a later one fails.
func (r *Router) Send(ctx context.Context, peer DeviceID, packet *Packet) error {
	if !r.peers.IsConnected(peer) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, peer)
	}
	units, err := r.encode(packet)
	if err != nil {
		return err
	}
	return r.sendUnits(ctx, peer, units)
}

// Broadcast sends packet to connected peers, at most ForwardFanout of them.
// A failure for one peer is logged and does not stop the others. Broadcasting
// with no peers does nothing.
func (r *Router) Broadcast(ctx context.Context, packet *Packet) error {
	units, err := r.encode(packet)
	if err != nil {
		return err
	}
	r.fanOut(ctx, r.peers.IDs(), units)
	return nil
}

// Receive runs the ingestion state machine for a packet handed up by the link.
//
// Duplicates report ErrDuplicatePacket and exhausted packets ErrTTLExpired;
// neither is ever forwarded. Packets for this node are returned as delivered,
// packets for a known but disconnected peer are buffered, and everything else
// is forwarded. Broadcasts are both delivered and forwarded.
func (r *Router) Receive(ctx context.Context, packet *Packet) (Disposition, error) {
	if r.dedup.CheckAndRecord(packet.ID) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicatePacket, packet.ID)
	}
	if packet.TTL == 0 {
		return 0, fmt.Errorf("%w: %s", ErrTTLExpired, packet.ID)
	}

	if dst := packet.Destination; dst != nil {
		if *dst == r.id {
			return DispositionDelivered, nil
		}
		if r.peers.IsDeparted(*dst) {
			if err := r.buffer(ctx, *dst, packet); err != nil {
				return 0, err
			}
			return DispositionStored, nil
		}
	}

	var disposition Disposition
	if packet.IsBroadcast() {
		disposition |= DispositionDelivered
	}
	if err := r.ForwardPacket(ctx, packet); err != nil {
		return disposition, err
	}
	return disposition | DispositionForwarded, nil
}

// ForwardPacket relays packet with its hop budget reduced by one to every
// connected peer except its source. When more than ForwardFanout peers
// qualify, a uniformly random subset of that size is used instead.
func (r *Router) ForwardPacket(ctx context.Context, packet *Packet) error {
	if packet.TTL == 0 {
		return fmt.Errorf("%w: %s", ErrTTLExpired, packet.ID)
	}
	relayed := packet.Clone()
	relayed.TTL--

	units, err := r.encode(relayed)
	if err != nil {
		return err
	}

	candidates := r.peers.IDs()
	for i, id := range candidates {
		if id == packet.Source {
			candidates = append(candidates[:i], candidates[i+1:]...)
			break
		}
	}
	r.fanOut(ctx, candidates, units)
	return nil
}

// AddPeer inserts a peer into the peer table or refreshes its last-seen time.
func (r *Router) AddPeer(id DeviceID) {
	r.peers.Add(id)
}

// RemovePeer erases a peer from the peer table. Later sends to it fail with
// ErrDeviceNotFound and packets addressed to it are buffered.
// Peers gone for longer than the store keeps packets are forgotten.
func (r *Router) RemovePeer(id DeviceID) {
	r.peers.Remove(id)
	r.peers.PruneDeparted(r.store.config.MaxPacketAge)
}

// Peers returns the ids of the connected peers.
func (r *Router) Peers() []DeviceID {
	return r.peers.IDs()
}

// Connect links to device through the adapter, adds it as a peer and hands it
// any packets buffered while it was offline.
func (r *Router) Connect(ctx context.Context, device DeviceID) error {
	if err := r.adapter.Connect(ctx, device); err != nil {
		return err
	}
	r.AddPeer(device)
	r.logger.Info("Peer connected", "peer", device)
	r.flush(ctx, device)
	return nil
}

// Disconnect removes device from the peer table and closes its link.
func (r *Router) Disconnect(ctx context.Context, device DeviceID) error {
	r.RemovePeer(device)
	r.logger.Info("Peer disconnected", "peer", device)
	return r.adapter.Disconnect(ctx, device)
}

// Run receives packets from the adapter until ctx is done or the link closes.
// Packets delivered to this node are published to subscribers. The
// store-and-forward cleanup timer runs for the lifetime of the call.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.store.Run(ctx)
	}()

	for {
		data, err := r.adapter.ReceiveData(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: receive: %w", ErrAdapter, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handle(ctx, data)
		}()
	}
}

func (r *Router) handle(ctx context.Context, data []byte) {
	packet, err := DecodePacket(data)
	if err != nil {
		r.logger.Warn("Cannot decode packet", "error", err)
		return
	}

	disposition, err := r.Receive(ctx, packet)
	switch {
	case errors.Is(err, ErrDuplicatePacket), errors.Is(err, ErrTTLExpired):
		r.logger.Debug("Packet dropped", "packet", packet.ID, "reason", err)
	case err != nil:
		r.logger.Warn("Packet handling failed", "packet", packet.ID, "error", err)
	}
	if disposition.Has(DispositionDelivered) {
		r.publisher.Publish(packet)
	}
}

// buffer stores packet for an offline peer. A peer that reconnected while the
// packet was being stored has already been flushed, so it is flushed again.
func (r *Router) buffer(ctx context.Context, peer DeviceID, packet *Packet) error {
	if err := r.store.Store(peer, packet); err != nil {
		return err
	}
	r.logger.Debug("Buffered packet for offline peer", "peer", peer, "packet", packet.ID)
	if r.peers.IsConnected(peer) {
		r.flush(ctx, peer)
	}
	return nil
}

// flush sends packets buffered for device. Whatever cannot be sent goes back
// into the queue.
func (r *Router) flush(ctx context.Context, device DeviceID) {
	packets := r.store.Retrieve(device)
	for i, packet := range packets {
		err := r.Send(ctx, device, packet)
		if err == nil {
			continue
		}
		r.logger.Warn("Cannot deliver buffered packets", "peer", device, "error", err)
		for _, rest := range packets[i:] {
			if err := r.store.Store(device, rest); err != nil {
				r.logger.Warn("Buffered packet dropped", "peer", device, "packet", rest.ID, "error", err)
			}
		}
		return
	}
	if len(packets) > 0 {
		r.logger.Debug("Delivered buffered packets", "peer", device, "count", len(packets))
	}
}

// encode turns packet into the byte units put on the link, splitting the
// payload into fragment packets when it exceeds the payload MTU. Every unit
// id is recorded as seen so echoes of our own traffic are dropped.
func (r *Router) encode(packet *Packet) ([][]byte, error) {
	packets := []*Packet{packet}
	if !packet.IsFragment() && len(packet.Payload) > r.config.PayloadMTU {
		slices, err := SplitPayload(packet.Payload, r.config.PayloadMTU, packet.ID)
		if err != nil {
			return nil, err
		}
		packets = make([]*Packet, 0, len(slices))
		for _, slice := range slices {
			fragment := *packet
			fragment.ID = NewPacketID()
			fragment.Payload = slice
			fragment.Flags |= FlagFragment
			packets = append(packets, &fragment)
		}
	}

	units := make([][]byte, 0, len(packets))
	for _, p := range packets {
		buf, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		r.dedup.CheckAndRecord(p.ID)
		units = append(units, buf)
	}
	return units, nil
}

func (r *Router) sendUnits(ctx context.Context, peer DeviceID, units [][]byte) error {
	for i, unit := range units {
		if err := r.adapter.SendData(ctx, peer, unit); err != nil {
			return fmt.Errorf("%w: unit %d of %d to %s: %w", ErrTransmissionFailed, i+1, len(units), peer, err)
		}
	}
	return nil
}

// fanOut sends units to a bounded random selection of candidates concurrently.
func (r *Router) fanOut(ctx context.Context, candidates []DeviceID, units [][]byte) {
	selected := selectPeers(candidates, r.config.ForwardFanout)

	var wg sync.WaitGroup
	wg.Add(len(selected))
	for _, peer := range selected {
		peer := peer
		go func() {
			defer wg.Done()
			if err := r.sendUnits(ctx, peer, units); err != nil {
				r.logger.Warn("Cannot send packet to peer", "peer", peer, "error", err)
			}
		}()
	}
	wg.Wait()
}

// selectPeers returns all candidates when there are at most limit of them,
// otherwise limit distinct candidates chosen uniformly at random.
func selectPeers(candidates []DeviceID, limit int) []DeviceID {
	if len(candidates) <= limit {
		return candidates
	}
	shuffled := append([]DeviceID(nil), candidates...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:limit]
}
