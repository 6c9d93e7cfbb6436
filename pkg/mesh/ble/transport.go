package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"tinygo.org/x/bluetooth"
)

const (
	framesBufferSize = 120
)

var _ link.Radio = &Radio{}

// Radio is the BLE binding of the mesh link. Every node is a peripheral
// exposing a writable receive characteristic and, at the same time, a central
// that connects to peers and writes frames into theirs. Each written frame
// starts with the 16-byte id of the writer.
type Radio struct {
	adapter *bluetooth.Adapter
	self    mesh.DeviceID
	logger  log.Logger
	rx      bluetooth.Characteristic

	// these fields are set and used internally
	frames chan link.Frame

	mu        sync.Mutex
	addresses map[mesh.DeviceID]bluetooth.Address
	links     map[mesh.DeviceID]*peerLink
	closed    bool
}

// NewRadio enables the default BLE adapter and registers the mesh GATT service.
func NewRadio(self mesh.DeviceID, logger log.Logger) (*Radio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Radio{
		adapter:   bluetooth.DefaultAdapter,
		self:      self,
		logger:    logger,
		frames:    make(chan link.Frame, framesBufferSize),
		addresses: make(map[mesh.DeviceID]bluetooth.Address),
		links:     make(map[mesh.DeviceID]*peerLink),
	}

	if err := r.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	err := r.adapter.AddService(&bluetooth.Service{
		UUID: MeshServiceID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: &r.rx,
			UUID:   RxCharacteristicID,
			Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				r.onWrite(value)
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register mesh service: %w", err)
	}
	return r, nil
}

// Advertise broadcasts the local device id until ctx is done.
func (r *Radio) Advertise(ctx context.Context) error {
	adv := r.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: companyID, Data: r.self[:]},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertisement: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = adv.Stop()
	}()
	return nil
}

// Scan looks for advertising mesh nodes in the background until ctx is done.
func (r *Radio) Scan(ctx context.Context, found func(mesh.DeviceID)) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			device, ok := advertisedDevice(result)
			if !ok || device == r.self {
				return
			}
			if r.remember(device, result.Address) && found != nil {
				found(device)
			}
		})
	}()

	go func() {
		<-ctx.Done()
		_ = r.adapter.StopScan()
	}()

	select {
	case err := <-errCh:
		// scanning ended right away
		if err != nil {
			return fmt.Errorf("failed to seek devices: %w", err)
		}
		return nil
	default:
		return nil
	}
}

// Connect opens a central connection to a discovered device.
func (r *Radio) Connect(_ context.Context, device mesh.DeviceID) error {
	r.mu.Lock()
	address, ok := r.addresses[device]
	_, linked := r.links[device]
	r.mu.Unlock()
	switch {
	case linked:
		return nil
	case !ok:
		return fmt.Errorf("device %s has not been discovered", device)
	}

	pl, err := openLink(r.adapter, address)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.links[device] = pl
	r.mu.Unlock()
	return nil
}

// Disconnect closes the connection to device.
func (r *Radio) Disconnect(_ context.Context, device mesh.DeviceID) error {
	r.mu.Lock()
	pl, ok := r.links[device]
	delete(r.links, device)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return pl.device.Disconnect()
}

// WriteFrame writes frame into the receive characteristic of device.
func (r *Radio) WriteFrame(_ context.Context, device mesh.DeviceID, frame []byte) error {
	r.mu.Lock()
	pl, ok := r.links[device]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is not connected", device)
	}

	buf := make([]byte, 0, 16+len(frame))
	buf = append(buf, r.self[:]...)
	buf = append(buf, frame...)
	_, err := pl.rx.WriteWithoutResponse(buf)
	return err
}

// ReadFrame receives the next frame written by a peer.
func (r *Radio) ReadFrame(ctx context.Context) (link.Frame, error) {
	select {
	case <-ctx.Done():
		return link.Frame{}, ctx.Err()
	case frame, ok := <-r.frames:
		if !ok {
			return link.Frame{}, link.ErrRadioClosed
		}
		return frame, nil
	}
}

func (r *Radio) MaxFrameSize() int {
	return maxAttributeSize - 16
}

// Close disconnects every peer and stops delivering frames.
// After calling Close, the Radio instance must not be used again.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	links := r.links
	r.links = make(map[mesh.DeviceID]*peerLink)
	close(r.frames)
	r.mu.Unlock()

	for _, pl := range links {
		_ = pl.device.Disconnect()
	}
	_ = r.adapter.StopScan()
	return nil
}

// remember records the address of device and reports whether it is new.
func (r *Radio) remember(device mesh.DeviceID, address bluetooth.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.addresses[device]
	r.addresses[device] = address
	return !known
}

func (r *Radio) onWrite(value []byte) {
	from, data, ok := splitWrite(value)
	if !ok {
		r.logger.Warn("Read frame from peer error", "error", mesh.ErrInvalidPacketFormat)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// drop the oldest frame rather than block the BLE stack
	if len(r.frames) == framesBufferSize {
		select {
		case <-r.frames:
		default:
		}
	}
	r.frames <- link.Frame{From: from, Data: data}
}
