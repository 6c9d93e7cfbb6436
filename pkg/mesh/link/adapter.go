package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exepirit/meshlink/internal/log"
	"github.com/exepirit/meshlink/pkg/mesh"
)

// DefaultFrameSize is the physical frame size of the link.
const DefaultFrameSize = 512

// Config holds the link retry and fragmentation policy.
type Config struct {
	// FrameSize caps every frame written to the radio.
	FrameSize int
	// Connect is the policy for opening links.
	Connect Backoff
	// Send is the policy for each frame write.
	Send Backoff
	// ReassemblyTimeout bounds how long a partially received payload is kept.
	ReassemblyTimeout time.Duration
}

// DefaultConfig returns the default link policy: 5 connection attempts
// starting at 100ms and doubling, 3 write attempts one second apart.
func DefaultConfig() Config {
	return Config{
		FrameSize: DefaultFrameSize,
		Connect: Backoff{
			Attempts:     5,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2,
		},
		Send: Backoff{
			Attempts:     3,
			InitialDelay: time.Second,
			Multiplier:   1,
		},
		ReassemblyTimeout: mesh.DefaultReassemblyTimeout,
	}
}

var _ mesh.LinkAdapter = &Adapter{}

// Adapter implements mesh.LinkAdapter over a Radio. It retries connections
// with exponential backoff, splits outgoing data into frames, retries each
// frame write with a fixed delay and reassembles incoming frames.
type Adapter struct {
	radio       Radio
	config      Config
	logger      log.Logger
	reassembler *mesh.Reassembler

	mu        sync.RWMutex
	connected map[mesh.DeviceID]struct{}
	onFound   func(mesh.DeviceID)
}

// NewAdapter wraps radio with the given policy. A nil logger falls back to slog.Default().
func NewAdapter(radio Radio, config Config, logger log.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if size := radio.MaxFrameSize(); size > 0 && (config.FrameSize <= 0 || size < config.FrameSize) {
		config.FrameSize = size
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultFrameSize
	}
	return &Adapter{
		radio:       radio,
		config:      config,
		logger:      logger,
		reassembler: mesh.NewReassembler(config.ReassemblyTimeout),
		connected:   make(map[mesh.DeviceID]struct{}),
	}
}

// OnDiscovered sets the handler called for devices found while scanning.
func (a *Adapter) OnDiscovered(handler func(mesh.DeviceID)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFound = handler
}

func (a *Adapter) StartAdvertising(ctx context.Context) error {
	if err := a.radio.Advertise(ctx); err != nil {
		return fmt.Errorf("%w: advertise: %w", mesh.ErrAdapter, err)
	}
	return nil
}

func (a *Adapter) StartScanning(ctx context.Context) error {
	if err := a.radio.Scan(ctx, a.discovered); err != nil {
		return fmt.Errorf("%w: scan: %w", mesh.ErrAdapter, err)
	}
	return nil
}

func (a *Adapter) discovered(device mesh.DeviceID) {
	a.mu.RLock()
	handler := a.onFound
	a.mu.RUnlock()

	a.logger.Debug("Discovered device", "device", device)
	if handler != nil {
		handler(device)
	}
}

// Connect opens a link to device, retrying with exponential backoff. When
// every attempt fails the device is not recorded as connected.
func (a *Adapter) Connect(ctx context.Context, device mesh.DeviceID) error {
	if a.isConnected(device) {
		return nil
	}

	err := a.config.Connect.Retry(ctx, func(attempt int) error {
		err := a.radio.Connect(ctx, device)
		if err != nil {
			a.logger.Debug("Connection attempt failed", "device", device, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", mesh.ErrConnectionFailed, device, err)
	}

	a.mu.Lock()
	a.connected[device] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Disconnect forgets device before closing its link, so concurrent sends to
// it stop retrying.
func (a *Adapter) Disconnect(ctx context.Context, device mesh.DeviceID) error {
	a.mu.Lock()
	_, ok := a.connected[device]
	delete(a.connected, device)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", mesh.ErrDeviceNotFound, device)
	}
	if err := a.radio.Disconnect(ctx, device); err != nil {
		return fmt.Errorf("%w: disconnect %s: %w", mesh.ErrAdapter, device, err)
	}
	return nil
}

// SendData splits data into frames and writes them in order. Each frame is
// retried on its own; when one runs out of attempts the call fails and the
// frames already written are left delivered.
func (a *Adapter) SendData(ctx context.Context, device mesh.DeviceID, data []byte) error {
	if !a.isConnected(device) {
		return fmt.Errorf("%w: %s is not connected", mesh.ErrDeviceNotFound, device)
	}

	frames, err := splitFrames(data, a.config.FrameSize)
	if err != nil {
		return err
	}

	for i, frame := range frames {
		err := a.config.Send.Retry(ctx, func(attempt int) error {
			if !a.isConnected(device) {
				return Permanent(fmt.Errorf("%w: %s disconnected", mesh.ErrDeviceNotFound, device))
			}
			err := a.radio.WriteFrame(ctx, device, frame)
			if err != nil {
				a.logger.Debug("Frame write failed", "device", device, "frame", i, "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: frame %d of %d to %s: %w", mesh.ErrTransmissionFailed, i+1, len(frames), device, err)
		}
	}
	return nil
}

// ReceiveData blocks until a complete payload has been received from any device.
func (a *Adapter) ReceiveData(ctx context.Context) ([]byte, error) {
	for {
		frame, err := a.radio.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, mesh.ErrAdapter) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", mesh.ErrAdapter, err)
		}

		data, done, err := joinFrame(a.reassembler, frame)
		if err != nil {
			a.logger.Warn("Dropped malformed frame", "from", frame.From, "error", err)
			continue
		}
		if done {
			return data, nil
		}
	}
}

func (a *Adapter) ConnectedDevices() []mesh.DeviceID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	devices := make([]mesh.DeviceID, 0, len(a.connected))
	for device := range a.connected {
		devices = append(devices, device)
	}
	return devices
}

func (a *Adapter) isConnected(device mesh.DeviceID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.connected[device]
	return ok
}
