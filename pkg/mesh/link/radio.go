package link

import (
	"context"
	"errors"

	"github.com/exepirit/meshlink/pkg/mesh"
)

// ErrRadioClosed is returned by a Radio whose receive side has shut down.
var ErrRadioClosed = errors.New("radio is closed")

// Frame is one physical frame read from the radio.
type Frame struct {
	From mesh.DeviceID
	Data []byte
}

// Radio is a platform radio binding. It moves single frames and knows nothing
// about retries or fragmentation; Adapter adds both on top of it.
type Radio interface {
	// Advertise makes this node discoverable.
	Advertise(ctx context.Context) error
	// Scan starts discovery in the background and reports each found device.
	Scan(ctx context.Context, found func(mesh.DeviceID)) error
	// Connect opens a link to device. A single attempt, no retries.
	Connect(ctx context.Context, device mesh.DeviceID) error
	// Disconnect closes the link to device.
	Disconnect(ctx context.Context, device mesh.DeviceID) error
	// WriteFrame writes one frame of at most MaxFrameSize bytes to device.
	WriteFrame(ctx context.Context, device mesh.DeviceID, frame []byte) error
	// ReadFrame blocks until a frame arrives. It returns ErrRadioClosed once
	// the radio stops delivering frames.
	ReadFrame(ctx context.Context) (Frame, error)
	// MaxFrameSize is the largest frame the radio carries, or 0 if unbounded.
	MaxFrameSize() int
}
