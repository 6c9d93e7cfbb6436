package mesh

import (
	"fmt"

	"github.com/google/uuid"
)

// DeviceID names a mesh participant. A router picks a random one at startup,
// so it is not stable across restarts.
type DeviceID uuid.UUID

// PacketID identifies a single transmitted unit for duplicate suppression.
type PacketID uuid.UUID

// NewDeviceID returns a random device identifier.
func NewDeviceID() DeviceID {
	return DeviceID(uuid.New())
}

// NewPacketID returns a random packet identifier.
func NewPacketID() PacketID {
	return PacketID(uuid.New())
}

// ParseDeviceID parses the canonical or 32-digit hex form of a device id.
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	return DeviceID(id), nil
}

func (id DeviceID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

func (id PacketID) String() string {
	return uuid.UUID(id).String()
}

func idFromBytes(b []byte) ([16]byte, error) {
	var out [16]byte
	if len(b) != len(out) {
		return out, fmt.Errorf("%w: identifier has %d bytes", ErrInvalidPacketFormat, len(b))
	}
	copy(out[:], b)
	return out, nil
}
