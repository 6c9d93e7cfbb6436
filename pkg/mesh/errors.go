package mesh

import (
	"errors"
)

var (
	// ErrInvalidPacketFormat indicates a problem in structure of received packet.
	ErrInvalidPacketFormat = errors.New("invalid packet data format")

	// ErrDuplicatePacket is reported when a packet id was already acted upon by this node.
	ErrDuplicatePacket = errors.New("duplicate packet")

	// ErrTTLExpired is reported for packets whose hop budget is exhausted.
	ErrTTLExpired = errors.New("packet ttl expired")

	// ErrQueueFull is returned when a recipient's store-and-forward queue is at capacity.
	ErrQueueFull = errors.New("store-and-forward queue is full")

	// ErrDeviceNotFound is returned when addressing a device that is not in the peer table.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrConnectionFailed is returned after connection attempts to a device are exhausted.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrTransmissionFailed is returned after retries of a frame write are exhausted.
	ErrTransmissionFailed = errors.New("transmission failed")

	// ErrAdapter indicates a transport or platform failure, e.g. a missing radio or a closed channel.
	ErrAdapter = errors.New("link adapter error")

	// ErrPayloadTooLarge is returned when a payload needs more fragments than the header can number.
	ErrPayloadTooLarge = errors.New("payload too large")
)
