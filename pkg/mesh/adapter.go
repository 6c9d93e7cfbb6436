package mesh

import (
	"context"
)

// LinkAdapter defines methods for moving raw bytes over the physical radio link.
// The router owns one adapter exclusively and depends on nothing else below it.
type LinkAdapter interface {
	// StartAdvertising makes this node discoverable.
	StartAdvertising(ctx context.Context) error
	// StartScanning starts looking for advertising nodes.
	StartScanning(ctx context.Context) error
	// Connect establishes a link to device.
	Connect(ctx context.Context, device DeviceID) error
	// Disconnect tears down the link to device.
	Disconnect(ctx context.Context, device DeviceID) error
	// SendData writes data to a connected device.
	SendData(ctx context.Context, device DeviceID, data []byte) error
	// ReceiveData blocks until data arrives from any device or the link is closed.
	ReceiveData(ctx context.Context) ([]byte, error)
	// ConnectedDevices lists the devices with an open link.
	ConnectedDevices() []DeviceID
}
