package ble

import (
	"fmt"

	"github.com/exepirit/meshlink/pkg/mesh"
	"tinygo.org/x/bluetooth"
)

// peerLink is an open central-side connection to a mesh peer.
type peerLink struct {
	device bluetooth.Device
	rx     bluetooth.DeviceCharacteristic
}

// openLink connects to address and locates the peer's receive characteristic.
func openLink(adapter *bluetooth.Adapter, address bluetooth.Address) (*peerLink, error) {
	device, err := adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect device %s: %w", address.String(), err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{MeshServiceID})
	switch {
	case err != nil:
		_ = device.Disconnect()
		return nil, fmt.Errorf("failed to search mesh service: %w", err)
	case len(services) < 1:
		_ = device.Disconnect()
		return nil, fmt.Errorf("no mesh service on device %s", address.String())
	}

	characteristics, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{RxCharacteristicID})
	switch {
	case err != nil:
		_ = device.Disconnect()
		return nil, fmt.Errorf("failed to discover BLE characteristics: %w", err)
	case len(characteristics) < 1:
		_ = device.Disconnect()
		return nil, fmt.Errorf("no receive characteristic on device %s", address.String())
	}

	return &peerLink{device: device, rx: characteristics[0]}, nil
}

// advertisedDevice extracts the mesh device id from a scan result, if any.
func advertisedDevice(result bluetooth.ScanResult) (mesh.DeviceID, bool) {
	for _, element := range result.ManufacturerData() {
		if element.CompanyID == companyID {
			return decodeDeviceID(element.Data)
		}
	}
	return mesh.DeviceID{}, false
}

func decodeDeviceID(data []byte) (mesh.DeviceID, bool) {
	var id mesh.DeviceID
	if len(data) != len(id) {
		return id, false
	}
	copy(id[:], data)
	return id, true
}

// splitWrite separates the sender id prepended to every written frame.
func splitWrite(value []byte) (mesh.DeviceID, []byte, bool) {
	if len(value) < 16 {
		return mesh.DeviceID{}, nil, false
	}
	from, _ := decodeDeviceID(value[:16])
	return from, append([]byte(nil), value[16:]...), true
}
