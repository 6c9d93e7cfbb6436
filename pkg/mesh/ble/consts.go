package ble

import "tinygo.org/x/bluetooth"

var (
	MeshServiceID      = must(bluetooth.ParseUUID("6e8a1f3c-2b7d-4c91-a5e0-3f6d9b2c7a10"))
	RxCharacteristicID = must(bluetooth.ParseUUID("6e8a1f3d-2b7d-4c91-a5e0-3f6d9b2c7a10"))
)

// companyID tags the manufacturer data carrying the advertised device id.
// 0xFFFF is reserved by the Bluetooth SIG for internal use and testing.
const companyID uint16 = 0xFFFF

// maxAttributeSize is the largest attribute value a GATT write may carry.
const maxAttributeSize = 512

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}
