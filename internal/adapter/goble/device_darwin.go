//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// newPlatformDevice opens the CoreBluetooth-backed device. Overridable in
// tests.
var newPlatformDevice = func() (ble.Device, error) {
	return darwin.NewDevice()
}
