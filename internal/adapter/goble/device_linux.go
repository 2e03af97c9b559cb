//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newPlatformDevice opens the HCI-backed device. Overridable in tests.
var newPlatformDevice = func() (ble.Device, error) {
	return linux.NewDevice()
}
