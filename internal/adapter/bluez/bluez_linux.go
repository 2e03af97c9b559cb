//go:build linux

// Package bluez answers the platform queries go-ble does not expose:
// bonded (paired) peripherals and the session list, read from the BlueZ
// object tree over the system D-Bus.
package bluez

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService   = "org.bluez"
	deviceIface    = "org.bluez.Device1"
	objMgrIface    = "org.freedesktop.DBus.ObjectManager"
	managedObjects = objMgrIface + ".GetManagedObjects"
)

// Client reads BlueZ device state over the system bus.
type Client struct {
	bus *dbus.Conn
}

// New connects to the system D-Bus.
func New() (*Client, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	return &Client{bus: bus}, nil
}

// BondedDevices lists addresses of peripherals BlueZ has paired.
func (c *Client) BondedDevices(ctx context.Context) ([]string, error) {
	return c.devicesWhere(ctx, "Paired")
}

// ConnectedSessions lists addresses BlueZ currently reports as connected.
func (c *Client) ConnectedSessions(ctx context.Context) ([]string, error) {
	return c.devicesWhere(ctx, "Connected")
}

// devicesWhere collects Device1 addresses whose boolean property is set.
func (c *Client) devicesWhere(ctx context.Context, property string) ([]string, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.bus.Object(bluezService, "/").
		CallWithContext(ctx, managedObjects, 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("bluez managed objects: %w", err)
	}

	var addrs []string
	for _, ifaces := range objects {
		dev, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		flag, _ := dev[property].Value().(bool)
		if !flag {
			continue
		}
		if addr, ok := dev["Address"].Value().(string); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
