// Package adapter defines the port to the underlying BLE radio driver.
// The coordination engine only sequences calls through this interface; the
// driver owns the protocol (framing, ATT/GATT encoding) and each call's
// inherent latency and failure modes.
package adapter

import (
	"context"
	"time"
)

// Advertisement is a single scan event as reported by the radio. Values are
// immutable once produced by the adapter.
type Advertisement struct {
	Identity string // stable peripheral address
	Name     string
	RSSI     int
	Raw      []byte
}

// HasName reports whether the advertisement resolved a local name. Early
// advertisements frequently arrive before name resolution completes.
func (a Advertisement) HasName() bool {
	return a.Name != ""
}

// Characteristic describes one GATT characteristic of a discovered service.
type Characteristic struct {
	UUID       string
	CanWrite   bool
	CanNotify  bool
	CanRead    bool
	NoResponse bool // supports write-without-response
}

// Service is one GATT service with its characteristics, as discovered on a
// live session.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// ConnState is the adapter's view of one peripheral session.
type ConnState int

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnEvent is an adapter-reported session state change.
type ConnEvent struct {
	Identity string
	State    ConnState
}

// Adapter is the capability set required of any radio driver.
//
// Every call that can hang takes an explicit timeout; implementations must
// honor it, returning an error wrapping ErrTimeout when exceeded. The
// engine never issues more than one Connect/DiscoverServices/SetNotify at a
// time process-wide (it serializes them through its action lock), but Write
// calls on distinct established sessions may overlap.
type Adapter interface {
	// Scan streams advertisements to handler until ctx is cancelled or the
	// radio ends the scan. It blocks for the duration of the scan; a nil
	// return (or ctx cancellation) means the stream ended cleanly and may
	// be restarted.
	Scan(ctx context.Context, handler func(Advertisement)) error

	Connect(ctx context.Context, identity string, timeout time.Duration) error
	Disconnect(ctx context.Context, identity string, timeout time.Duration) error
	DiscoverServices(ctx context.Context, identity string, timeout time.Duration) ([]Service, error)

	// Write sends payload to a characteristic on an established session.
	// A temporarily unwritable characteristic is reported by an error
	// wrapping ErrNotReady, which callers may poll-retry.
	Write(ctx context.Context, identity, characteristic string, payload []byte, withResponse bool, timeout time.Duration) error

	// SetNotify enables or disables notifications for a characteristic and
	// reports the resulting subscription state.
	SetNotify(ctx context.Context, identity, characteristic string, enable bool, timeout time.Duration) (bool, error)

	// ConnectionEvents delivers session state changes for all peripherals.
	ConnectionEvents() <-chan ConnEvent

	// BondedDevices lists peripherals paired at the platform level,
	// retrievable without an active scan.
	BondedDevices(ctx context.Context) ([]string, error)

	// ConnectedSessions lists peripherals the radio currently considers
	// connected, used for state reconciliation.
	ConnectedSessions(ctx context.Context) ([]string, error)
}
