package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrDiscoveryExhausted reports that every discovery attempt failed or the
// link dropped mid-discovery. The session is unusable and gets disconnected.
var ErrDiscoveryExhausted = errors.New("service discovery exhausted retries")

// State is the connection session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is the per-device session state machine plus the write queues.
// It is created once per Device and recycled across disconnects: on link
// loss it transitions to StateDisconnected and serves the next connect
// attempt for the same peripheral.
type Connection struct {
	// mu guards all fields below; no blocking call happens while held.
	mu       sync.Mutex
	dev      *Device
	state    State
	services []adapter.Service

	outQueue []*WriteRequest
	realtime *orderedmap.OrderedMap[string, *WriteRequest]
	sending  bool

	discovering      bool
	discoveryDone    chan struct{}
	discoveryStarted time.Time
}

func newConnection(d *Device) *Connection {
	return &Connection{
		dev:      d,
		state:    StateDisconnected,
		realtime: orderedmap.New[string, *WriteRequest](),
	}
}

// Device returns the owning Device.
func (c *Connection) Device() *Device { return c.dev }

// State returns the current session state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Services returns the service list discovered on the current session, or
// nil before discovery succeeds.
func (c *Connection) Services() []adapter.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]adapter.Service, len(c.services))
	copy(out, c.services)
	return out
}

// DiscoveryInFlight reports whether a discovery run is pending and when it
// started.
func (c *Connection) DiscoveryInFlight() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovering, c.discoveryStarted
}

// BeginConnecting transitions Disconnected -> Connecting. Returns false if
// the session is not currently disconnected.
func (c *Connection) BeginConnecting() bool {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	return true
}

// HandleConnected is called once the adapter reports the connect call
// succeeded, with the action lock still held by the caller. It runs service
// discovery and, on success, transitions to Ready and flips write
// readiness. On failure the caller must disconnect the session.
func (c *Connection) HandleConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return adapter.ErrNotConnected
	}
	c.state = StateDiscovering
	c.mu.Unlock()
	c.notifyState(StateDiscovering)

	if err := c.RequestDiscovery(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDiscovering {
		// Link dropped between discovery completion and here.
		c.mu.Unlock()
		return adapter.ErrNotConnected
	}
	c.state = StateReady
	// Readiness must flip atomically with the transition it belongs to: a
	// link loss interleaved here would otherwise be overwritten by a stale
	// flip, leaving write-ready true on a disconnected session.
	if c.dev.setWriteReady(true) {
		c.dev.publishReadiness(true)
	}
	c.mu.Unlock()

	c.notifyState(StateReady)
	c.maybePump()
	return nil
}

// HandleLinkLoss drives the session back to Disconnected from any state:
// write readiness is cleared, pending writes fail, and the device's
// retry-delay window restarts. Reports whether a transition happened (false
// when already disconnected).
func (c *Connection) HandleLinkLoss() bool {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = StateDisconnected
	c.services = nil
	if c.dev.setWriteReady(false) {
		c.dev.publishReadiness(false)
	}
	c.mu.Unlock()

	c.dev.logger.WithFields(logrus.Fields{
		"identity": c.dev.identity,
		"from":     prev.String(),
	}).Info("Connection lost")

	c.flushPending(adapter.ErrNotConnected)
	c.dev.StartRetryWindow()
	c.notifyState(StateDisconnected)
	return true
}

// RequestDiscovery obtains a non-empty service list, retrying per the
// tuning policy. If a run is already in flight the request is deferred
// until it completes; a deferred request whose predecessor already yielded
// services is a no-op (no duplicate radio trip), while one whose
// predecessor failed re-runs discovery.
func (c *Connection) RequestDiscovery(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.discovering {
			done := c.discoveryDone
			c.mu.Unlock()

			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}

			c.mu.Lock()
			satisfied := len(c.services) > 0
			c.mu.Unlock()
			if satisfied {
				return nil
			}
			continue
		}

		if c.state != StateDiscovering && c.state != StateReady {
			c.mu.Unlock()
			return adapter.ErrNotConnected
		}
		c.discovering = true
		c.discoveryStarted = c.dev.clock()
		c.discoveryDone = make(chan struct{})
		done := c.discoveryDone
		c.mu.Unlock()

		err := c.runDiscovery(ctx)

		c.mu.Lock()
		c.discovering = false
		c.mu.Unlock()
		close(done)
		return err
	}
}

// runDiscovery performs the bounded retry loop. An attempt succeeds iff it
// returns a non-empty service list; a dropped link aborts immediately.
func (c *Connection) runDiscovery(ctx context.Context) error {
	tun := c.dev.tuning
	for attempt := 1; attempt <= tun.DiscoverRetries; attempt++ {
		if st := c.State(); st != StateDiscovering && st != StateReady {
			return adapter.ErrNotConnected
		}

		if tun.DiscoverDelay > 0 {
			select {
			case <-time.After(tun.DiscoverDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		svcs, err := c.dev.adapter.DiscoverServices(ctx, c.dev.identity, tun.DiscoverTimeout)
		if err == nil && len(svcs) > 0 {
			c.mu.Lock()
			c.services = svcs
			c.mu.Unlock()

			c.dev.logger.WithFields(logrus.Fields{
				"identity": c.dev.identity,
				"services": len(svcs),
				"attempt":  attempt,
			}).Info("Services discovered")
			c.dev.listener.OnServicesDiscovered(c.dev, svcs)
			return nil
		}

		if errors.Is(err, adapter.ErrNotConnected) {
			return err
		}
		c.dev.logger.WithFields(logrus.Fields{
			"identity": c.dev.identity,
			"attempt":  attempt,
			"error":    err,
		}).Warn("Service discovery attempt failed")
	}
	return ErrDiscoveryExhausted
}

func (c *Connection) notifyState(s State) {
	c.dev.listener.OnDeviceStateChange(c.dev, s)
}
