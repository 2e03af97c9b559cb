// Package device holds the per-peripheral state the engine coordinates: the
// registered Device entity with its auto-connect policy, the Connection
// session state machine with service discovery, and the outgoing write
// queues with their transmission pump.
package device

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/ringchan"
)

// Listener is the capability interface an application implements to observe
// a device it registered. Either hook may be left to a no-op by embedding
// NopListener. Hooks are invoked from engine goroutines and must not block.
type Listener interface {
	// OnDeviceStateChange fires on every connection state transition.
	OnDeviceStateChange(d *Device, state State)

	// OnServicesDiscovered fires once per successful discovery with the
	// non-empty service list.
	OnServicesDiscovered(d *Device, services []adapter.Service)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnDeviceStateChange(*Device, State) {}

func (NopListener) OnServicesDiscovered(*Device, []adapter.Service) {}

// Tuning carries the per-connection knobs the device layer needs. The
// coordinator derives it from its Config.
type Tuning struct {
	ChunkSize       int           // 0 sends the whole payload in one chunk
	WriteTimeout    time.Duration // bound per chunk write call
	NotReadyPoll    time.Duration // poll interval for retryable not-ready writes
	ChunkBudget     time.Duration // overall time budget per chunk incl. polls
	DiscoverTimeout time.Duration // bound per discovery attempt
	DiscoverDelay   time.Duration // settle delay before each discovery attempt
	DiscoverRetries int           // discovery attempts before giving up
	RetryDelay      time.Duration // auto-connect backoff after a disconnect
}

// Device is one registered peripheral: identity, auto-connect policy state,
// the write-readiness signal, and the owned Connection.
type Device struct {
	mu sync.Mutex

	identity    string
	paused      bool      // explicit application pause
	pausedUntil time.Time // retry-delay window after a disconnect
	retryDelay  time.Duration
	writeReady  bool
	lastAdv     adapter.Advertisement
	hasAdv      bool

	conn *Connection // created once, recycled across sessions

	readiness *ringchan.Ring[bool]
	listener  Listener
	adapter   adapter.Adapter
	tuning    Tuning
	logger    *logrus.Logger
	clock     func() time.Time
}

const readinessBuffer = 16

// New creates a Device for identity. listener may be nil.
func New(identity string, listener Listener, adpt adapter.Adapter, tuning Tuning, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	if listener == nil {
		listener = NopListener{}
	}
	return &Device{
		identity:   identity,
		retryDelay: tuning.RetryDelay,
		readiness:  ringchan.New[bool](readinessBuffer),
		listener:   listener,
		adapter:    adpt,
		tuning:     tuning,
		logger:     logger,
		clock:      time.Now,
	}
}

// Identity returns the stable peripheral address this Device tracks.
func (d *Device) Identity() string { return d.identity }

// Connection returns the Device's Connection, creating it on first use.
// The same Connection object is recycled across transient disconnects so
// queued writes keep their target and discovery listeners stay registered.
func (d *Device) Connection() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		d.conn = newConnection(d)
	}
	return d.conn
}

// Pause suspends auto-connect consideration until Resume.
func (d *Device) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume lifts an explicit Pause. A running retry-delay window still applies.
func (d *Device) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Paused reports whether auto-connect must skip this device, either because
// the application paused it or because its retry-delay window is still open.
func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused || d.clock().Before(d.pausedUntil)
}

// StartRetryWindow (re)opens the backoff window: auto-connect is implicitly
// paused until now + retry-delay.
func (d *Device) StartRetryWindow() {
	d.mu.Lock()
	d.pausedUntil = d.clock().Add(d.retryDelay)
	d.mu.Unlock()
}

// SetRetryDelay adjusts the backoff applied after the next disconnect.
func (d *Device) SetRetryDelay(delay time.Duration) {
	d.mu.Lock()
	d.retryDelay = delay
	d.mu.Unlock()
}

// WriteReady reports whether the connection is Ready for writes.
func (d *Device) WriteReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReady
}

// Readiness returns the write-readiness change stream (bounded,
// overwrite-oldest).
func (d *Device) Readiness() <-chan bool {
	return d.readiness.C()
}

// InitAdvertisement records adv as the device's last-known advertisement if
// none has been seen yet. Reports whether it was stored.
func (d *Device) InitAdvertisement(adv adapter.Advertisement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasAdv {
		return false
	}
	d.lastAdv = adv
	d.hasAdv = true
	return true
}

// ObserveAdvertisement unconditionally refreshes the last-known
// advertisement.
func (d *Device) ObserveAdvertisement(adv adapter.Advertisement) {
	d.mu.Lock()
	d.lastAdv = adv
	d.hasAdv = true
	d.mu.Unlock()
}

// LastAdvertisement returns the most recent advertisement observed for this
// device, if any.
func (d *Device) LastAdvertisement() (adapter.Advertisement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAdv, d.hasAdv
}

// setWriteReady flips the readiness flag and reports whether it changed.
// The caller publishes the resulting event, keeping the side effect visible
// at the transition site.
func (d *Device) setWriteReady(ready bool) bool {
	d.mu.Lock()
	changed := d.writeReady != ready
	d.writeReady = ready
	d.mu.Unlock()
	return changed
}

// publishReadiness pushes a readiness flip to subscribers.
func (d *Device) publishReadiness(ready bool) {
	d.readiness.Send(ready)
}
