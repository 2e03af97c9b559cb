// Package coordinator ties the engine together: it owns the device
// registry, supervises scanning, schedules auto-connects through the
// exclusive action lock, and runs the periodic health monitor. One
// Coordinator exists per radio; it is constructed explicitly and passed
// around, never ambient.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/cache"
	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/groutine"
	"github.com/srg/blecoord/internal/lock"
)

// ErrDuplicateRegistration reports a second Register call for an identity
// that already has a Device. Registering twice is a programming error.
var ErrDuplicateRegistration = errors.New("device already registered")

// scanRestartBackoff spaces out scan restarts when the driver keeps failing.
const scanRestartBackoff = time.Second

// Coordinator is the process-wide coordination context.
type Coordinator struct {
	cfg     *Config
	radio   adapter.Adapter
	actions *lock.ActionLock
	results *cache.Cache
	logger  *logrus.Logger

	devices  *hashmap.Map[string, *device.Device]
	enabled  *hashmap.Map[string, struct{}]
	inflight *hashmap.Map[string, struct{}]

	// sightings counts consecutive cache sightings per identity for the
	// auto-connect debounce.
	sightMu   sync.Mutex
	sightings map[string]int

	lastAdvMu sync.Mutex
	lastAdvAt time.Time

	scanMu     sync.Mutex
	scanCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	clock  func() time.Time
}

// New builds a Coordinator over the given radio adapter.
func New(cfg *Config, radio adapter.Adapter, logger *logrus.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		cfg:       cfg,
		radio:     radio,
		actions:   lock.New(logger),
		results:   cache.New(cfg.MaxScanResultAge, logger),
		logger:    logger,
		devices:   hashmap.New[string, *device.Device](),
		enabled:   hashmap.New[string, struct{}](),
		inflight:  hashmap.New[string, struct{}](),
		sightings: make(map[string]int),
		clock:     time.Now,
	}
}

// Cache exposes the scan-result cache (events, snapshots).
func (co *Coordinator) Cache() *cache.Cache { return co.results }

// Start launches the scan supervisor, the connection-event consumer and the
// health monitor. It returns immediately; Stop shuts everything down.
func (co *Coordinator) Start(ctx context.Context) {
	co.ctx, co.cancel = context.WithCancel(ctx)
	co.touchAdvertisement() // arm the scan-timeout from startup, not epoch

	groutine.Go(co.ctx, "scan-supervisor", co.scanLoop)
	groutine.Go(co.ctx, "conn-events", co.connEventLoop)
	groutine.Go(co.ctx, "health-monitor", co.healthLoop)
}

// Stop cancels all engine goroutines.
func (co *Coordinator) Stop() {
	if co.cancel != nil {
		co.cancel()
	}
}

// Register creates the Device for identity. Exactly one Device per identity
// may exist; a duplicate registration fails loudly.
func (co *Coordinator) Register(identity string, listener device.Listener) (*device.Device, error) {
	d := device.New(identity, listener, co.radio, co.cfg.tuning(), co.logger)
	if !co.devices.Insert(identity, d) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegistration, identity)
	}
	co.logger.WithField("identity", identity).Info("Device registered")
	return d, nil
}

// Unregister removes the Device for identity, disabling auto-connect and
// tearing down any live session best-effort.
func (co *Coordinator) Unregister(identity string) {
	d, ok := co.devices.Get(identity)
	if !ok {
		return
	}
	co.enabled.Del(identity)
	co.devices.Del(identity)
	co.resetSightings(identity)

	if d.Connection().State() != device.StateDisconnected {
		ctx, cancel := context.WithTimeout(context.Background(), co.cfg.DisconnectTimeout)
		defer cancel()
		if err := co.radio.Disconnect(ctx, identity, co.cfg.DisconnectTimeout); err != nil {
			co.logger.WithFields(logrus.Fields{
				"identity": identity,
				"error":    err,
			}).Warn("Disconnect on unregister failed")
		}
		d.Connection().HandleLinkLoss()
	}
	co.logger.WithField("identity", identity).Info("Device unregistered")
}

// Device returns the registered Device for identity, if any.
func (co *Coordinator) Device(identity string) (*device.Device, bool) {
	return co.devices.Get(identity)
}

// EnableAutoConnect marks d as a candidate for automatic connection.
func (co *Coordinator) EnableAutoConnect(d *device.Device) {
	co.enabled.Set(d.Identity(), struct{}{})
}

// DisableAutoConnect removes d from consideration immediately. An attempt
// that has not reached the lock yet will abort; one already past lock
// acquisition completes normally and d is simply not reconsidered.
func (co *Coordinator) DisableAutoConnect(d *device.Device) {
	co.enabled.Del(d.Identity())
	co.resetSightings(d.Identity())
}

// AutoConnectEnabled reports whether d participates in auto-connect.
func (co *Coordinator) AutoConnectEnabled(identity string) bool {
	_, ok := co.enabled.Get(identity)
	return ok
}

// SetNotify enables or disables notifications on a characteristic of d's
// session. Notification setup contends with the radio's exclusive
// operations, so the call is serialized through the action lock.
func (co *Coordinator) SetNotify(ctx context.Context, d *device.Device, characteristic string, enable bool) (bool, error) {
	release, err := co.actions.Acquire(ctx, "notify/"+d.Identity())
	if err != nil {
		return false, err
	}
	defer release()

	if d.Connection().State() != device.StateReady {
		return false, adapter.ErrNotConnected
	}
	return co.radio.SetNotify(ctx, d.Identity(), characteristic, enable, co.cfg.NotifyTimeout)
}

// scanLoop keeps one scan running, restarting it whenever the stream ends.
func (co *Coordinator) scanLoop(ctx context.Context) {
	for ctx.Err() == nil {
		scanCtx, cancel := context.WithCancel(ctx)
		co.scanMu.Lock()
		co.scanCancel = cancel
		co.scanMu.Unlock()

		co.logger.WithField("worker", groutine.Name(ctx)).Debug("Starting BLE scan")
		err := co.radio.Scan(scanCtx, co.handleAdvertisement)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			co.logger.WithField("error", err).Warn("Scan ended with error, restarting")
		}

		select {
		case <-time.After(scanRestartBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// restartScan aborts the running scan; the supervisor starts a fresh one.
func (co *Coordinator) restartScan() {
	co.scanMu.Lock()
	cancel := co.scanCancel
	co.scanMu.Unlock()
	if cancel != nil {
		co.logger.Info("Restarting BLE scan")
		cancel()
	}
}

// handleAdvertisement is the scan stream sink: refresh the cache, then give
// the auto-connect scheduler a chance to act on the sighting.
func (co *Coordinator) handleAdvertisement(adv adapter.Advertisement) {
	co.touchAdvertisement()
	co.results.OnAdvertisement(adv)

	d, ok := co.devices.Get(adv.Identity)
	if !ok {
		return
	}
	d.ObserveAdvertisement(adv)
	if co.AutoConnectEnabled(adv.Identity) {
		co.noteSighting(d)
	}
}

// connEventLoop consumes adapter-reported session state changes. Link loss
// from any state drives the Connection back to disconnected and pins the
// last advertisement so dependents see no spurious removal.
func (co *Coordinator) connEventLoop(ctx context.Context) {
	events := co.radio.ConnectionEvents()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State != adapter.ConnStateDisconnected {
				continue
			}
			if d, ok := co.devices.Get(ev.Identity); ok {
				co.onDisconnected(d)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onDisconnected applies the disconnect policy: state machine back to
// Disconnected (which flushes writes and restarts the retry window), then
// pin the last-known advertisement with a deferred conditional unpin.
func (co *Coordinator) onDisconnected(d *device.Device) {
	if !d.Connection().HandleLinkLoss() {
		return
	}
	if adv, ok := d.LastAdvertisement(); ok {
		co.results.Pin(adv)
		co.results.UnpinAfter(adv.Identity, co.cfg.PinGraceDelay)
	}
}

func (co *Coordinator) touchAdvertisement() {
	co.lastAdvMu.Lock()
	co.lastAdvAt = co.clock()
	co.lastAdvMu.Unlock()
}

func (co *Coordinator) sinceLastAdvertisement() time.Duration {
	co.lastAdvMu.Lock()
	defer co.lastAdvMu.Unlock()
	return co.clock().Sub(co.lastAdvAt)
}
