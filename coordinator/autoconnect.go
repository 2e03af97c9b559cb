package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/groutine"
)

// noteSighting records one qualifying sighting (advertisement or bonded
// listing) for an enabled device and, once the debounce threshold is met,
// kicks off a connect attempt. The debounce lets transient advertisement
// data settle (a name often resolves only after a few packets); counters
// are per-identity and reset once acted upon.
func (co *Coordinator) noteSighting(d *device.Device) {
	identity := d.Identity()

	co.sightMu.Lock()
	co.sightings[identity]++
	count := co.sightings[identity]
	co.sightMu.Unlock()

	if count < co.cfg.SightingThreshold {
		return
	}
	if d.Paused() {
		// Not acted upon: the counter stays armed so the next sighting
		// after the pause window retries immediately.
		return
	}
	if d.Connection().State() != device.StateDisconnected {
		return
	}

	// Per-identity in-flight marker: the check-and-set prevents duplicate
	// concurrent attempts from overlapping advertisement events.
	if !co.inflight.Insert(identity, struct{}{}) {
		return
	}
	co.resetSightings(identity)

	groutine.Go(co.ctx, "connect/"+identity, func(ctx context.Context) {
		defer co.inflight.Del(identity)
		co.attemptConnect(ctx, d)
	})
}

func (co *Coordinator) resetSightings(identity string) {
	co.sightMu.Lock()
	delete(co.sightings, identity)
	co.sightMu.Unlock()
}

// attemptConnect runs one full connect attempt under the action lock:
// optional pre-connect delay, bounded connect, then service discovery and
// notification-ready state. Any failure cleans up the half-open session and
// starts the device's retry window.
func (co *Coordinator) attemptConnect(ctx context.Context, d *device.Device) {
	identity := d.Identity()

	if co.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(co.cfg.ConnectDelay):
		case <-ctx.Done():
			return
		}
	}

	release, err := co.actions.Acquire(ctx, "connect/"+identity)
	if err != nil {
		return
	}
	defer release()

	// Re-check after the wait: a DisableAutoConnect or Pause issued while
	// queued must cancel a not-yet-started attempt.
	if !co.AutoConnectEnabled(identity) || d.Paused() {
		return
	}

	// Bonded-device sightings carry no advertisement; seed the device's
	// last-known one from the cache if it has none yet.
	if entry, ok := co.results.Get(identity); ok {
		d.InitAdvertisement(entry.Advertisement)
	}

	conn := d.Connection()
	if !conn.BeginConnecting() {
		return
	}

	co.logger.WithField("identity", identity).Info("Connecting")
	if err := co.radio.Connect(ctx, identity, co.cfg.ConnectTimeout); err != nil {
		co.logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Connect attempt failed")
		co.teardownSession(d)
		return
	}

	if err := conn.HandleConnected(ctx); err != nil {
		// Discovery exhausted or the link dropped mid-discovery: the
		// session is unusable, force a disconnect.
		co.logger.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Session setup failed, disconnecting")
		co.teardownSession(d)
		return
	}

	co.logger.WithFields(logrus.Fields{
		"identity": identity,
		"services": len(conn.Services()),
	}).Info("Device ready")
}

// teardownSession issues a best-effort bounded disconnect for a failed
// attempt and applies the standard disconnect policy. A timed-out
// disconnect is not retried.
func (co *Coordinator) teardownSession(d *device.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), co.cfg.DisconnectTimeout)
	defer cancel()
	if err := co.radio.Disconnect(ctx, d.Identity(), co.cfg.DisconnectTimeout); err != nil {
		co.logger.WithFields(logrus.Fields{
			"identity": d.Identity(),
			"error":    err,
		}).Debug("Cleanup disconnect failed")
	}
	co.onDisconnected(d)
}
