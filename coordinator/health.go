package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/device"
)

// healthLoop runs the periodic reconciliation tick.
func (co *Coordinator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(co.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.healthTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// healthTick performs one pass, in order: cache sweep, bonded-device
// routing, scan liveness, stuck-lock recovery, session reconciliation.
func (co *Coordinator) healthTick(ctx context.Context) {
	co.results.Sweep()
	co.routeBondedDevices(ctx)

	if co.sinceLastAdvertisement() > co.cfg.ScanTimeout {
		co.logger.WithField("quiet", co.sinceLastAdvertisement()).Warn("No advertisements observed, restarting scan")
		co.touchAdvertisement()
		co.restartScan()
	}

	if held := co.actions.HeldFor(); held > co.cfg.LockBusyTimeout {
		co.logger.WithFields(logrus.Fields{
			"holder": co.actions.Holder(),
			"held":   held,
		}).Error("Action lock stuck, recovering")
		co.actions.ForceRelease()
	}

	co.reconcileSessions(ctx)
}

// routeBondedDevices feeds platform-bonded peripherals enabled for
// auto-connect through the scheduler, so a bonded device reconnects even
// when it never advertises into the cache.
func (co *Coordinator) routeBondedDevices(ctx context.Context) {
	bonded, err := co.radio.BondedDevices(ctx)
	if err != nil {
		co.logger.WithField("error", err).Debug("Bonded device query failed")
		return
	}
	for _, identity := range bonded {
		d, ok := co.devices.Get(identity)
		if !ok || !co.AutoConnectEnabled(identity) {
			continue
		}
		co.noteSighting(d)
	}
}

// reconcileSessions forces the adapter's connected-session list and the
// tracked Connection states back into agreement. Untracked sessions are
// disconnected; sessions the adapter reports while the tracked Connection
// says disconnected are force-disconnected.
func (co *Coordinator) reconcileSessions(ctx context.Context) {
	sessions, err := co.radio.ConnectedSessions(ctx)
	if err != nil {
		co.logger.WithField("error", err).Debug("Connected session query failed")
		return
	}

	for _, identity := range sessions {
		d, tracked := co.devices.Get(identity)
		if tracked && d.Connection().State() != device.StateDisconnected {
			continue
		}

		co.logger.WithFields(logrus.Fields{
			"identity": identity,
			"tracked":  tracked,
		}).Warn("Adapter session with no live tracked connection, disconnecting")
		if err := co.radio.Disconnect(ctx, identity, co.cfg.DisconnectTimeout); err != nil {
			co.logger.WithFields(logrus.Fields{
				"identity": identity,
				"error":    err,
			}).Debug("Reconciliation disconnect failed")
		}
	}
}
