// Package goble implements the adapter port on top of go-ble/ble, with
// BlueZ D-Bus answering the platform queries (bonding, session list) that
// go-ble does not expose.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/adapter/bluez"
	"github.com/srg/blecoord/internal/groutine"
)

const connEventBuffer = 32

// NotificationHandler receives characteristic notification payloads.
type NotificationHandler func(identity, characteristic string, data []byte)

// Radio is the production adapter. It owns one go-ble device, tracks live
// clients per peripheral, and caches the discovered profile so writes can
// resolve characteristic handles.
type Radio struct {
	dev      ble.Device
	platform *bluez.Client
	logger   *logrus.Logger

	mu       sync.Mutex
	clients  map[string]ble.Client
	profiles map[string]*ble.Profile

	events   chan adapter.ConnEvent
	onNotify NotificationHandler
}

var _ adapter.Adapter = (*Radio)(nil)

// New opens the platform radio. onNotify may be nil.
func New(logger *logrus.Logger, onNotify NotificationHandler) (*Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, fmt.Errorf("open BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	platform, err := bluez.New()
	if err != nil {
		logger.WithField("error", err).Warn("BlueZ unavailable, bonded-device queries disabled")
		platform = nil
	}

	return &Radio{
		dev:      dev,
		platform: platform,
		logger:   logger,
		clients:  make(map[string]ble.Client),
		profiles: make(map[string]*ble.Profile),
		events:   make(chan adapter.ConnEvent, connEventBuffer),
		onNotify: onNotify,
	}, nil
}

// Scan streams advertisements until ctx ends.
func (r *Radio) Scan(ctx context.Context, handler func(adapter.Advertisement)) error {
	err := r.dev.Scan(ctx, true, func(a ble.Advertisement) {
		handler(adapter.Advertisement{
			Identity: a.Addr().String(),
			Name:     a.LocalName(),
			RSSI:     a.RSSI(),
			Raw:      a.ManufacturerData(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return adapter.Normalize(err)
	}
	return nil
}

func (r *Radio) Connect(ctx context.Context, identity string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(dialCtx, ble.NewAddr(identity))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &adapter.OpError{Op: "connect", Identity: identity, Err: adapter.ErrTimeout}
		}
		return &adapter.OpError{Op: "connect", Identity: identity, Err: adapter.Normalize(err)}
	}

	r.mu.Lock()
	r.clients[identity] = client
	r.mu.Unlock()
	r.emit(adapter.ConnEvent{Identity: identity, State: adapter.ConnStateConnected})

	groutine.Go(context.Background(), "link-watch/"+identity, func(context.Context) {
		<-client.Disconnected()
		if r.drop(identity, client) {
			r.logger.WithField("identity", identity).Info("Radio reported disconnection")
			r.emit(adapter.ConnEvent{Identity: identity, State: adapter.ConnStateDisconnected})
		}
	})
	return nil
}

func (r *Radio) Disconnect(ctx context.Context, identity string, timeout time.Duration) error {
	r.mu.Lock()
	client, ok := r.clients[identity]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.bounded(ctx, timeout, func() error {
		return client.CancelConnection()
	})
	if err != nil {
		return &adapter.OpError{Op: "disconnect", Identity: identity, Err: err}
	}
	return nil
}

func (r *Radio) DiscoverServices(ctx context.Context, identity string, timeout time.Duration) ([]adapter.Service, error) {
	client, err := r.client(identity)
	if err != nil {
		return nil, err
	}

	var profile *ble.Profile
	err = r.bounded(ctx, timeout, func() error {
		var derr error
		profile, derr = client.DiscoverProfile(true)
		return derr
	})
	if err != nil {
		return nil, &adapter.OpError{Op: "discover", Identity: identity, Err: err}
	}

	r.mu.Lock()
	r.profiles[identity] = profile
	r.mu.Unlock()

	services := make([]adapter.Service, 0, len(profile.Services))
	for _, svc := range profile.Services {
		out := adapter.Service{UUID: svc.UUID.String()}
		for _, ch := range svc.Characteristics {
			out.Characteristics = append(out.Characteristics, adapter.Characteristic{
				UUID:       ch.UUID.String(),
				CanRead:    ch.Property&ble.CharRead != 0,
				CanWrite:   ch.Property&(ble.CharWrite|ble.CharWriteNR) != 0,
				CanNotify:  ch.Property&(ble.CharNotify|ble.CharIndicate) != 0,
				NoResponse: ch.Property&ble.CharWriteNR != 0,
			})
		}
		services = append(services, out)
	}
	return services, nil
}

func (r *Radio) Write(ctx context.Context, identity, characteristic string, payload []byte, withResponse bool, timeout time.Duration) error {
	client, char, err := r.characteristic(identity, characteristic)
	if err != nil {
		return err
	}

	err = r.bounded(ctx, timeout, func() error {
		return client.WriteCharacteristic(char, payload, !withResponse)
	})
	if err != nil {
		return &adapter.OpError{Op: "write", Identity: identity, Err: err}
	}
	return nil
}

func (r *Radio) SetNotify(ctx context.Context, identity, characteristic string, enable bool, timeout time.Duration) (bool, error) {
	client, char, err := r.characteristic(identity, characteristic)
	if err != nil {
		return false, err
	}

	err = r.bounded(ctx, timeout, func() error {
		if enable {
			return client.Subscribe(char, false, func(data []byte) {
				if r.onNotify != nil {
					r.onNotify(identity, characteristic, data)
				}
			})
		}
		return client.Unsubscribe(char, false)
	})
	if err != nil {
		return false, &adapter.OpError{Op: "notify", Identity: identity, Err: err}
	}
	return enable, nil
}

func (r *Radio) ConnectionEvents() <-chan adapter.ConnEvent {
	return r.events
}

func (r *Radio) BondedDevices(ctx context.Context) ([]string, error) {
	if r.platform == nil {
		return nil, nil
	}
	return r.platform.BondedDevices(ctx)
}

// ConnectedSessions merges the platform's view with locally tracked
// clients; reconciliation needs both sides.
func (r *Radio) ConnectedSessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	if r.platform != nil {
		ids, err := r.platform.ConnectedSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	r.mu.Lock()
	for id := range r.clients {
		if _, dup := seen[id]; !dup {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	return out, nil
}

// client resolves the live client for identity.
func (r *Radio) client(identity string) (ble.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[identity]
	if !ok {
		return nil, &adapter.OpError{Op: "lookup", Identity: identity, Err: adapter.ErrNotConnected}
	}
	return client, nil
}

// characteristic resolves a characteristic handle from the cached profile.
func (r *Radio) characteristic(identity, uuid string) (ble.Client, *ble.Characteristic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[identity]
	if !ok {
		return nil, nil, &adapter.OpError{Op: "lookup", Identity: identity, Err: adapter.ErrNotConnected}
	}
	profile, ok := r.profiles[identity]
	if !ok {
		return nil, nil, &adapter.OpError{Op: "lookup", Identity: identity, Err: fmt.Errorf("no discovered profile")}
	}

	target := ble.MustParse(uuid)
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			if ch.UUID.Equal(target) {
				return client, ch, nil
			}
		}
	}
	return nil, nil, &adapter.OpError{Op: "lookup", Identity: identity, Err: fmt.Errorf("characteristic %s not found", uuid)}
}

// drop removes the tracked client if it is still the current one; a stale
// watcher from a previous session must not clobber a fresh connection.
func (r *Radio) drop(identity string, client ble.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[identity] != client {
		return false
	}
	delete(r.clients, identity)
	delete(r.profiles, identity)
	return true
}

// emit publishes a connection event without ever blocking the radio path.
func (r *Radio) emit(ev adapter.ConnEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.WithField("identity", ev.Identity).Warn("Connection event dropped, consumer too slow")
	}
}

// bounded runs op with a hard time bound; go-ble calls do not take a
// context, so the bound is enforced from outside.
func (r *Radio) bounded(ctx context.Context, timeout time.Duration, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return adapter.Normalize(err)
	case <-timer.C:
		return fmt.Errorf("%w after %v", adapter.ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
