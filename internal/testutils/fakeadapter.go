// Package testutils provides the scripted fake radio used across the
// engine's test suites.
package testutils

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
)

// NewTestLogger returns a quiet logger for suites. Crank the level up when
// debugging a test.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// Call records one adapter invocation.
type Call struct {
	Op             string // "connect", "disconnect", "discover", "write", "notify"
	Identity       string
	Characteristic string
	Payload        []byte
	WithResponse   bool
}

// FakeAdapter is a scriptable adapter.Adapter. Behavior hooks default to
// immediate success; every invocation is recorded for assertions. Tests
// feed advertisements with Advertise and link loss with ReportDisconnect.
type FakeAdapter struct {
	mu    sync.Mutex
	calls []Call

	advCh  chan adapter.Advertisement
	events chan adapter.ConnEvent

	ConnectFunc    func(identity string) error
	DisconnectFunc func(identity string) error
	DiscoverFunc   func(identity string) ([]adapter.Service, error)
	WriteFunc      func(identity, characteristic string, payload []byte, withResponse bool) error
	NotifyFunc     func(identity, characteristic string, enable bool) (bool, error)
	BondedFunc     func() ([]string, error)
	SessionsFunc   func() ([]string, error)
}

var _ adapter.Adapter = (*FakeAdapter)(nil)

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		advCh:  make(chan adapter.Advertisement, 64),
		events: make(chan adapter.ConnEvent, 64),
	}
}

// Advertise feeds one advertisement into the running scan stream.
func (f *FakeAdapter) Advertise(adv adapter.Advertisement) {
	f.advCh <- adv
}

// ReportDisconnect emits an adapter-level link-loss event.
func (f *FakeAdapter) ReportDisconnect(identity string) {
	f.events <- adapter.ConnEvent{Identity: identity, State: adapter.ConnStateDisconnected}
}

// Calls returns the recorded invocations for op, in order.
func (f *FakeAdapter) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// WrittenPayloads returns the payload of every write call, in order.
func (f *FakeAdapter) WrittenPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, c := range f.calls {
		if c.Op == "write" {
			buf := make([]byte, len(c.Payload))
			copy(buf, c.Payload)
			out = append(out, buf)
		}
	}
	return out
}

func (f *FakeAdapter) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *FakeAdapter) Scan(ctx context.Context, handler func(adapter.Advertisement)) error {
	for {
		select {
		case adv := <-f.advCh:
			handler(adv)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *FakeAdapter) Connect(ctx context.Context, identity string, timeout time.Duration) error {
	f.record(Call{Op: "connect", Identity: identity})
	if f.ConnectFunc != nil {
		return f.ConnectFunc(identity)
	}
	return nil
}

func (f *FakeAdapter) Disconnect(ctx context.Context, identity string, timeout time.Duration) error {
	f.record(Call{Op: "disconnect", Identity: identity})
	if f.DisconnectFunc != nil {
		return f.DisconnectFunc(identity)
	}
	return nil
}

func (f *FakeAdapter) DiscoverServices(ctx context.Context, identity string, timeout time.Duration) ([]adapter.Service, error) {
	f.record(Call{Op: "discover", Identity: identity})
	if f.DiscoverFunc != nil {
		return f.DiscoverFunc(identity)
	}
	return Services(1), nil
}

func (f *FakeAdapter) Write(ctx context.Context, identity, characteristic string, payload []byte, withResponse bool, timeout time.Duration) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.record(Call{Op: "write", Identity: identity, Characteristic: characteristic, Payload: buf, WithResponse: withResponse})
	if f.WriteFunc != nil {
		return f.WriteFunc(identity, characteristic, payload, withResponse)
	}
	return nil
}

func (f *FakeAdapter) SetNotify(ctx context.Context, identity, characteristic string, enable bool, timeout time.Duration) (bool, error) {
	f.record(Call{Op: "notify", Identity: identity, Characteristic: characteristic})
	if f.NotifyFunc != nil {
		return f.NotifyFunc(identity, characteristic, enable)
	}
	return enable, nil
}

func (f *FakeAdapter) ConnectionEvents() <-chan adapter.ConnEvent {
	return f.events
}

func (f *FakeAdapter) BondedDevices(ctx context.Context) ([]string, error) {
	if f.BondedFunc != nil {
		return f.BondedFunc()
	}
	return nil, nil
}

func (f *FakeAdapter) ConnectedSessions(ctx context.Context) ([]string, error) {
	if f.SessionsFunc != nil {
		return f.SessionsFunc()
	}
	return nil, nil
}

// Services builds n distinct dummy services for discovery results.
func Services(n int) []adapter.Service {
	out := make([]adapter.Service, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, adapter.Service{
			UUID: []string{"180f", "180d", "1800", "1801", "1802"}[i%5],
			Characteristics: []adapter.Characteristic{
				{UUID: "2a19", CanRead: true, CanWrite: true},
			},
		})
	}
	return out
}
