// Package cache holds the most recently seen advertisements, deduplicated
// by peripheral identity and bounded by age. Downstream consumers (the
// auto-connect scheduler, the application) react to its added/removed
// events rather than to the raw advertisement stream.
package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/ringchan"
)

// EventType marks whether an identity entered or left the cache.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
)

func (t EventType) String() string {
	if t == EventAdded {
		return "added"
	}
	return "removed"
}

// Event is a cache membership change.
type Event struct {
	Type          EventType
	Advertisement adapter.Advertisement
}

// Entry is one cached advertisement with its sighting window.
type Entry struct {
	Advertisement adapter.Advertisement
	FirstSeen     time.Time
	LastSeen      time.Time
}

type record struct {
	adv       adapter.Advertisement
	firstSeen time.Time
	lastSeen  time.Time
	pinned    bool
	pinnedAt  time.Time
}

// Cache is the process-wide scan-result cache. One entry per identity;
// entries not refreshed within maxAge are evicted on Sweep. A pinned entry
// survives sweeps until its deferred unpin fires.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*record
	maxAge  time.Duration

	events *ringchan.Ring[Event]
	logger *logrus.Logger
	clock  func() time.Time
}

const eventBuffer = 128

// New creates a Cache evicting entries older than maxAge.
func New(maxAge time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{
		entries: make(map[string]*record),
		maxAge:  maxAge,
		events:  ringchan.New[Event](eventBuffer),
		logger:  logger,
		clock:   time.Now,
	}
}

// Events returns the membership change stream. The stream is bounded with
// overwrite-oldest semantics; consumers that fall behind lose the oldest
// events, never block the scanner.
func (c *Cache) Events() <-chan Event {
	return c.events.C()
}

// OnAdvertisement upserts the entry for adv's identity, refreshing its
// last-seen timestamp. Reports whether the identity was newly added, in
// which case an added event has been emitted.
func (c *Cache) OnAdvertisement(adv adapter.Advertisement) bool {
	c.mu.Lock()
	ev := c.upsertLocked(adv)
	c.mu.Unlock()

	if ev != nil {
		c.logger.WithFields(logrus.Fields{
			"identity": adv.Identity,
			"name":     adv.Name,
			"rssi":     adv.RSSI,
		}).Debug("New peripheral cached")
		c.events.Send(*ev)
		return true
	}
	return false
}

// Sweep evicts every unpinned entry older than maxAge, emitting one removed
// event per eviction. Returns the emitted events.
func (c *Cache) Sweep() []Event {
	now := c.clock()

	c.mu.Lock()
	var removed []Event
	for id, rec := range c.entries {
		if rec.pinned {
			continue
		}
		if now.Sub(rec.lastSeen) > c.maxAge {
			delete(c.entries, id)
			removed = append(removed, Event{Type: EventRemoved, Advertisement: rec.adv})
		}
	}
	c.mu.Unlock()

	for _, ev := range removed {
		c.logger.WithField("identity", ev.Advertisement.Identity).Debug("Stale scan result evicted")
		c.events.Send(ev)
	}
	return removed
}

// GetAll returns a snapshot of cached entries matching pred. A nil pred
// matches everything. Order is unspecified (set semantics).
func (c *Cache) GetAll(pred func(Entry) bool) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, rec := range c.entries {
		e := Entry{Advertisement: rec.adv, FirstSeen: rec.firstSeen, LastSeen: rec.lastSeen}
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the cached entry for identity, if present.
func (c *Cache) Get(identity string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return Entry{Advertisement: rec.adv, FirstSeen: rec.firstSeen, LastSeen: rec.lastSeen}, true
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Pin (re)inserts a synthetic entry for adv and shields it from sweeps.
// Called right after a disconnect so dependents do not observe a spurious
// removal while a fresh advertisement is awaited.
func (c *Cache) Pin(adv adapter.Advertisement) {
	now := c.clock()

	c.mu.Lock()
	rec, ok := c.entries[adv.Identity]
	var ev *Event
	if !ok {
		rec = &record{adv: adv, firstSeen: now, lastSeen: now}
		c.entries[adv.Identity] = rec
		ev = &Event{Type: EventAdded, Advertisement: adv}
	}
	rec.pinned = true
	rec.pinnedAt = now
	c.mu.Unlock()

	if ev != nil {
		c.events.Send(*ev)
	}
}

// UnpinAfter schedules removal of the pinned entry once the grace delay
// elapses. The entry survives if a genuinely newer advertisement arrived in
// the interim; freshness is judged by last-seen age so a contending real
// sighting is never deleted.
func (c *Cache) UnpinAfter(identity string, after time.Duration) {
	time.AfterFunc(after, func() {
		ev := c.unpin(identity)
		if ev != nil {
			c.logger.WithField("identity", identity).Debug("Pinned scan result expired")
			c.events.Send(*ev)
		}
	})
}

func (c *Cache) unpin(identity string) *Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[identity]
	if !ok || !rec.pinned {
		return nil
	}
	rec.pinned = false
	if rec.lastSeen.After(rec.pinnedAt) {
		// A real advertisement refreshed the entry while pinned; it stays.
		return nil
	}
	delete(c.entries, identity)
	return &Event{Type: EventRemoved, Advertisement: rec.adv}
}

// upsertLocked refreshes or creates the record for adv and returns the
// added event to publish, if any. Caller must hold c.mu.
func (c *Cache) upsertLocked(adv adapter.Advertisement) *Event {
	now := c.clock()
	if rec, ok := c.entries[adv.Identity]; ok {
		rec.adv = adv
		rec.lastSeen = now
		return nil
	}
	c.entries[adv.Identity] = &record{adv: adv, firstSeen: now, lastSeen: now}
	return &Event{Type: EventAdded, Advertisement: adv}
}
