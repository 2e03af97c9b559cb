package cache

import (
	"testing"
	"time"

	"github.com/srg/blecoord/internal/adapter"
	"github.com/stretchr/testify/suite"
)

type CacheTestSuite struct {
	suite.Suite

	cache *Cache
	now   time.Time
}

func (suite *CacheTestSuite) SetupTest() {
	suite.cache = New(30*time.Second, nil)
	suite.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.cache.clock = func() time.Time { return suite.now }
}

func (suite *CacheTestSuite) advance(d time.Duration) {
	suite.now = suite.now.Add(d)
}

func adv(identity string) adapter.Advertisement {
	return adapter.Advertisement{Identity: identity, Name: "dev-" + identity, RSSI: -50}
}

func (suite *CacheTestSuite) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-suite.cache.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (suite *CacheTestSuite) TestAddedEventOncePerIdentity() {
	// GOAL: Verify exactly one added event per unseen identity
	//
	// TEST SCENARIO: Same identity advertised three times → one added event,
	// one cache entry with refreshed last-seen

	suite.Assert().True(suite.cache.OnAdvertisement(adv("AA")))
	suite.advance(time.Second)
	suite.Assert().False(suite.cache.OnAdvertisement(adv("AA")))
	suite.Assert().False(suite.cache.OnAdvertisement(adv("AA")))

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.Assert().Equal(EventAdded, events[0].Type)
	suite.Assert().Equal("AA", events[0].Advertisement.Identity)

	entry, ok := suite.cache.Get("AA")
	suite.Require().True(ok)
	suite.Assert().Equal(time.Second, entry.LastSeen.Sub(entry.FirstSeen), "last-seen MUST be refreshed on re-sighting")
}

func (suite *CacheTestSuite) TestSweepEvictsStaleEntries() {
	// GOAL: Verify sweep removes exactly the entries older than maxResultAge
	//
	// TEST SCENARIO: Two entries, one refreshed → sweep after TTL → one
	// removed event, one survivor

	suite.cache.OnAdvertisement(adv("AA"))
	suite.cache.OnAdvertisement(adv("BB"))

	suite.advance(29 * time.Second)
	suite.cache.OnAdvertisement(adv("BB")) // refresh

	suite.advance(2 * time.Second) // AA is now 31s old, BB 2s
	suite.drainEvents()

	removed := suite.cache.Sweep()
	suite.Require().Len(removed, 1)
	suite.Assert().Equal(EventRemoved, removed[0].Type)
	suite.Assert().Equal("AA", removed[0].Advertisement.Identity)

	_, ok := suite.cache.Get("AA")
	suite.Assert().False(ok, "swept entry MUST disappear from the cache")
	suite.Assert().Equal(1, suite.cache.Len())

	suite.Assert().Empty(suite.cache.Sweep(), "second sweep MUST find nothing")
}

func (suite *CacheTestSuite) TestGetAllWithPredicate() {
	suite.cache.OnAdvertisement(adapter.Advertisement{Identity: "AA", RSSI: -80})
	suite.cache.OnAdvertisement(adapter.Advertisement{Identity: "BB", RSSI: -40})

	strong := suite.cache.GetAll(func(e Entry) bool { return e.Advertisement.RSSI > -50 })
	suite.Require().Len(strong, 1)
	suite.Assert().Equal("BB", strong[0].Advertisement.Identity)

	suite.Assert().Len(suite.cache.GetAll(nil), 2, "nil predicate MUST match everything")
}

func (suite *CacheTestSuite) TestPinShieldsEntryFromSweep() {
	// GOAL: Verify a pinned entry survives sweeps until unpinned
	//
	// TEST SCENARIO: Entry pinned after disconnect → TTL passes → sweep keeps
	// it and emits no removed event

	suite.cache.OnAdvertisement(adv("AA"))
	suite.cache.Pin(adv("AA"))

	suite.advance(time.Minute)
	suite.Assert().Empty(suite.cache.Sweep(), "pinned entry MUST survive the sweep")

	_, ok := suite.cache.Get("AA")
	suite.Assert().True(ok)
}

func (suite *CacheTestSuite) TestPinReinsertsAfterEviction() {
	// GOAL: Verify pinning an absent identity re-inserts a synthetic entry
	//
	// TEST SCENARIO: Identity not cached → Pin → entry present, one added
	// event so dependents see consistent membership

	suite.cache.Pin(adv("AA"))

	entry, ok := suite.cache.Get("AA")
	suite.Require().True(ok)
	suite.Assert().Equal("AA", entry.Advertisement.Identity)

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.Assert().Equal(EventAdded, events[0].Type)
}

func (suite *CacheTestSuite) TestDeferredUnpinRemovesStalePin() {
	// GOAL: Verify the deferred unpin removes the synthetic entry when no
	// fresh advertisement arrived
	//
	// TEST SCENARIO: Pin → no new sighting → unpin fires → entry gone, one
	// removed event

	suite.cache.OnAdvertisement(adv("AA"))
	suite.drainEvents()
	suite.cache.Pin(adv("AA"))

	suite.cache.UnpinAfter("AA", 5*time.Millisecond)
	suite.Require().Eventually(func() bool {
		_, ok := suite.cache.Get("AA")
		return !ok
	}, time.Second, time.Millisecond, "stale pin MUST be removed")

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.Assert().Equal(EventRemoved, events[0].Type)
}

func (suite *CacheTestSuite) TestDeferredUnpinKeepsFreshEntry() {
	// GOAL: Verify a genuinely newer advertisement wins over the deferred unpin
	//
	// TEST SCENARIO: Pin, then a real sighting refreshes last-seen → unpin
	// fires → entry stays, no removed event

	suite.cache.OnAdvertisement(adv("AA"))
	suite.cache.Pin(adv("AA"))

	suite.advance(time.Second)
	suite.cache.OnAdvertisement(adv("AA"))
	suite.drainEvents()

	suite.cache.UnpinAfter("AA", time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := suite.cache.Get("AA")
	suite.Assert().True(ok, "refreshed entry MUST survive the unpin")
	suite.Assert().Empty(suite.drainEvents())

	// No longer pinned: the next TTL expiry sweeps it normally.
	suite.advance(time.Minute)
	suite.Assert().Len(suite.cache.Sweep(), 1)
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}
