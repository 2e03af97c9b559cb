package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type HealthTestSuite struct {
	suite.Suite

	co   *Coordinator
	fake *testutils.FakeAdapter
}

func (suite *HealthTestSuite) SetupTest() {
	suite.co, suite.fake = newTestCoordinator(testConfig())
}

func (suite *HealthTestSuite) TearDownTest() {
	suite.co.Stop()
}

func (suite *HealthTestSuite) TestTickSweepsStaleCacheEntries() {
	cfg := testConfig()
	cfg.MaxScanResultAge = time.Millisecond
	co, _ := newTestCoordinator(cfg)
	defer co.Stop()

	co.handleAdvertisement(adv(testIdentity, -50))
	suite.Require().Equal(1, co.Cache().Len())

	time.Sleep(5 * time.Millisecond)
	co.healthTick(context.Background())
	suite.Assert().Equal(0, co.Cache().Len())
}

func (suite *HealthTestSuite) TestTickRecoversStuckLock() {
	// GOAL: Verify the stuck-lock escape hatch
	//
	// TEST SCENARIO: Lock held past the busy timeout → a tick force-releases
	// it so queued actions can proceed

	suite.co.cfg.LockBusyTimeout = time.Millisecond
	_, err := suite.co.actions.Acquire(context.Background(), "wedged-op")
	suite.Require().NoError(err)

	time.Sleep(5 * time.Millisecond)
	suite.co.healthTick(context.Background())

	suite.Assert().Equal("", suite.co.actions.Holder(), "stuck lock MUST be force-released")
}

func (suite *HealthTestSuite) TestTickLeavesHealthyLockAlone() {
	release, err := suite.co.actions.Acquire(context.Background(), "live-op")
	suite.Require().NoError(err)
	defer release()

	suite.co.healthTick(context.Background())
	suite.Assert().Equal("live-op", suite.co.actions.Holder())
}

func (suite *HealthTestSuite) TestTickRestartsQuietScan() {
	// GOAL: Verify scan liveness recovery
	//
	// TEST SCENARIO: No advertisement within the scan timeout → the running
	// scan is cancelled (the supervisor then starts a fresh one) and the
	// quiet timer re-arms

	suite.co.cfg.ScanTimeout = time.Second

	restarted := false
	suite.co.scanMu.Lock()
	suite.co.scanCancel = func() { restarted = true }
	suite.co.scanMu.Unlock()

	now := time.Now()
	suite.co.clock = func() time.Time { return now }
	suite.co.lastAdvMu.Lock()
	suite.co.lastAdvAt = now.Add(-2 * time.Second)
	suite.co.lastAdvMu.Unlock()

	suite.co.healthTick(context.Background())

	suite.Assert().True(restarted)
	suite.Assert().Equal(time.Duration(0), suite.co.sinceLastAdvertisement(),
		"quiet timer MUST re-arm after a restart")
}

func (suite *HealthTestSuite) TestTickRoutesBondedDevices() {
	// GOAL: Verify bonded peripherals reconnect without advertising
	//
	// TEST SCENARIO: Adapter lists a bonded, enabled, never-advertising
	// device → ticks accumulate sightings and an auto-connect attempt runs

	suite.co.cfg.SightingThreshold = 2
	suite.fake.BondedFunc = func() ([]string, error) {
		return []string{testIdentity}, nil
	}

	d, err := suite.co.Register(testIdentity, nil)
	suite.Require().NoError(err)
	suite.co.EnableAutoConnect(d)

	suite.co.healthTick(context.Background())
	suite.Assert().Empty(suite.fake.Calls("connect"))

	suite.co.healthTick(context.Background())
	suite.Require().Eventually(func() bool {
		return d.Connection().State() == device.StateReady
	}, 2*time.Second, 5*time.Millisecond)
}

func (suite *HealthTestSuite) TestTickDisconnectsUntrackedSessions() {
	// GOAL: Verify session reconciliation
	//
	// TEST SCENARIO: Adapter reports a session for an identity the engine
	// does not track → the tick force-disconnects it; a tracked ready
	// session on the same list is left alone

	tracked, err := suite.co.Register(testIdentity, nil)
	suite.Require().NoError(err)
	conn := tracked.Connection()
	suite.Require().True(conn.BeginConnecting())
	suite.Require().NoError(conn.HandleConnected(context.Background()))

	suite.fake.SessionsFunc = func() ([]string, error) {
		return []string{testIdentity, "11:22:33:44:55:66"}, nil
	}

	suite.co.healthTick(context.Background())

	disconnects := suite.fake.Calls("disconnect")
	suite.Require().Len(disconnects, 1)
	suite.Assert().Equal("11:22:33:44:55:66", disconnects[0].Identity)
	suite.Assert().Equal(device.StateReady, conn.State())
}

func (suite *HealthTestSuite) TestTickDisconnectsSessionTrackedAsDisconnected() {
	tracked, err := suite.co.Register(testIdentity, nil)
	suite.Require().NoError(err)
	suite.Require().Equal(device.StateDisconnected, tracked.Connection().State())

	suite.fake.SessionsFunc = func() ([]string, error) {
		return []string{testIdentity}, nil
	}

	suite.co.healthTick(context.Background())

	disconnects := suite.fake.Calls("disconnect")
	suite.Require().Len(disconnects, 1)
	suite.Assert().Equal(testIdentity, disconnects[0].Identity)
}

func TestHealthTestSuite(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}
