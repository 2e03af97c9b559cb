package device_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testChar = "2a19"

func testTuning() device.Tuning {
	return device.Tuning{
		ChunkSize:       0,
		WriteTimeout:    50 * time.Millisecond,
		NotReadyPoll:    2 * time.Millisecond,
		ChunkBudget:     200 * time.Millisecond,
		DiscoverTimeout: 50 * time.Millisecond,
		DiscoverDelay:   0,
		DiscoverRetries: 3,
		RetryDelay:      50 * time.Millisecond,
	}
}

// newReadyDevice drives a device through connect + discovery on the fake
// adapter so its pump is live.
func newReadyDevice(s *suite.Suite, fake *testutils.FakeAdapter, tuning device.Tuning) *device.Device {
	d := device.New("AA:BB:CC:DD:EE:FF", nil, fake, tuning, testutils.NewTestLogger())
	conn := d.Connection()
	s.Require().True(conn.BeginConnecting())
	s.Require().NoError(conn.HandleConnected(context.Background()))
	return d
}

type WriteQueueTestSuite struct {
	suite.Suite

	fake *testutils.FakeAdapter
}

func (suite *WriteQueueTestSuite) SetupTest() {
	suite.fake = testutils.NewFakeAdapter()
}

func (suite *WriteQueueTestSuite) await(req *device.WriteRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return req.Await(ctx)
}

func (suite *WriteQueueTestSuite) TestOrderedQueuePreservesOrder() {
	// GOAL: Verify enqueue delivers every payload in order
	//
	// TEST SCENARIO: Three ordered writes → adapter sees three payloads in
	// enqueue order, each notifier succeeds exactly once

	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())
	conn := d.Connection()

	reqs := []*device.WriteRequest{
		device.NewWriteRequest(testChar, []byte{1}, false),
		device.NewWriteRequest(testChar, []byte{2}, false),
		device.NewWriteRequest(testChar, []byte{3}, false),
	}
	for _, r := range reqs {
		conn.Enqueue(r)
	}
	for _, r := range reqs {
		suite.Require().NoError(suite.await(r))
	}

	suite.Assert().Equal([][]byte{{1}, {2}, {3}}, suite.fake.WrittenPayloads())
}

func (suite *WriteQueueTestSuite) TestPayloadCopiedAtEnqueue() {
	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())

	buf := []byte{42}
	req := device.NewWriteRequest(testChar, buf, false)
	buf[0] = 99 // caller reuses its buffer

	d.Connection().Enqueue(req)
	suite.Require().NoError(suite.await(req))
	suite.Assert().Equal([][]byte{{42}}, suite.fake.WrittenPayloads())
}

func (suite *WriteQueueTestSuite) TestOutQueueDrainsBeforeRealtime() {
	// GOAL: Verify ordered writes are never starved by realtime writes
	//
	// TEST SCENARIO: Pump blocked mid-write → realtime values published, then
	// another ordered write enqueued → ordered write transmits before any
	// realtime value

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	}

	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())
	conn := d.Connection()

	// HandleConnected does not write; the pump first blocks on req1.
	req1 := device.NewWriteRequest(testChar, []byte{1}, false)
	conn.Enqueue(req1)
	<-started

	rt := device.NewWriteRequest(testChar, []byte{100}, false)
	conn.PublishLatest("telemetry", rt)
	req2 := device.NewWriteRequest(testChar, []byte{2}, false)
	conn.Enqueue(req2)

	close(gate)
	suite.Require().NoError(suite.await(req1))
	suite.Require().NoError(suite.await(req2))
	suite.Require().NoError(suite.await(rt))

	suite.Assert().Equal([][]byte{{1}, {2}, {100}}, suite.fake.WrittenPayloads(),
		"out-queue items pending at the same time MUST dispatch before realtime items")
}

func (suite *WriteQueueTestSuite) TestLatestValueWins() {
	// GOAL: Verify only the most recent value per key is ever transmitted
	//
	// TEST SCENARIO: Three publishes on one key before dispatch → one write
	// with the last payload; superseded requests complete with ErrSuperseded

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	}

	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())
	conn := d.Connection()

	blocker := device.NewWriteRequest(testChar, []byte{0}, false)
	conn.Enqueue(blocker)
	<-started

	v1 := device.NewWriteRequest(testChar, []byte{1}, false)
	v2 := device.NewWriteRequest(testChar, []byte{2}, false)
	v3 := device.NewWriteRequest(testChar, []byte{3}, false)
	conn.PublishLatest("pos", v1)
	conn.PublishLatest("pos", v2)
	conn.PublishLatest("pos", v3)

	suite.Require().ErrorIs(suite.await(v1), device.ErrSuperseded)
	suite.Require().ErrorIs(suite.await(v2), device.ErrSuperseded)

	close(gate)
	suite.Require().NoError(suite.await(blocker))
	suite.Require().NoError(suite.await(v3))

	suite.Assert().Equal([][]byte{{0}, {3}}, suite.fake.WrittenPayloads(),
		"only the last published value MUST be transmitted")
}

func (suite *WriteQueueTestSuite) TestRealtimeKeysServeInFirstPendingOrder() {
	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	}

	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())
	conn := d.Connection()

	blocker := device.NewWriteRequest(testChar, []byte{0}, false)
	conn.Enqueue(blocker)
	<-started

	a := device.NewWriteRequest(testChar, []byte{10}, false)
	b := device.NewWriteRequest(testChar, []byte{20}, false)
	conn.PublishLatest("a", a)
	conn.PublishLatest("b", b)
	// Refreshing key "a" must not move it behind "b".
	a2 := device.NewWriteRequest(testChar, []byte{11}, false)
	conn.PublishLatest("a", a2)

	close(gate)
	suite.Require().NoError(suite.await(blocker))
	suite.Require().NoError(suite.await(a2))
	suite.Require().NoError(suite.await(b))

	suite.Assert().Equal([][]byte{{0}, {11}, {20}}, suite.fake.WrittenPayloads())
}

func (suite *WriteQueueTestSuite) TestChunkedTransmissionWithNotReadyRetries() {
	// GOAL: Verify chunking and the retryable not-ready poll
	//
	// TEST SCENARIO: chunkSize=4, payload=10 bytes → chunks 4,4,2; second
	// chunk not-ready twice then succeeds → 3 chunks delivered, success once

	var mu sync.Mutex
	notReadyLeft := 2
	var delivered [][]byte
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		mu.Lock()
		defer mu.Unlock()
		if len(delivered) == 1 && notReadyLeft > 0 {
			notReadyLeft--
			return fmt.Errorf("att: %w", adapter.ErrNotReady)
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		delivered = append(delivered, buf)
		return nil
	}

	tuning := testTuning()
	tuning.ChunkSize = 4
	d := newReadyDevice(&suite.Suite, suite.fake, tuning)

	req := device.NewWriteRequest(testChar, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, false)
	d.Connection().Enqueue(req)
	suite.Require().NoError(suite.await(req))

	mu.Lock()
	defer mu.Unlock()
	suite.Require().Len(delivered, 3, "exactly 3 chunks MUST be delivered")
	suite.Assert().Equal([]byte{0, 1, 2, 3}, delivered[0])
	suite.Assert().Equal([]byte{4, 5, 6, 7}, delivered[1])
	suite.Assert().Equal([]byte{8, 9}, delivered[2])
	suite.Assert().Equal(0, notReadyLeft, "both not-ready polls MUST have occurred")
}

func (suite *WriteQueueTestSuite) TestNotReadyBudgetExhaustionIsHardFailure() {
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		return adapter.ErrNotReady
	}

	tuning := testTuning()
	tuning.ChunkBudget = 10 * time.Millisecond
	d := newReadyDevice(&suite.Suite, suite.fake, tuning)

	req := device.NewWriteRequest(testChar, []byte{1}, false)
	d.Connection().Enqueue(req)

	err := suite.await(req)
	suite.Require().Error(err)
	suite.Assert().ErrorIs(err, adapter.ErrNotReady)
}

func (suite *WriteQueueTestSuite) TestHardFailureFlushesBothQueues() {
	// GOAL: Verify a single transport fault invalidates the whole batch
	//
	// TEST SCENARIO: Pump blocked on first write → more requests queued →
	// write fails hard → every queued request notified with failure, pump
	// accepts new enqueues immediately

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	hardErr := errors.New("gatt write rejected")
	failing := true
	suite.fake.WriteFunc = func(identity, characteristic string, payload []byte, withResponse bool) error {
		once.Do(func() { close(started) })
		if failing {
			<-gate
			return hardErr
		}
		return nil
	}

	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())
	conn := d.Connection()

	doomed := device.NewWriteRequest(testChar, []byte{1}, false)
	conn.Enqueue(doomed)
	<-started

	queued := device.NewWriteRequest(testChar, []byte{2}, false)
	conn.Enqueue(queued)
	rt := device.NewWriteRequest(testChar, []byte{3}, false)
	conn.PublishLatest("k", rt)

	close(gate)
	suite.Require().ErrorIs(suite.await(doomed), hardErr)
	suite.Require().ErrorIs(suite.await(queued), device.ErrWriteFlushed)
	suite.Require().ErrorIs(suite.await(rt), device.ErrWriteFlushed)
	suite.Assert().Equal(0, conn.PendingWrites())

	// The pump is idle, not wedged: a fresh enqueue transmits.
	failing = false
	retry := device.NewWriteRequest(testChar, []byte{4}, false)
	conn.Enqueue(retry)
	suite.Require().NoError(suite.await(retry))
}

func (suite *WriteQueueTestSuite) TestEmptyPayloadSendsSingleWrite() {
	d := newReadyDevice(&suite.Suite, suite.fake, testTuning())

	req := device.NewWriteRequest(testChar, nil, true)
	d.Connection().Enqueue(req)
	suite.Require().NoError(suite.await(req))

	writes := suite.fake.Calls("write")
	suite.Require().Len(writes, 1)
	suite.Assert().Empty(writes[0].Payload)
	suite.Assert().False(writes[0].WithResponse, "no-ack request MUST write without response")
}

func TestWriteQueueTestSuite(t *testing.T) {
	suite.Run(t, new(WriteQueueTestSuite))
}
