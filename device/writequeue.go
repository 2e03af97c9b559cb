package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrWriteFlushed reports that a request was cancelled because another
	// request in the same batch failed hard. A single transport fault
	// invalidates the whole pending batch.
	ErrWriteFlushed = errors.New("write flushed after transport failure")

	// ErrSuperseded reports that a latest-wins value was replaced by a
	// newer one before transmission. It is an informational outcome, not a
	// transport failure.
	ErrSuperseded = errors.New("write superseded by newer value")
)

// WriteRequest is one outgoing characteristic write. The payload is copied
// at construction, so callers may reuse their buffers. Its result is
// delivered exactly once via Done / Await.
type WriteRequest struct {
	id             uuid.UUID
	characteristic string
	payload        []byte
	noAck          bool // write without acknowledgement

	done chan error
	once sync.Once
}

// NewWriteRequest builds a request targeting characteristic. noAck selects
// write-without-response.
func NewWriteRequest(characteristic string, payload []byte, noAck bool) *WriteRequest {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &WriteRequest{
		id:             uuid.New(),
		characteristic: characteristic,
		payload:        buf,
		noAck:          noAck,
		done:           make(chan error, 1),
	}
}

// ID returns the request's correlation id.
func (r *WriteRequest) ID() uuid.UUID { return r.id }

// Characteristic returns the target characteristic UUID.
func (r *WriteRequest) Characteristic() string { return r.characteristic }

// Done returns the one-shot result channel: a nil receive means success.
func (r *WriteRequest) Done() <-chan error { return r.done }

// Await blocks for the request outcome or ctx expiry. The request itself is
// unaffected by ctx; it will still complete and can be observed via Done.
//
// Not every non-nil outcome is a transport failure: a latest-wins request
// replaced before transmission reports ErrSuperseded, meaning a newer value
// was delivered in its place. Callers that only care about faults should
// test with errors.Is rather than err != nil.
func (r *WriteRequest) Await(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete delivers the outcome exactly once; later calls no-op.
func (r *WriteRequest) complete(err error) {
	r.once.Do(func() {
		r.done <- err
		close(r.done)
	})
}

// Enqueue appends req to the ordered out-queue: strict delivery, every byte
// sent, order preserved. The pump starts if the connection is Ready.
func (c *Connection) Enqueue(req *WriteRequest) {
	c.mu.Lock()
	c.outQueue = append(c.outQueue, req)
	c.mu.Unlock()
	c.maybePump()
}

// PublishLatest queues req under key with latest-value-wins semantics: only
// the most recent value per key is ever transmitted. A replaced request is
// completed with ErrSuperseded. Pending keys drain in the order they became
// pending, always after the entire out-queue.
func (c *Connection) PublishLatest(key string, req *WriteRequest) {
	c.mu.Lock()
	old, replaced := c.realtime.Get(key)
	c.realtime.Set(key, req)
	if replaced {
		// Key keeps its queue position; only the value is refreshed.
		c.mu.Unlock()
		old.complete(ErrSuperseded)
	} else {
		c.mu.Unlock()
	}
	c.maybePump()
}

// PendingWrites returns how many requests sit in both queues.
func (c *Connection) PendingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outQueue) + c.realtime.Len()
}

// maybePump starts the transmission pump unless one is already running or
// the session is not Ready. The pump is single: one request in flight at a
// time, out-queue drained fully before any realtime key.
func (c *Connection) maybePump() {
	c.mu.Lock()
	if c.sending || c.state != StateReady || (len(c.outQueue) == 0 && c.realtime.Len() == 0) {
		c.mu.Unlock()
		return
	}
	c.sending = true
	c.mu.Unlock()

	groutine.Go(context.Background(), "write-pump/"+c.dev.identity, c.pump)
}

func (c *Connection) pump(ctx context.Context) {
	for {
		req := c.nextRequest()
		if req == nil {
			return
		}

		err := c.transmit(ctx, req)
		if err == nil {
			req.complete(nil)
			continue
		}

		// Hard failure: the in-flight request and every resident request
		// fail; chunk ordering within one request cannot be guaranteed
		// across a transport fault, so the batch is not retried item by
		// item.
		c.dev.logger.WithFields(logrus.Fields{
			"identity": c.dev.identity,
			"write_id": req.id,
			"error":    err,
		}).Error("Write transmission failed, flushing pending batch")
		req.complete(err)
		c.flushPending(ErrWriteFlushed)
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
		// Requests enqueued during the flush must not strand.
		c.maybePump()
		return
	}
}

// nextRequest pops the next request to send, or nil when the pump should go
// idle. Out-queue items always win over realtime items.
func (c *Connection) nextRequest() *WriteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		c.sending = false
		return nil
	}
	if len(c.outQueue) > 0 {
		req := c.outQueue[0]
		c.outQueue = c.outQueue[1:]
		return req
	}
	if pair := c.realtime.Oldest(); pair != nil {
		c.realtime.Delete(pair.Key)
		return pair.Value
	}
	c.sending = false
	return nil
}

// transmit sends req in fixed-size chunks. A retryable not-ready condition
// is polled within the per-chunk budget; any other error is a hard failure.
func (c *Connection) transmit(ctx context.Context, req *WriteRequest) error {
	size := c.dev.tuning.ChunkSize
	if size <= 0 || size > len(req.payload) {
		size = len(req.payload)
	}

	chunks := 0
	for off := 0; ; off += size {
		end := off + size
		if end > len(req.payload) {
			end = len(req.payload)
		}
		chunk := req.payload[off:end]

		if err := c.writeChunk(ctx, req, chunk); err != nil {
			return fmt.Errorf("chunk %d of write %s: %w", chunks+1, req.id, err)
		}
		chunks++

		if end >= len(req.payload) {
			break
		}
	}

	c.dev.logger.WithFields(logrus.Fields{
		"identity": c.dev.identity,
		"write_id": req.id,
		"bytes":    len(req.payload),
		"chunks":   chunks,
	}).Debug("Write transmitted")
	return nil
}

func (c *Connection) writeChunk(ctx context.Context, req *WriteRequest, chunk []byte) error {
	deadline := c.dev.clock().Add(c.dev.tuning.ChunkBudget)
	for {
		err := c.dev.adapter.Write(ctx, c.dev.identity, req.characteristic, chunk, !req.noAck, c.dev.tuning.WriteTimeout)
		if err == nil {
			return nil
		}
		if !adapter.IsRetryableWrite(err) {
			return err
		}
		if !c.dev.clock().Add(c.dev.tuning.NotReadyPoll).Before(deadline) {
			return fmt.Errorf("chunk budget exhausted: %w", err)
		}
		c.dev.logger.WithFields(logrus.Fields{
			"identity": c.dev.identity,
			"write_id": req.id,
		}).Debug("Characteristic not ready, polling")

		select {
		case <-time.After(c.dev.tuning.NotReadyPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushPending fails every request still resident in both queues with
// cause. New enqueues are accepted immediately afterwards.
func (c *Connection) flushPending(cause error) {
	c.mu.Lock()
	pending := c.outQueue
	c.outQueue = nil
	for pair := c.realtime.Oldest(); pair != nil; pair = pair.Next() {
		pending = append(pending, pair.Value)
	}
	c.realtime = orderedmap.New[string, *WriteRequest]()
	c.mu.Unlock()

	for _, req := range pending {
		req.complete(cause)
	}
}
