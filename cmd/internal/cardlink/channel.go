package cardlink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cardlink/cmd/internal/metrics"
	v1 "cardlink/shared/contracts/cardlink/v1"

	"github.com/coder/websocket"
)

// Channel buffers decoded inbound envelopes and serves typed, bounded waits.
//
// Envelopes are demultiplexed into one FIFO queue per payload type at decode time,
// so a wait for one type never consumes an envelope of another type. Each admitted
// envelope carries an arrival sequence number, which keeps cross-type order
// observable through Await.
//
// Concurrency: one producer (the transport reader) and any number of consumers may
// use a Channel concurrently, but only one waiter per payload type is supported at a
// time. Two overlapping waits for the same type race for the same envelope.
type Channel struct {
	log     *slog.Logger
	limiter *frameLimiter

	mu     sync.Mutex
	open   bool
	closed bool
	seq    uint64
	queues map[string][]queued

	// wake is closed and replaced on every admission and on close.
	wake chan struct{}

	closeCode   websocket.StatusCode
	closeReason string
}

type queued struct {
	seq uint64
	env v1.Envelope
}

// NewChannel constructs a Channel that is neither open nor closed.
func NewChannel(log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		log:     log,
		limiter: newFrameLimiter(inboundFrameLimit, inboundFrameWindow),
		queues:  make(map[string][]queued),
		wake:    make(chan struct{}),
	}
}

// OnOpen allocates fresh empty queues and marks the channel open.
func (c *Channel) OnOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queues = make(map[string][]queued)
	c.open = true
	c.closed = false
	c.seq = 0
}

// OnClose stops admission and wakes every waiter. Envelopes already queued stay retrievable.
func (c *Channel) OnClose(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.open = false
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.broadcastLocked()

	c.log.Info("cardlink.channel.closed", "code", int(code), "reason", reason)
}

// OnError logs a transport error. Closure is reported separately through OnClose.
func (c *Channel) OnError(err error) {
	c.log.Warn("cardlink.channel.transport_error", "err", err)
}

// OnFrame decodes one text frame and queues it. Decode failures are logged and
// dropped; callers only ever observe the absence of an expected envelope.
func (c *Channel) OnFrame(data []byte) {
	if !c.limiter.allow(time.Now()) {
		c.log.Warn("cardlink.frame.drop", "reason", metrics.DropRateLimited, "bytes", len(data))
		metrics.RecordDropped(metrics.DropRateLimited)
		return
	}

	env, err := v1.Unmarshal(data)
	if err != nil {
		reason := metrics.DropDecode
		if errors.Is(err, v1.ErrInvalidEnvelope) {
			reason = metrics.DropInvalid
		}
		c.log.Warn("cardlink.frame.drop", "reason", reason, "bytes", len(data), "err", err)
		metrics.RecordDropped(reason)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.open {
		c.log.Warn("cardlink.frame.drop", "reason", metrics.DropClosed, "payload_type", env.PayloadType)
		metrics.RecordDropped(metrics.DropClosed)
		return
	}

	q := c.queues[env.PayloadType]
	if len(q) >= maxQueuedPerType {
		c.log.Warn("cardlink.frame.drop", "reason", metrics.DropQueueFull, "payload_type", env.PayloadType, "queued", len(q))
		metrics.RecordDropped(metrics.DropQueueFull)
		return
	}

	c.seq++
	c.queues[env.PayloadType] = append(q, queued{seq: c.seq, env: env})
	c.broadcastLocked()

	metrics.RecordReceived(env.PayloadType)
	c.log.Debug("cardlink.frame.queued",
		"payload_type", env.PayloadType,
		"card_session_id", env.CardSessionID,
		"correlation_id", env.CorrelationID,
		"seq", c.seq,
	)
}

// IsOpen reports whether the transport is connected and the channel admits envelopes.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// CloseStatus returns the close code and reason once the channel closed.
func (c *Channel) CloseStatus() (websocket.StatusCode, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed
}

// Retrieve removes and returns the oldest envelope of payloadType. It waits up to
// timeout for one to arrive; it returns false when the wait elapses, the channel
// closes with nothing of that type queued, or ctx ends. timeout <= 0 never waits.
func (c *Channel) Retrieve(ctx context.Context, payloadType string, timeout time.Duration) (v1.Envelope, bool) {
	deadline := time.Now().Add(timeout)

	for {
		c.mu.Lock()
		if q := c.queues[payloadType]; len(q) > 0 {
			env := q[0].env
			q[0] = queued{}
			c.queues[payloadType] = q[1:]
			c.mu.Unlock()
			return env, true
		}
		closed := c.closed
		wake := c.wake
		c.mu.Unlock()

		if closed {
			return v1.Envelope{}, false
		}
		if !c.wait(ctx, wake, deadline) {
			return v1.Envelope{}, false
		}
	}
}

// Await waits up to timeout until an envelope of any of the given types is queued
// and returns that type without consuming anything. When several are queued, the
// one that arrived first wins. It fails with ErrTimeout, ErrTransportClosed or the
// context error.
func (c *Channel) Await(ctx context.Context, timeout time.Duration, payloadTypes ...string) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		c.mu.Lock()
		best, bestSeq := "", uint64(0)
		for _, t := range payloadTypes {
			if q := c.queues[t]; len(q) > 0 && (best == "" || q[0].seq < bestSeq) {
				best, bestSeq = t, q[0].seq
			}
		}
		closed := c.closed
		wake := c.wake
		c.mu.Unlock()

		if best != "" {
			return best, nil
		}
		if closed {
			return "", ErrTransportClosed
		}
		if !c.wait(ctx, wake, deadline) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if !c.IsOpen() {
				return "", ErrTransportClosed
			}
			return "", ErrTimeout
		}
	}
}

// FinishAvailable peeks for a queued RegisterEgkFinish envelope without consuming it.
func (c *Channel) FinishAvailable() bool {
	return c.Pending(v1.TypeRegisterEgkFinish) > 0
}

// Pending returns the number of queued envelopes of payloadType.
func (c *Channel) Pending(payloadType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[payloadType])
}

// wait blocks until wake fires, the deadline passes or ctx ends.
// It returns false when the caller should give up.
func (c *Channel) wait(ctx context.Context, wake <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}
