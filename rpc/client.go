// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc implements a request/response correlation engine over a
// pair of AMQP links (spec §4.2). A single Client owns one sender and
// one receiver link, re-attaching both (and the session that contains
// them) whenever either is found missing or broken. All correlation
// map mutations and link-setup actions are serialized onto a single
// queue.Serializer, so the AMQP stack's receive callback never waits
// on a lock held across another request's work (spec §9).
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bbockelm/amqpcbs/amqptransport"
	"github.com/bbockelm/amqpcbs/cbserr"
	"github.com/bbockelm/amqpcbs/queue"
)

// receiverCredit is the fixed link credit granted to the reply
// receiver at attach time (spec §4.2). Credit refill beyond this is
// delegated to the underlying AMQP stack.
const receiverCredit = 50

// Client is a request/response engine bound to a single AMQP node
// name (e.g. "$cbs"). It is safe for concurrent use from any number
// of goroutines.
type Client struct {
	conn     amqptransport.Connection
	nodeName string
	logger   *slog.Logger

	serializer  *queue.Serializer
	correlation map[string]*requestSlot // touched only from the serializer goroutine
	counter     atomic.Int64
	closed      atomic.Bool

	// linksValid is true once session/sender/receiver are all attached
	// and the receive loop observing them is running. Any of the three
	// being closed invalidates the whole trio (spec §3 LinkState).
	linksValid atomic.Bool
	session    amqptransport.Session
	sender     amqptransport.Sender
	receiver   amqptransport.Receiver

	receiveCancel context.CancelFunc
}

// NewClient builds a request/response engine addressed at nodeName
// (e.g. "$cbs"), using conn as the underlying AMQP connection. Link
// attachment is deferred to the first Send call.
func NewClient(conn amqptransport.Connection, nodeName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:        conn,
		nodeName:    nodeName,
		logger:      logger.With("node", nodeName),
		serializer:  queue.New(),
		correlation: make(map[string]*requestSlot),
	}
}

// Send stamps req's message-id and reply-to, dispatches it, and
// blocks until a correlated response arrives, ctx is done, or the
// client is closed (spec §4.2 SendAsync).
func (c *Client) Send(ctx context.Context, req *amqptransport.Message) (*amqptransport.Message, error) {
	if c.closed.Load() {
		return nil, cbserr.ErrDisposed
	}
	if c.conn.IsClosed() {
		return nil, cbserr.NewInvalidOperation("underlying AMQP connection is closed")
	}
	if req.Properties == nil {
		req.Properties = &amqptransport.MessageProperties{}
	}
	if req.Properties.MessageID != "" {
		return nil, cbserr.NewInvalidOperation("request message-id is already set")
	}
	if req.Properties.ReplyTo != "" {
		return nil, cbserr.NewInvalidOperation("request reply-to is already set")
	}

	id := fmt.Sprintf("%s-%d", c.nodeName, c.counter.Add(1))
	req.Properties.MessageID = id
	req.Properties.ReplyTo = c.nodeName + ".reply-to"

	slot := newRequestSlot(id)
	trace := uuid.NewString()
	c.logger.Debug("dispatching request", "trace", trace, "message_id", id)

	stopWatch := make(chan struct{})
	slot.cancelRegistration = func() { close(stopWatch) }
	go func() {
		select {
		case <-ctx.Done():
			c.serializer.Enqueue(func() {
				if slot.transitionCancelled() {
					delete(c.correlation, id)
				}
			})
		case <-stopWatch:
		}
	}()

	c.serializer.Enqueue(func() {
		c.startRequest(ctx, slot, req)
	})

	<-slot.done
	slot.cancelRegistration()

	switch slotState(slot.state.Load()) {
	case stateCompleted:
		c.logger.Debug("request completed", "trace", trace, "message_id", id)
		return slot.response, nil
	case stateCancelled:
		return nil, cbserr.NewCancelled("request cancelled or link setup unavailable")
	default:
		return nil, slot.err
	}
}

// startRequest is the Start work body (spec §4.2): it inserts the
// slot into the correlation map, ensures the link trio is attached,
// and sends the request. It always runs on the serializer.
func (c *Client) startRequest(ctx context.Context, slot *requestSlot, req *amqptransport.Message) {
	if slot.isTerminal() {
		// Cancellation already won the race before Start ran.
		return
	}
	c.correlation[slot.correlationID] = slot

	if !c.setup(ctx) {
		if slot.transitionCancelled() {
			delete(c.correlation, slot.correlationID)
		}
		return
	}

	if err := c.sender.Send(ctx, req); err != nil {
		c.logger.Warn("send failed", "message_id", slot.correlationID, "error", err)
		if slot.transitionFailed(err) {
			delete(c.correlation, slot.correlationID)
		}
		return
	}
	// Sent; the response (if any) arrives via the receive loop's
	// Complete work item.
}

// setup ensures session/sender/receiver are attached, rebuilding the
// entire trio if any part is missing (spec §4.2 "Setup"). Returns
// false if the client or the underlying connection is closed — the
// caller must then cancel (not fail) the in-flight slot.
func (c *Client) setup(ctx context.Context) bool {
	if c.closed.Load() || c.conn.IsClosed() {
		return false
	}
	if c.linksValid.Load() {
		return true
	}

	c.teardownLinks(ctx)

	var session amqptransport.Session
	var sender amqptransport.Sender
	var receiver amqptransport.Receiver

	attempt := func() error {
		if c.closed.Load() || c.conn.IsClosed() {
			return backoff.Permanent(errClientGone)
		}
		var err error
		session, err = c.conn.NewSession(ctx)
		if err != nil {
			return err
		}
		sender, err = session.NewSender(ctx, c.nodeName)
		if err != nil {
			_ = session.Close(ctx)
			return err
		}
		receiver, err = session.NewReceiver(ctx, c.nodeName, c.nodeName+".reply-to", receiverCredit)
		if err != nil {
			_ = sender.Close(ctx)
			_ = session.Close(ctx)
			return err
		}
		return nil
	}

	retryPolicy := backoff.WithMaxRetries(attachBackOff(), 3)
	if err := backoff.Retry(attempt, retryPolicy); err != nil {
		c.logger.Warn("link trio attach failed after retries", "error", err)
		return false
	}

	c.session, c.sender, c.receiver = session, sender, receiver
	c.linksValid.Store(true)
	c.startReceiveLoop(receiver)
	c.logger.Info("link trio attached")
	return true
}

// errClientGone is a backoff.Permanent-wrapped sentinel that stops the
// attach retry loop immediately once the client or connection closes
// mid-retry, rather than burning through the remaining attempts.
var errClientGone = fmt.Errorf("rpc: client or connection closed during link attach")

// attachBackOff is a fast exponential backoff suited to a retry loop a
// caller is synchronously blocked behind (spec_full §3: "C2's Setup
// link re-attach ... uses an exponential backoff policy instead of a
// bare retry loop").
func attachBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2
	return b
}

// teardownLinks closes whatever subset of the trio is currently
// present, with a zero-timeout session close (spec §4.2), and stops
// any receive loop still reading from the old receiver.
func (c *Client) teardownLinks(ctx context.Context) {
	if c.receiveCancel != nil {
		c.receiveCancel()
		c.receiveCancel = nil
	}
	if c.receiver != nil {
		_ = c.receiver.Close(ctx)
		c.receiver = nil
	}
	if c.sender != nil {
		_ = c.sender.Close(ctx)
		c.sender = nil
	}
	if c.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 0)
		_ = c.session.Close(closeCtx)
		cancel()
		c.session = nil
	}
	c.linksValid.Store(false)
}

// startReceiveLoop launches the goroutine that stands in for the AMQP
// stack's receive callback thread (spec §4.2: "the receiver's message
// handler runs on the AMQP stack's callback thread"). On any receive
// error the trio is marked invalid so the next Start rebuilds it.
func (c *Client) startReceiveLoop(receiver amqptransport.Receiver) {
	ctx, cancel := context.WithCancel(context.Background())
	c.receiveCancel = cancel
	go func() {
		for {
			msg, err := receiver.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("receive failed, link trio invalidated", "error", err)
					c.linksValid.Store(false)
				}
				return
			}
			c.handleResponse(ctx, receiver, msg)
		}
	}()
}

// handleResponse is the receiver's message handler: it accepts the
// delivery immediately, then enqueues a Complete work item carrying
// the response (spec §4.2).
func (c *Client) handleResponse(ctx context.Context, receiver amqptransport.Receiver, msg *amqptransport.Message) {
	if err := receiver.Accept(ctx, msg); err != nil {
		c.logger.Warn("accept failed", "error", err)
	}

	var correlationID string
	if msg.Properties != nil {
		correlationID = msg.Properties.CorrelationID
	}

	c.serializer.Enqueue(func() {
		slot, ok := c.correlation[correlationID]
		if !ok {
			// Late or spurious response: silently disposed (spec §4.2).
			return
		}
		if slot.transitionCompleted(msg) {
			delete(c.correlation, correlationID)
		}
	})
}

// Close cancels every outstanding request and tears down the link
// trio. It blocks until the close work item has drained or ctx is
// done, whichever comes first.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := make(chan struct{})
	c.serializer.Enqueue(func() {
		for id, slot := range c.correlation {
			slot.transitionCancelled()
			delete(c.correlation, id)
		}
		c.teardownLinks(context.Background())
		close(drained)
	})

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of un-terminated requests currently
// tracked by the correlation map. It is intended for tests asserting
// spec §8 invariant 1; the serializer must be idle for the result to
// be meaningful.
func (c *Client) PendingCount() int {
	n := make(chan int, 1)
	c.serializer.Enqueue(func() {
		n <- len(c.correlation)
	})
	return <-n
}
