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

// Package faketransport is an in-process test double for
// amqptransport, built by hand in the style of the teacher's
// security package tests rather than a mocking framework.
package faketransport

import (
	"context"
	"sync"

	"github.com/bbockelm/amqpcbs/amqptransport"
)

// Peer is the hook a test installs to answer requests sent to a
// Sender. It runs on the goroutine that calls Sender.Send.
type Peer func(msg *amqptransport.Message) *amqptransport.Message

// Connection is a fake amqptransport.Connection. Tests construct one
// directly and set PeerHandler before issuing requests.
type Connection struct {
	mu      sync.Mutex
	closed  bool
	localHooks  []func(*amqptransport.Open)
	remoteHooks []func(*amqptransport.Open)

	// FailSessions, when true, makes NewSession return an error — used
	// to exercise the "Setup returns false" cancellation path.
	FailSessions bool

	// PeerHandler answers every message sent on any sender link spawned
	// from this connection's sessions, delivering the response (if any)
	// to the matching receiver.
	PeerHandler Peer
}

// New returns a fresh fake connection.
func New() *Connection {
	return &Connection{}
}

// IsClosed implements amqptransport.Connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the connection closed, as a real transport would once
// its socket drops.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// NewSession implements amqptransport.Connection.
func (c *Connection) NewSession(ctx context.Context) (amqptransport.Session, error) {
	if c.FailSessions {
		return nil, errClosed
	}
	return &session{conn: c}, nil
}

// OnLocalOpen implements amqptransport.Connection.
func (c *Connection) OnLocalOpen(fn func(*amqptransport.Open)) {
	c.mu.Lock()
	c.localHooks = append(c.localHooks, fn)
	c.mu.Unlock()
}

// OnRemoteOpen implements amqptransport.Connection.
func (c *Connection) OnRemoteOpen(fn func(*amqptransport.Open)) {
	c.mu.Lock()
	c.remoteHooks = append(c.remoteHooks, fn)
	c.mu.Unlock()
}

// FireOpen drives the local-open/remote-open handshake a test wants
// to simulate: local is assembled first (hooks may append desired
// capabilities), then remote is delivered with the given offered
// capabilities and properties.
func (c *Connection) FireOpen(offered []amqptransport.Symbol, properties map[string]any) *amqptransport.Open {
	local := &amqptransport.Open{}
	c.mu.Lock()
	localHooks := append([]func(*amqptransport.Open){}, c.localHooks...)
	remoteHooks := append([]func(*amqptransport.Open){}, c.remoteHooks...)
	c.mu.Unlock()

	for _, h := range localHooks {
		h(local)
	}

	remote := &amqptransport.Open{
		OfferedCapabilities: offered,
		Properties:          properties,
	}
	for _, h := range remoteHooks {
		h(remote)
	}
	return remote
}

type session struct {
	conn *Connection
}

func (s *session) NewSender(ctx context.Context, target string) (amqptransport.Sender, error) {
	return &sender{conn: s.conn, target: target}, nil
}

func (s *session) NewReceiver(ctx context.Context, source, target string, credit uint32) (amqptransport.Receiver, error) {
	r := &receiver{conn: s.conn, source: source, target: target, credit: credit, inbox: make(chan *amqptransport.Message, 16)}
	r.register()
	return r, nil
}

func (s *session) Close(ctx context.Context) error { return nil }

type sender struct {
	conn   *Connection
	target string
}

// receiverRegistry lets Send deliver a synthesized response straight
// to the receiver most recently attached on the same connection, mimicking
// an AMQP broker that replies on the link's reply-to address.
var receiverRegistry = struct {
	mu sync.Mutex
	m  map[*Connection]*receiver
}{m: make(map[*Connection]*receiver)}

func (s *sender) Send(ctx context.Context, msg *amqptransport.Message) error {
	if s.conn.PeerHandler == nil {
		return nil
	}
	resp := s.conn.PeerHandler(msg)
	if resp == nil {
		return nil
	}
	receiverRegistry.mu.Lock()
	r := receiverRegistry.m[s.conn]
	receiverRegistry.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case r.inbox <- resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error { return nil }

type receiver struct {
	conn    *Connection
	source  string
	target  string
	credit  uint32
	inbox   chan *amqptransport.Message
	closed  bool
	closeMu sync.Mutex
}

func (r *receiver) register() {
	receiverRegistry.mu.Lock()
	receiverRegistry.m[r.conn] = r
	receiverRegistry.mu.Unlock()
}

func (r *receiver) Receive(ctx context.Context) (*amqptransport.Message, error) {
	select {
	case msg := <-r.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *receiver) Accept(ctx context.Context, msg *amqptransport.Message) error { return nil }

func (r *receiver) Close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	receiverRegistry.mu.Lock()
	delete(receiverRegistry.m, r.conn)
	receiverRegistry.mu.Unlock()
	return nil
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "faketransport: session refused" }
