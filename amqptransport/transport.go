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

// Package amqptransport describes the slice of an AMQP 1.0 connection
// stack that the CBS client needs. AMQP 1.0 framing, link credit,
// delivery state, and session/connection lifecycle are out of scope
// for this module (spec §1) — a host application supplies a concrete
// implementation of these interfaces backed by its own AMQP stack.
// Tests in this module supply an in-process fake; see rpc/faketransport.
package amqptransport

import "context"

// Symbol is an AMQP symbol: a restricted-charset string used for
// capability names, message-property keys, and error conditions.
type Symbol string

// CBSCapability is the capability symbol a CBS-capable peer offers.
const CBSCapability Symbol = "AMQP_CBS_V1_0"

// Open is the subset of an AMQP Open frame the CBS dispatcher reads
// and writes. DesiredCapabilities is mutated by the local-open hook;
// OfferedCapabilities and Properties are populated by the peer and
// read by the remote-open hook.
type Open struct {
	DesiredCapabilities []Symbol
	OfferedCapabilities []Symbol
	Properties          map[string]any
}

// OffersCapability reports whether the peer advertised the given
// capability in its offered-capabilities list.
func (o *Open) OffersCapability(c Symbol) bool {
	for _, s := range o.OfferedCapabilities {
		if s == c {
			return true
		}
	}
	return false
}

// MessageProperties is the subset of AMQP message properties CBS and
// the request/response engine touch.
type MessageProperties struct {
	MessageID     string
	To            string
	ReplyTo       string
	CorrelationID string
	Subject       string
}

// Message is a minimal AMQP message: a body plus the two property
// bags the CBS wire formats (spec §6.2, §6.3) require.
type Message struct {
	Properties            *MessageProperties
	ApplicationProperties map[string]any
	Body                  []byte
}

// StringApplicationProperty returns an application property as a
// string, and whether it was present with string type.
func (m *Message) StringApplicationProperty(key string) (string, bool) {
	if m == nil || m.ApplicationProperties == nil {
		return "", false
	}
	v, ok := m.ApplicationProperties[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntApplicationProperty returns an application property as an int,
// and whether it was present with type int, int32 or int64. Other
// numeric types report false.
func (m *Message) IntApplicationProperty(key string) (int, bool) {
	if m == nil || m.ApplicationProperties == nil {
		return 0, false
	}
	v, ok := m.ApplicationProperties[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

// Connection is the slice of an AMQP connection the CBS dispatcher
// binds to for capability negotiation (spec §4.4). A concrete
// implementation calls the registered hooks exactly once, at local
// and remote Open respectively (spec §3 invariant: "selected exactly
// once per connection, at RemoteOpen").
type Connection interface {
	// IsClosed reports whether the underlying connection has been
	// torn down. Consulted by the request engine and the renewal
	// scheduler to decide whether failures are real or teardown noise.
	IsClosed() bool

	// NewSession opens a new AMQP session on this connection.
	NewSession(ctx context.Context) (Session, error)

	// OnLocalOpen registers a callback invoked once, synchronously,
	// while the local Open frame is being assembled. The callback may
	// append to DesiredCapabilities.
	OnLocalOpen(fn func(*Open))

	// OnRemoteOpen registers a callback invoked once the peer's Open
	// frame has been received.
	OnRemoteOpen(fn func(*Open))
}

// Session is an AMQP session: a container for sender and receiver
// links.
type Session interface {
	NewSender(ctx context.Context, target string) (Sender, error)
	NewReceiver(ctx context.Context, source, target string, credit uint32) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is an AMQP sender link.
type Sender interface {
	// Send transmits msg and does not return until the transport has
	// accepted it for delivery (not until a peer has settled it).
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}

// Receiver is an AMQP receiver link.
type Receiver interface {
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (*Message, error)
	// Accept settles msg with the accepted outcome.
	Accept(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
}
