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

package cbs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bbockelm/amqpcbs/amqptransport"
	"github.com/bbockelm/amqpcbs/cbserr"
	"github.com/bbockelm/amqpcbs/rpc/faketransport"
	"github.com/bbockelm/amqpcbs/token"
)

func putTokenPeer(statusCode int, description string) faketransport.Peer {
	return func(msg *amqptransport.Message) *amqptransport.Message {
		return &amqptransport.Message{
			Properties: &amqptransport.MessageProperties{
				CorrelationID: msg.Properties.MessageID,
			},
			ApplicationProperties: map[string]any{
				"status-code":        statusCode,
				"status-description": description,
			},
		}
	}
}

func staticProvider(tokenStr string, ttl time.Duration) token.Provider {
	return token.ProviderFunc(func(ctx context.Context, audience string, claims []string, duration time.Duration) (token.Info, error) {
		return token.Info{Token: tokenStr, Type: "jwt", Expiry: time.Now().UTC().Add(ttl)}, nil
	})
}

func TestDispatcherSelectsMessageBasedWithoutCapability(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(202, "")
	d := NewDispatcher(conn, nil)

	conn.FireOpen(nil, nil)
	if !d.Ready() {
		t.Fatal("dispatcher not ready after remote open")
	}

	if err := d.SetToken(context.Background(), "http://h/q", token.Info{Token: "tok", Type: "jwt"}); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
}

func TestDispatcherSelectsLinkBasedWithCapability(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = func(msg *amqptransport.Message) *amqptransport.Message {
		return nil // set-token is one-way; no reply expected
	}
	d := NewDispatcher(conn, nil)

	conn.FireOpen([]amqptransport.Symbol{amqptransport.CBSCapability}, nil)
	if !d.Ready() {
		t.Fatal("dispatcher not ready after remote open")
	}

	if err := d.SetToken(context.Background(), "http://h/q", token.Info{Token: "tok", Type: "jwt"}); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
}

func TestDispatcherLinkBasedHonorsCustomCBSNodeProperty(t *testing.T) {
	conn := faketransport.New()
	d := NewDispatcher(conn, nil)
	conn.FireOpen([]amqptransport.Symbol{amqptransport.CBSCapability}, map[string]any{"$cbs": "custom.cbs.node"})
	if !d.Ready() {
		t.Fatal("dispatcher not ready")
	}
	lb, ok := d.variant.(*linkBasedClient)
	if !ok {
		t.Fatalf("variant = %T, want *linkBasedClient", d.variant)
	}
	if lb.cbsNode != "custom.cbs.node" {
		t.Errorf("cbsNode = %q, want %q", lb.cbsNode, "custom.cbs.node")
	}
}

func TestDispatcherMessageBasedIgnoresCBSNodeProperty(t *testing.T) {
	conn := faketransport.New()
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, map[string]any{"$cbs": "custom.cbs.node"})
	if !d.Ready() {
		t.Fatal("dispatcher not ready")
	}
	if _, ok := d.variant.(*messageBasedClient); !ok {
		t.Fatalf("variant = %T, want *messageBasedClient", d.variant)
	}
}

func TestDispatcherSelectsVariantExactlyOnce(t *testing.T) {
	conn := faketransport.New()
	d := NewDispatcher(conn, nil)

	conn.FireOpen(nil, nil)
	d.mu.Lock()
	first := d.variant
	d.mu.Unlock()

	conn.FireOpen([]amqptransport.Symbol{amqptransport.CBSCapability}, nil)
	d.mu.Lock()
	second := d.variant
	d.mu.Unlock()

	if first != second {
		t.Error("variant was replaced on a second remote open")
	}
}

func TestAuthenticateBeforeReadyFails(t *testing.T) {
	conn := faketransport.New()
	d := NewDispatcher(conn, nil)
	a := NewAuthenticator(conn, d, staticProvider("tok", time.Hour), nil, nil)

	if err := a.Authenticate(context.Background(), "aud", nil, false); err == nil {
		t.Fatal("expected InvalidOperation before capability negotiation")
	}
}

func TestAuthenticateMessageBasedHandshake(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(200, "")
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	a := NewAuthenticator(conn, d, staticProvider("tok", time.Hour), nil, nil)
	if err := a.Authenticate(context.Background(), "http://h/q", []string{"Send"}, false); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticateRejectedStatusReturnsAmqpError(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(500, "server is unwell")
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	a := NewAuthenticator(conn, d, staticProvider("tok", time.Hour), nil, nil)
	err := a.Authenticate(context.Background(), "http://h/q", nil, false)
	if err == nil {
		t.Fatal("expected error for rejected put-token")
	}
	var amqpErr *cbserr.AmqpError
	if !errors.As(err, &amqpErr) {
		t.Fatalf("got %T (%v), want *cbserr.AmqpError", err, err)
	}
}

func TestAutoRenewFiresAtExpiry(t *testing.T) {
	conn := faketransport.New()
	var calls atomic.Int32
	conn.PeerHandler = func(msg *amqptransport.Message) *amqptransport.Message {
		calls.Add(1)
		return &amqptransport.Message{
			Properties:            &amqptransport.MessageProperties{CorrelationID: msg.Properties.MessageID},
			ApplicationProperties: map[string]any{"status-code": 202},
		}
	}
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	provider := staticProvider("tok", 30*time.Millisecond)
	a := NewAuthenticator(conn, d, provider, nil, nil)

	if err := a.Authenticate(context.Background(), "http://h/q", []string{"Send"}, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("initial call count = %d, want 1", calls.Load())
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected at least one automatic renewal, got %d calls", calls.Load())
	}
}

func TestRenewalFailureReportsOnErrorOnceAndDropsEntry(t *testing.T) {
	conn := faketransport.New()
	var tokenCalls atomic.Int32
	conn.PeerHandler = func(msg *amqptransport.Message) *amqptransport.Message {
		n := tokenCalls.Add(1)
		status := 202
		if n > 1 {
			status = 500 // the initial put-token succeeds; every renewal is rejected
		}
		return &amqptransport.Message{
			Properties:            &amqptransport.MessageProperties{CorrelationID: msg.Properties.MessageID},
			ApplicationProperties: map[string]any{"status-code": status, "status-description": "rejected"},
		}
	}
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	provider := staticProvider("tok", 20*time.Millisecond)

	var errMu sync.Mutex
	var errCount int
	onError := func(audience string, claims []string, err error) {
		errMu.Lock()
		errCount++
		errMu.Unlock()
	}

	a := NewAuthenticator(conn, d, provider, nil, onError)
	if err := a.Authenticate(context.Background(), "http://h/q", []string{"Send"}, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		errMu.Lock()
		n := errCount
		errMu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	errMu.Lock()
	defer errMu.Unlock()
	if errCount != 1 {
		t.Fatalf("onError called %d times, want exactly 1", errCount)
	}

	a.mu.Lock()
	_, stillPresent := a.entries["http://h/q"]
	a.mu.Unlock()
	if stillPresent {
		t.Error("failed audience was not removed from the renewal table")
	}
}

func TestRemoveStopsFutureRenewal(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(202, "")
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	a := NewAuthenticator(conn, d, staticProvider("tok", 20*time.Millisecond), nil, nil)
	if err := a.Authenticate(context.Background(), "http://h/q", nil, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	a.Remove("HTTP://H/Q") // case-insensitive key lookup

	a.mu.Lock()
	_, present := a.entries["http://h/q"]
	armed := a.timerArmed
	a.mu.Unlock()
	if present || armed {
		t.Error("Remove did not clear the entry and disarm the idle timer")
	}
}

func TestCloseDisarmsTimer(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(202, "")
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	a := NewAuthenticator(conn, d, staticProvider("tok", time.Hour), nil, nil)
	if err := a.Authenticate(context.Background(), "http://h/q", nil, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a.mu.Lock()
	armed := a.timerArmed
	a.mu.Unlock()
	if armed {
		t.Error("timer still armed after Close")
	}
}

func TestManyAudiencesSequentialAuthenticate(t *testing.T) {
	conn := faketransport.New()
	conn.PeerHandler = putTokenPeer(200, "")
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	a := NewAuthenticator(conn, d, staticProvider("tok", time.Hour), nil, nil)
	for i := 0; i < 100; i++ {
		aud := fmt.Sprintf("http://h/q%d", i)
		if err := a.Authenticate(context.Background(), aud, []string{"Send"}, true); err != nil {
			t.Fatalf("Authenticate(%s): %v", aud, err)
		}
	}

	a.mu.Lock()
	n := len(a.entries)
	a.mu.Unlock()
	if n != 100 {
		t.Errorf("entries = %d, want 100", n)
	}
}

func TestExpiryAlreadyPastClampsToOneSecond(t *testing.T) {
	conn := faketransport.New()
	var calls atomic.Int32
	conn.PeerHandler = func(msg *amqptransport.Message) *amqptransport.Message {
		calls.Add(1)
		return &amqptransport.Message{
			Properties:            &amqptransport.MessageProperties{CorrelationID: msg.Properties.MessageID},
			ApplicationProperties: map[string]any{"status-code": 202},
		}
	}
	d := NewDispatcher(conn, nil)
	conn.FireOpen(nil, nil)

	past := staticProvider("tok", -time.Hour) // already-expired token
	a := NewAuthenticator(conn, d, past, nil, nil)
	start := time.Now()
	if err := a.Authenticate(context.Background(), "http://h/q", nil, true); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatal("renewal did not fire within 2s for an already-past expiry")
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("renewal fired after %v, want about 1s (1s clamp not applied)", elapsed)
	}
}
