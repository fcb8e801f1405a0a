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

// Package cbs implements Claims-Based Security: the protocol
// dispatcher that negotiates MessageBased vs LinkBased put-token
// (spec §4.4) and the token renewal scheduler built on top of it
// (spec §4.3).
package cbs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bbockelm/amqpcbs/amqptransport"
	"github.com/bbockelm/amqpcbs/cbserr"
	"github.com/bbockelm/amqpcbs/rpc"
	"github.com/bbockelm/amqpcbs/token"
)

// setTokener is the inner CBS client: a tagged variant of MessageBased
// or LinkBased, created exactly once per connection at RemoteOpen
// (spec §4.4, §9).
type setTokener interface {
	SetToken(ctx context.Context, audience string, info token.Info) error
	Close(ctx context.Context) error
}

// messageBasedClient implements the put-token wire format over a
// request/reply link pair (spec §4.4 MessageBased, §6.2).
type messageBasedClient struct {
	rpc *rpc.Client
}

func newMessageBasedClient(conn amqptransport.Connection, cbsNode string, logger *slog.Logger) *messageBasedClient {
	return &messageBasedClient{rpc: rpc.NewClient(conn, cbsNode, logger)}
}

func (m *messageBasedClient) SetToken(ctx context.Context, audience string, info token.Info) error {
	req := &amqptransport.Message{
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"name":      audience,
			"type":      info.Type,
		},
		Body: []byte(info.Token),
	}

	resp, err := m.rpc.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return cbserr.NewAmqpError(cbserr.ConditionNoResponse, "")
	}
	if resp.ApplicationProperties == nil {
		return cbserr.NewAmqpError(cbserr.ConditionInvalidResponse, "")
	}

	status, ok := resp.IntApplicationProperty("status-code")
	if !ok {
		return cbserr.NewAmqpError(cbserr.ConditionInvalidResponse, "")
	}
	if status == 200 || status == 202 {
		return nil
	}

	condition, _ := resp.StringApplicationProperty("error-condition")
	if condition == "" {
		condition = "amqp:cbs:put-token-failed"
	}
	description, _ := resp.StringApplicationProperty("status-description")
	return cbserr.NewAmqpError(condition, description)
}

func (m *messageBasedClient) Close(ctx context.Context) error {
	return m.rpc.Close(ctx)
}

// linkBasedClient implements the set-token wire format over a single
// sender link (spec §4.4 LinkBased, §6.3). The sender is attached
// lazily, on first SetToken, and rebuilt if ever torn down.
type linkBasedClient struct {
	conn    amqptransport.Connection
	cbsNode string
	logger  *slog.Logger

	mu      sync.Mutex
	session amqptransport.Session
	sender  amqptransport.Sender
}

func newLinkBasedClient(conn amqptransport.Connection, cbsNode string, logger *slog.Logger) *linkBasedClient {
	return &linkBasedClient{conn: conn, cbsNode: cbsNode, logger: logger}
}

func (l *linkBasedClient) attach(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil {
		return nil
	}
	session, err := l.conn.NewSession(ctx)
	if err != nil {
		return err
	}
	sender, err := session.NewSender(ctx, l.cbsNode)
	if err != nil {
		_ = session.Close(ctx)
		return err
	}
	l.session, l.sender = session, sender
	l.logger.Info("link-based CBS sender attached", "node", l.cbsNode)
	return nil
}

func (l *linkBasedClient) SetToken(ctx context.Context, audience string, info token.Info) error {
	if err := l.attach(ctx); err != nil {
		return err
	}

	msg := &amqptransport.Message{
		Properties: &amqptransport.MessageProperties{
			Subject: "set-token",
		},
		ApplicationProperties: map[string]any{
			"token-type": info.Type,
		},
		Body: []byte(info.Token),
	}

	l.mu.Lock()
	sender := l.sender
	l.mu.Unlock()

	if err := sender.Send(ctx, msg); err != nil {
		l.mu.Lock()
		l.sender = nil
		l.session = nil
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *linkBasedClient) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil {
		_ = l.sender.Close(ctx)
	}
	if l.session != nil {
		_ = l.session.Close(ctx)
	}
	l.sender, l.session = nil, nil
	return nil
}
