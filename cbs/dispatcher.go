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
	"log/slog"
	"sync"

	"github.com/bbockelm/amqpcbs/amqptransport"
	"github.com/bbockelm/amqpcbs/cbserr"
	"github.com/bbockelm/amqpcbs/token"
)

// defaultCBSNode is the well-known CBS node name. The message-based
// variant always uses it; the link-based variant uses it when the
// peer's Open.properties carries no "$cbs" override (spec §4.4, §6.5).
const defaultCBSNode = "$cbs"

// Dispatcher is C4: it is wired into the AMQP connection as a local-
// and remote-open handler, advertises the AMQP_CBS_V1_0 capability,
// and — exactly once, at RemoteOpen — selects the MessageBased or
// LinkBased inner client (spec §4.4, §3 invariant).
type Dispatcher struct {
	conn   amqptransport.Connection
	logger *slog.Logger

	mu      sync.Mutex
	variant setTokener
}

// NewDispatcher registers the capability-negotiation hooks on conn and
// returns a Dispatcher that will select its inner client the moment
// conn's remote Open arrives.
func NewDispatcher(conn amqptransport.Connection, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{conn: conn, logger: logger}

	conn.OnLocalOpen(func(o *amqptransport.Open) {
		o.DesiredCapabilities = append(o.DesiredCapabilities, amqptransport.CBSCapability)
	})
	conn.OnRemoteOpen(d.selectVariant)

	return d
}

func (d *Dispatcher) selectVariant(o *amqptransport.Open) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.variant != nil {
		return // selected exactly once per connection (spec §3 invariant)
	}

	if o.OffersCapability(amqptransport.CBSCapability) {
		nodeName := defaultCBSNode
		if o.Properties != nil {
			if v, ok := o.Properties["$cbs"].(string); ok && v != "" {
				nodeName = v
			}
		}
		d.variant = newLinkBasedClient(d.conn, nodeName, d.logger)
		d.logger.Info("CBS protocol negotiated", "variant", "link-based", "node", nodeName)
		return
	}
	d.variant = newMessageBasedClient(d.conn, defaultCBSNode, d.logger)
	d.logger.Info("CBS protocol negotiated", "variant", "message-based", "node", defaultCBSNode)
}

// Ready reports whether capability negotiation has completed and an
// inner client is available.
func (d *Dispatcher) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.variant != nil
}

// SetToken pushes info to the CBS node for audience using whichever
// variant was negotiated (spec §4.4). It fails with InvalidOperation
// if negotiation has not yet completed.
func (d *Dispatcher) SetToken(ctx context.Context, audience string, info token.Info) error {
	d.mu.Lock()
	variant := d.variant
	d.mu.Unlock()

	if variant == nil {
		return cbserr.NewInvalidOperation("CBS protocol variant not yet negotiated (remote Open not received)")
	}
	return variant.SetToken(ctx, audience, info)
}

// Close tears down whichever inner client was negotiated, if any.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	variant := d.variant
	d.mu.Unlock()

	if variant == nil {
		return nil
	}
	return variant.Close(ctx)
}
