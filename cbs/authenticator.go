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
	"strings"
	"sync"
	"time"

	"github.com/bbockelm/amqpcbs/amqptransport"
	"github.com/bbockelm/amqpcbs/cbserr"
	"github.com/bbockelm/amqpcbs/token"
)

func invalidOperationNotReady() error {
	return cbserr.NewInvalidOperation("cannot authenticate before CBS capability negotiation completes")
}

// defaultTokenDuration is the lifetime requested from the Provider
// when a caller does not override Authenticator.TokenDuration
// (spec §4.3).
const defaultTokenDuration = 20 * time.Minute

// renewBatchTimeout bounds a single renewal pass: every entry that
// comes due at the same wakeup shares this one cancellation source, so
// a wedged audience cannot starve the others indefinitely (spec §4.3,
// §9).
const renewBatchTimeout = 60 * time.Second

// renewEntry is one row of the scheduler's table: the claims last used
// to authenticate an audience, and the expiry its most recent token
// carries. audience preserves the original casing for wire use; the
// table itself is keyed case-insensitively (spec §4.3 invariant 2).
type renewEntry struct {
	audience string
	claims   []string
	dueTime  time.Time
}

// ErrorHandler is notified when a scheduled renewal fails. It is
// called at most once per audience per renewal pass (spec_full §4,
// resolving the duplicate-OnError open question).
type ErrorHandler func(audience string, claims []string, err error)

// Authenticator is C3: it calls Dispatcher.SetToken on demand and, for
// audiences enrolled with autoRenew, keeps a single timer armed for
// whichever entry expires soonest, re-authenticating in batches as
// timers fire (spec §4.3).
type Authenticator struct {
	dispatcher *Dispatcher
	conn       amqptransport.Connection
	provider   token.Provider
	logger     *slog.Logger
	onError    ErrorHandler

	// TokenDuration is the lifetime requested for every token this
	// Authenticator fetches. Defaults to 20 minutes if left zero.
	TokenDuration time.Duration

	mu      sync.Mutex
	entries map[string]*renewEntry
	timer   *time.Timer
	// timerArmed and timerDue describe the currently scheduled fire
	// instant. renewing suppresses opportunistic re-arming from
	// Authenticate while a renewal pass is already in flight — the
	// Go-idiomatic equivalent of the spec's MIN_INSTANT sentinel, since
	// the pass itself re-arms from the post-batch minimum once done.
	timerArmed bool
	timerDue   time.Time
	renewing   bool
	closed     bool
}

// NewAuthenticator builds a scheduler that authenticates through
// dispatcher, minting tokens from provider. onError may be nil, in
// which case renewal failures are only logged.
func NewAuthenticator(conn amqptransport.Connection, dispatcher *Dispatcher, provider token.Provider, logger *slog.Logger, onError ErrorHandler) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		dispatcher:    dispatcher,
		conn:          conn,
		provider:      provider,
		logger:        logger,
		onError:       onError,
		TokenDuration: defaultTokenDuration,
		entries:       make(map[string]*renewEntry),
	}
}

func (a *Authenticator) tokenDuration() time.Duration {
	if a.TokenDuration <= 0 {
		return defaultTokenDuration
	}
	return a.TokenDuration
}

// Authenticate fetches a token for audience and pushes it to the CBS
// node. If autoRenew is true, audience is enrolled in (or updated in)
// the renewal table and the scheduler's timer is re-armed if this
// token expires sooner than whatever was previously the earliest
// (spec §4.3).
func (a *Authenticator) Authenticate(ctx context.Context, audience string, claims []string, autoRenew bool) error {
	if !a.dispatcher.Ready() {
		return invalidOperationNotReady()
	}

	info, err := a.provider.GetToken(ctx, audience, claims, a.tokenDuration())
	if err != nil {
		return err
	}
	if err := a.dispatcher.SetToken(ctx, audience, info); err != nil {
		return err
	}

	if autoRenew {
		a.arm(audience, claims, info.Expiry)
	}
	return nil
}

// Remove drops audience from the renewal table. It has no effect on a
// token already pushed to the CBS node; it only stops future renewals
// (spec §4.3).
func (a *Authenticator) Remove(audience string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, strings.ToLower(audience))
	if len(a.entries) == 0 {
		a.stopTimerLocked()
	}
}

// Close stops the renewal timer. Tokens already pushed to the CBS node
// are left in place; the connection's own teardown is the caller's
// responsibility.
func (a *Authenticator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopTimerLocked()
	return nil
}

func (a *Authenticator) arm(audience string, claims []string, expiry time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	key := strings.ToLower(audience)
	a.entries[key] = &renewEntry{audience: audience, claims: claims, dueTime: expiry}

	if a.renewing {
		// A batch is in flight; it will recompute the minimum and
		// re-arm once every due entry has been handled.
		return
	}
	if !a.timerArmed || expiry.Before(a.timerDue) {
		a.armTimerLocked(expiry)
	}
}

// armTimerLocked (re)targets the scheduler's single timer at "at",
// clamping to a 1-second floor for an expiry that has already passed
// (spec §4.3 edge case).
func (a *Authenticator) armTimerLocked(at time.Time) {
	d := time.Until(at)
	if d <= 0 {
		d = time.Second
	}
	a.timerDue = at
	a.timerArmed = true
	if a.timer == nil {
		a.timer = time.AfterFunc(d, a.renew)
	} else {
		a.timer.Reset(d)
	}
}

func (a *Authenticator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerArmed = false
}

// renew is the timer callback: it snapshots every entry at or past
// due, re-authenticates each concurrently under one shared deadline,
// reports failures through onError exactly once per audience, drops
// failed audiences from the table, and finally re-arms for whatever is
// now the soonest remaining expiry (spec §4.3).
func (a *Authenticator) renew() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.renewing = true
	now := time.Now().UTC()
	due := make([]*renewEntry, 0)
	for _, e := range a.entries {
		if !e.dueTime.After(now) {
			due = append(due, e)
		}
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), renewBatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		go func(e *renewEntry) {
			defer wg.Done()
			if err := a.Authenticate(ctx, e.audience, e.claims, true); err != nil {
				a.mu.Lock()
				delete(a.entries, strings.ToLower(e.audience))
				closed := a.closed
				a.mu.Unlock()

				if closed || a.conn.IsClosed() {
					return
				}
				a.logger.Warn("token renewal failed", "audience", e.audience, "error", err)
				if a.onError != nil {
					a.onError(e.audience, e.claims, err)
				}
			}
		}(e)
	}
	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.renewing = false
	if a.closed || a.conn.IsClosed() {
		a.stopTimerLocked()
		return
	}

	var next time.Time
	has := false
	for _, e := range a.entries {
		if !has || e.dueTime.Before(next) {
			next = e.dueTime
			has = true
		}
	}
	if has {
		a.armTimerLocked(next)
	} else {
		a.stopTimerLocked()
	}
}
