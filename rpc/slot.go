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

package rpc

import (
	"sync/atomic"

	"github.com/bbockelm/amqpcbs/amqptransport"
)

// slotState is the per-request state machine of spec §4.2: an atomic
// CAS on an integer field, winner drives the terminal action.
type slotState int32

const (
	statePending slotState = iota
	stateCancelled
	stateFailed
	stateCompleted
)

// requestSlot is one outstanding request/response correlation (spec
// §3 RequestSlot). It lives in Client.correlation keyed by
// message-id for exactly the window between insertion and its
// terminal transition.
type requestSlot struct {
	correlationID string
	state         atomic.Int32

	response *amqptransport.Message
	err      error

	// done is closed exactly once, by whichever goroutine wins the CAS
	// race to a terminal state, after response/err have been set.
	done chan struct{}

	// cancelRegistration disposes the slot's cancellation-token
	// subscription; set by Send, called once the slot goes terminal so
	// a long-lived context never leaks a callback reference (spec §9).
	cancelRegistration func()
}

func newRequestSlot(correlationID string) *requestSlot {
	return &requestSlot{
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// transitionCancelled performs the 0->1 Cancel transition. Returns
// true if this call won the race.
func (s *requestSlot) transitionCancelled() bool {
	if !s.state.CompareAndSwap(int32(statePending), int32(stateCancelled)) {
		return false
	}
	close(s.done)
	return true
}

// transitionFailed performs the 0->2 Fail transition.
func (s *requestSlot) transitionFailed(err error) bool {
	if !s.state.CompareAndSwap(int32(statePending), int32(stateFailed)) {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// transitionCompleted performs the 0->3 Complete transition.
func (s *requestSlot) transitionCompleted(resp *amqptransport.Message) bool {
	if !s.state.CompareAndSwap(int32(statePending), int32(stateCompleted)) {
		return false
	}
	s.response = resp
	close(s.done)
	return true
}

func (s *requestSlot) isTerminal() bool {
	return slotState(s.state.Load()) != statePending
}
