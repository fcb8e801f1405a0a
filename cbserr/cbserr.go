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

// Package cbserr defines the error kinds raised across the CBS client
// (spec §7): Disposed, InvalidOperation, AmqpError, and Cancelled.
// Provider errors are propagated unchanged and have no wrapper here.
package cbserr

import "github.com/pkg/errors"

// ErrDisposed is returned by operations invoked on a client that has
// already been closed.
var ErrDisposed = errors.New("amqpcbs: client is disposed")

// InvalidOperation reports a precondition violation: the connection is
// not open, a message's correlation fields are already set, or
// authentication was attempted before remote-open capability
// negotiation completed.
type InvalidOperation struct {
	Reason string
}

func (e *InvalidOperation) Error() string {
	return "amqpcbs: invalid operation: " + e.Reason
}

// NewInvalidOperation builds an InvalidOperation error with the given
// reason.
func NewInvalidOperation(reason string) error {
	return &InvalidOperation{Reason: reason}
}

// AmqpError is a peer-signalled CBS failure: the put-token/set-token
// response carried a status code outside {200, 202}, or the response
// was missing required structure.
type AmqpError struct {
	Condition   string
	Description string
}

func (e *AmqpError) Error() string {
	if e.Description == "" {
		return "amqpcbs: " + e.Condition
	}
	return "amqpcbs: " + e.Condition + ": " + e.Description
}

// NewAmqpError builds an AmqpError for the given condition/description
// pair (spec §6.2).
func NewAmqpError(condition, description string) error {
	return &AmqpError{Condition: condition, Description: description}
}

// Well-known CBS error conditions (spec §6.2, §7).
const (
	ConditionNoResponse      = "amqp:cbs:no-response"
	ConditionInvalidResponse = "amqp:cbs:invalid-response"
)

// Cancelled wraps a local cancellation or a link-setup failure that
// makes further progress on a request impossible (spec §4.2's "this
// matches the client is going away").
type Cancelled struct {
	Reason string
}

func (e *Cancelled) Error() string {
	if e.Reason == "" {
		return "amqpcbs: cancelled"
	}
	return "amqpcbs: cancelled: " + e.Reason
}

// NewCancelled builds a Cancelled error with the given reason.
func NewCancelled(reason string) error {
	return &Cancelled{Reason: reason}
}

// IsDisposed reports whether err is (or wraps) ErrDisposed.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrDisposed)
}
