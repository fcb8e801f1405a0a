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

// Package queue provides a single-consumer work serializer.
//
// Producers append work items under a mutex that is held only for the
// list append or pop, never while a work item runs, so a producer never
// waits for another producer's work to finish. The FIFO itself is not
// lock-free. The first producer to observe the pending counter go from
// zero to one becomes the drainer: it executes items until the queue is
// empty again, including any items enqueued by the work it is currently
// running. This serializes all mutations of the correlation map and
// link state in package rpc without holding a lock across them.
package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Work is a unit of serialized work. Work bodies must be total: a
// panic is recovered and dropped by the drainer so the queue never
// wedges (spec §4.1, §7 "work-body exceptions in the serializer are
// swallowed").
type Work func()

// Serializer is a mutex-guarded FIFO of Work items with an atomic
// pending counter used as the producer/consumer handoff baton.
type Serializer struct {
	mu      sync.Mutex // guards items; held only for the append/pop, never across a Work body
	items   list.List
	pending atomic.Int64
}

// New returns an empty Serializer.
func New() *Serializer {
	return &Serializer{}
}

// Enqueue appends work to the queue. If the queue was empty, the
// calling goroutine becomes the drainer and runs synchronously until
// the queue is empty; otherwise Enqueue returns immediately and some
// other goroutine (the current drainer) will execute work.
func (s *Serializer) Enqueue(work Work) {
	s.push(work)
	if s.pending.Add(1) != 1 {
		// Some other goroutine is already draining; it will pick this
		// item up before it exits (see drain's re-check loop).
		return
	}
	s.drain()
}

func (s *Serializer) push(work Work) {
	s.mu.Lock()
	s.items.PushBack(work)
	s.mu.Unlock()
}

func (s *Serializer) pop() (Work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.items.Front()
	if e == nil {
		return nil, false
	}
	s.items.Remove(e)
	return e.Value.(Work), true
}

// drain executes items until the pending counter reaches zero. Work
// enqueued by a body running inside drain is visible to this same
// drain call because Enqueue's fast path (pending.Add(1) != 1) will
// have found a nonzero counter and returned without draining itself.
func (s *Serializer) drain() {
	for {
		var executed int64
		for {
			work, ok := s.pop()
			if !ok {
				break
			}
			executed++
			runWork(work)
		}
		if s.pending.Add(-executed) == 0 {
			return
		}
		// Nonzero remaining: either pop raced ahead of a concurrent
		// Enqueue's push, or more work arrived after the inner loop's
		// last failed pop. Either way, keep draining.
	}
}

func runWork(work Work) {
	defer func() {
		_ = recover()
	}()
	work()
}

// Len reports the number of items currently believed to be pending.
// This is a snapshot for diagnostics only; it can be stale the instant
// it is read.
func (s *Serializer) Len() int64 {
	return s.pending.Load()
}
