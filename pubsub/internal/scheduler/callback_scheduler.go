// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"errors"
	"sync"
)

// ErrDraining is returned by Add when the scheduler is shutting down.
var ErrDraining = errors.New("pubsub: callback scheduler is draining")

// CallbackScheduler runs completion handlers on a bounded number of
// goroutines, apart from the goroutines that send batches.
//
// Handlers of the same non-empty key run one at a time in the order their
// places were taken with Reserve (or Add). Handlers of the empty key run in
// any order.
type CallbackScheduler struct {
	workers chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	queues map[string]*callbackQueue
	wg     sync.WaitGroup
}

type callbackQueue struct {
	tickets []*Ticket
	running bool
}

// Ticket is a place in the handler order of a key. Every Ticket must be run
// exactly once.
type Ticket struct {
	s   *CallbackScheduler
	key string
	fn  func()
}

// NewCallbackScheduler creates a new CallbackScheduler.
//
// The workers arg is the number of handlers that may run at once. If the
// workers arg is 0, then a healthy default of 10 workers is used.
func NewCallbackScheduler(workers int) *CallbackScheduler {
	if workers == 0 {
		workers = 10
	}
	return &CallbackScheduler{
		workers: make(chan struct{}, workers),
		done:    make(chan struct{}),
		queues:  make(map[string]*callbackQueue),
	}
}

// Reserve takes the next place in the handler order of key. The handler
// behind the ticket runs once the ticket and every earlier ticket of key have
// been run. Reserve never blocks.
func (s *CallbackScheduler) Reserve(key string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, ErrDraining
	default:
	}

	s.wg.Add(1)
	t := &Ticket{s: s, key: key}
	if key == "" {
		return t, nil
	}
	q, ok := s.queues[key]
	if !ok {
		q = &callbackQueue{}
		s.queues[key] = q
	}
	q.tickets = append(q.tickets, t)
	return t, nil
}

// Run schedules handle(item) at the ticket's place. Run never blocks and
// is accepted even while the scheduler is draining.
func (t *Ticket) Run(item interface{}, handle func(item interface{})) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t.fn = func() { handle(item) }
	if t.key == "" {
		go s.run(t.fn)
		return
	}
	q := s.queues[t.key]
	if !q.running && q.tickets[0].fn != nil {
		q.running = true
		go s.drain(t.key, q)
	}
}

// Add schedules handle(item) under the given key. Add never blocks.
func (s *CallbackScheduler) Add(key string, item interface{}, handle func(item interface{})) error {
	t, err := s.Reserve(key)
	if err != nil {
		return err
	}
	t.Run(item, handle)
	return nil
}

// drain runs the handlers of key until its queue is empty or its head has
// not been run yet.
func (s *CallbackScheduler) drain(key string, q *callbackQueue) {
	for {
		s.mu.Lock()
		if len(q.tickets) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		head := q.tickets[0]
		if head.fn == nil {
			q.running = false
			s.mu.Unlock()
			return
		}
		q.tickets[0] = nil
		q.tickets = q.tickets[1:]
		s.mu.Unlock()

		s.run(head.fn)
	}
}

func (s *CallbackScheduler) run(fn func()) {
	defer s.wg.Done()
	s.workers <- struct{}{}
	defer func() { <-s.workers }()
	fn()
}

// Shutdown stops handing out tickets and waits until every ticket already
// handed out has been run and its handler has returned. It is safe to call
// more than once.
func (s *CallbackScheduler) Shutdown() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
