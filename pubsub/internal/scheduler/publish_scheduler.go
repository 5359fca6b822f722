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

// Package scheduler provides keyed schedulers for the publish path: one that
// bundles and sends batches, one that runs completion handlers.
package scheduler

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/support/bundler"
)

var (
	// ErrKeyPaused is returned by Add when the key is paused and the
	// scheduler discards batches of paused keys.
	ErrKeyPaused = errors.New("pubsub: ordering key is paused")

	// ErrStopped is returned by Add after FlushAndStop has been called.
	ErrStopped = errors.New("pubsub: publish scheduler stopped")
)

type keyStatus int

const (
	keyActive keyStatus = iota
	keyPaused
)

func (s keyStatus) String() string {
	switch s {
	case keyActive:
		return "active"
	case keyPaused:
		return "paused"
	}
	return "unknown"
}

// keyState is the dispatch state of one key. Batches leave the bundler in
// order and wait in queue until the key may send again.
type keyState struct {
	status   keyStatus
	queue    []interface{}
	inFlight bool
}

// PublishScheduler is a scheduler which is designed for Pub/Sub's Publish flow.
// It bundles items before handling them. All items in this PublishScheduler use
// the same handler.
//
// Each item is added with a given key. Items added to the empty string key are
// handled in random order. Items added to any other key are handled
// sequentially: a batch of a key is handed to the handler only after the
// previous batch of that key returned. When the handler returns an error for a
// keyed batch, the key is paused and stays paused until Resume is called.
type PublishScheduler struct {
	// Settings passed down to each bundler that gets created.
	DelayThreshold       time.Duration
	BundleCountThreshold int
	BundleByteThreshold  int
	BundleByteLimit      int
	BufferedByteLimit    int

	// HoldPaused keeps the batches of a paused key until Resume. When false,
	// those batches are passed to the discard function and Add rejects the key
	// with ErrKeyPaused.
	HoldPaused bool

	mu          sync.Mutex
	idle        *sync.Cond
	bundlers    map[string]*bundler.Bundler
	outstanding map[string]int
	keys        map[string]*keyState
	// busy counts batches that are queued on an active key or being handled.
	busy    int
	stopped bool

	workers chan struct{}
	handle  func(bundle interface{}) error
	discard func(key string, bundle interface{})
}

// NewPublishScheduler returns a new PublishScheduler.
//
// The workers arg is the number of concurrent calls to handle. If the workers
// arg is 0, then a healthy default of 10 workers is used.
//
// The scheduler does not use a parent context. If it did, canceling that
// context would immediately stop the scheduler without waiting for
// undelivered messages.
//
// The scheduler should be stopped only with FlushAndStop.
//
// discard receives batches that will never be handled because their key is
// paused. It is called with the scheduler's lock held and must not call back
// into the scheduler.
func NewPublishScheduler(workers int, handle func(bundle interface{}) error, discard func(key string, bundle interface{})) *PublishScheduler {
	if workers == 0 {
		workers = 10
	}
	s := PublishScheduler{
		bundlers:    make(map[string]*bundler.Bundler),
		outstanding: make(map[string]int),
		keys:        make(map[string]*keyState),
		workers:     make(chan struct{}, workers),
		handle:      handle,
		discard:     discard,
	}
	s.idle = sync.NewCond(&s.mu)
	return &s
}

// Add adds an item to the scheduler at a given key.
//
// Add never blocks. BufferedByteLimit bounds only the bytes that have not yet
// left the key's bundler. Batches waiting behind a busy or paused key do not
// count against it, so callers bound them with their own flow control.
func (s *PublishScheduler) Add(key string, item interface{}, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if ks, ok := s.keys[key]; ok && ks.status == keyPaused && !s.HoldPaused {
		return ErrKeyPaused
	}
	b, ok := s.bundlers[key]
	if !ok {
		b = bundler.NewBundler(item, func(bundle interface{}) {
			s.enqueue(key, bundle)
		})
		// Zero settings keep the bundler defaults.
		if s.DelayThreshold > 0 {
			b.DelayThreshold = s.DelayThreshold
		}
		if s.BundleCountThreshold > 0 {
			b.BundleCountThreshold = s.BundleCountThreshold
		}
		if s.BundleByteThreshold > 0 {
			b.BundleByteThreshold = s.BundleByteThreshold
		}
		if s.BundleByteLimit > 0 {
			b.BundleByteLimit = s.BundleByteLimit
		}
		if s.BufferedByteLimit > 0 {
			b.BufferedByteLimit = s.BufferedByteLimit
		}
		// The handler only queues the batch; dispatch happens in pumpLocked.
		b.HandlerLimit = 1
		s.bundlers[key] = b
	}
	s.outstanding[key]++
	if err := b.Add(item, size); err != nil {
		s.releaseLocked(key, 1)
		return err
	}
	return nil
}

// enqueue receives a finished batch from a key's bundler.
func (s *PublishScheduler) enqueue(key string, bundle interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.stateLocked(key)
	if ks.status == keyPaused {
		if !s.HoldPaused {
			s.dropLocked(key, bundle)
			return
		}
		ks.queue = append(ks.queue, bundle)
		return
	}
	ks.queue = append(ks.queue, bundle)
	s.busy++
	s.pumpLocked(key, ks)
}

func (s *PublishScheduler) stateLocked(key string) *keyState {
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	return ks
}

// pumpLocked starts sends for key. Keyed batches go out one at a time.
func (s *PublishScheduler) pumpLocked(key string, ks *keyState) {
	for ks.status == keyActive && len(ks.queue) > 0 {
		if key != "" && ks.inFlight {
			return
		}
		bundle := ks.queue[0]
		ks.queue[0] = nil
		ks.queue = ks.queue[1:]
		if key != "" {
			ks.inFlight = true
		}
		go s.send(key, bundle)
	}
}

func (s *PublishScheduler) send(key string, bundle interface{}) {
	s.workers <- struct{}{}
	err := s.handle(bundle)
	<-s.workers

	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.stateLocked(key)
	ks.inFlight = false
	s.busy--
	if err != nil && key != "" {
		s.pauseLocked(key, ks)
	}
	s.releaseLocked(key, reflect.ValueOf(bundle).Len())
	s.pumpLocked(key, ks)
	s.idle.Broadcast()
}

func (s *PublishScheduler) pauseLocked(key string, ks *keyState) {
	if ks.status == keyPaused {
		return
	}
	ks.status = keyPaused
	s.busy -= len(ks.queue)
	if s.HoldPaused {
		return
	}
	queued := ks.queue
	ks.queue = nil
	for _, bundle := range queued {
		s.dropLocked(key, bundle)
	}
}

// dropLocked hands a batch that will not be sent to the discard function.
func (s *PublishScheduler) dropLocked(key string, bundle interface{}) {
	s.discard(key, bundle)
	s.releaseLocked(key, reflect.ValueOf(bundle).Len())
}

// releaseLocked forgets n items of key. A key with nothing outstanding loses
// its bundler, and its state unless the key is paused.
func (s *PublishScheduler) releaseLocked(key string, n int) {
	s.outstanding[key] -= n
	if s.outstanding[key] > 0 {
		return
	}
	delete(s.outstanding, key)
	delete(s.bundlers, key)
	if ks, ok := s.keys[key]; ok && ks.status == keyActive && !ks.inFlight && len(ks.queue) == 0 {
		delete(s.keys, key)
	}
}

// Pause pauses key as if a batch of it had failed. The empty key cannot be
// paused.
func (s *PublishScheduler) Pause(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked(key, s.stateLocked(key))
}

// IsPaused reports whether key is paused.
func (s *PublishScheduler) IsPaused(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	return ok && ks.status == keyPaused
}

// Resume makes a paused key active again. Held batches of the key are sent
// in their original order, or discarded once FlushAndStop has been called.
func (s *PublishScheduler) Resume(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keys[key]
	if !ok || ks.status != keyPaused {
		return
	}
	ks.status = keyActive
	if s.stopped {
		// FlushAndStop no longer waits for new sends.
		held := ks.queue
		ks.queue = nil
		for _, bundle := range held {
			s.dropLocked(key, bundle)
		}
		return
	}
	s.busy += len(ks.queue)
	if len(ks.queue) == 0 && s.outstanding[key] == 0 {
		delete(s.keys, key)
		return
	}
	s.pumpLocked(key, ks)
}

// Flush hands every buffered item to a batch and waits until all batches
// that are not held by a paused key have been handled.
func (s *PublishScheduler) Flush() {
	s.mu.Lock()
	bundlers := make([]*bundler.Bundler, 0, len(s.bundlers))
	for _, b := range s.bundlers {
		bundlers = append(bundlers, b)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range bundlers {
		b := b
		g.Go(func() error {
			b.Flush()
			return nil
		})
	}
	g.Wait()

	s.mu.Lock()
	for s.busy > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// FlushAndStop flushes, stops accepting items and discards every batch still
// held by a paused key. FlushAndStop blocks until all items have been handled
// or discarded. It is safe to call more than once.
func (s *PublishScheduler) FlushAndStop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ks := range s.keys {
		if ks.status != keyPaused {
			continue
		}
		held := ks.queue
		ks.queue = nil
		for _, bundle := range held {
			s.dropLocked(key, bundle)
		}
	}
}
