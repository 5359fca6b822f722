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

package pubsub

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// LimitExceededBehavior configures the behavior that flowController can use in case
// the flow control limits are exceeded.
type LimitExceededBehavior int

const (
	// FlowControlIgnore disables flow control.
	FlowControlIgnore LimitExceededBehavior = iota
	// FlowControlBlock signals to wait until the request can be made without exceeding the limit.
	FlowControlBlock
	// FlowControlSignalError signals an error to the caller of acquire.
	FlowControlSignalError
)

// FlowControlSettings controls flow control for messages while publishing.
type FlowControlSettings struct {
	// MaxOutstandingMessages is the maximum number of published messages that
	// have not been resolved yet. If less than 1, there is no limit.
	MaxOutstandingMessages int

	// MaxOutstandingBytes is the maximum size of published messages that
	// have not been resolved yet. If less than 1, there is no limit.
	MaxOutstandingBytes int

	// LimitExceededBehavior configures the behavior when trying to publish
	// additional messages while the flow controller is full.
	LimitExceededBehavior LimitExceededBehavior
}

var (
	ErrFlowControllerMaxOutstandingMessages = errors.New("pubsub: MaxOutstandingMessages flow controller limit exceeded")
	ErrFlowControllerMaxOutstandingBytes    = errors.New("pubsub: MaxOutstandingBytes flow control limit exceeded")
)

// flowController bounds the messages a Publisher holds between Publish and
// the resolution of their results.
type flowController struct {
	maxCount          int
	maxSize           int                 // max total size of messages
	semCount, semSize *semaphore.Weighted // enforces max number and size of messages
	// Number of acquires minus number of releases. Atomic.
	outstanding   int64
	limitBehavior LimitExceededBehavior
}

func newFlowController(fc FlowControlSettings) *flowController {
	f := &flowController{
		maxCount:      fc.MaxOutstandingMessages,
		maxSize:       fc.MaxOutstandingBytes,
		limitBehavior: fc.LimitExceededBehavior,
	}
	if f.maxCount > 0 {
		f.semCount = semaphore.NewWeighted(int64(f.maxCount))
	}
	if f.maxSize > 0 {
		f.semSize = semaphore.NewWeighted(int64(f.maxSize))
	}
	return f
}

// acquire reserves room for one message of size bytes.
//
// With FlowControlBlock, acquire waits until there is room or ctx is done,
// and a message larger than maxSize is counted as maxSize. With
// FlowControlSignalError, acquire fails at once when there is no room.
func (f *flowController) acquire(ctx context.Context, size int) error {
	switch f.limitBehavior {
	case FlowControlIgnore:
		return nil
	case FlowControlBlock:
		if f.semCount != nil {
			if err := f.semCount.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		if f.semSize != nil {
			if err := f.semSize.Acquire(ctx, f.bound(size)); err != nil {
				if f.semCount != nil {
					f.semCount.Release(1)
				}
				return err
			}
		}
	case FlowControlSignalError:
		if f.semCount != nil && !f.semCount.TryAcquire(1) {
			return ErrFlowControllerMaxOutstandingMessages
		}
		if f.semSize != nil && !f.semSize.TryAcquire(f.bound(size)) {
			if f.semCount != nil {
				f.semCount.Release(1)
			}
			return ErrFlowControllerMaxOutstandingBytes
		}
	}
	atomic.AddInt64(&f.outstanding, 1)
	return nil
}

// release returns the room of one message of size bytes.
func (f *flowController) release(size int) {
	if f.limitBehavior == FlowControlIgnore {
		return
	}
	atomic.AddInt64(&f.outstanding, -1)
	if f.semCount != nil {
		f.semCount.Release(1)
	}
	if f.semSize != nil {
		f.semSize.Release(f.bound(size))
	}
}

// bound caps size at maxSize so a single large message can still pass in
// FlowControlBlock mode. In FlowControlSignalError mode oversized messages
// are refused.
func (f *flowController) bound(size int) int64 {
	if f.limitBehavior == FlowControlBlock && size > f.maxSize {
		return int64(f.maxSize)
	}
	return int64(size)
}

func (f *flowController) count() int {
	return int(atomic.LoadInt64(&f.outstanding))
}
