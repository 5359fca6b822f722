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
	"errors"
	"fmt"
	"runtime"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

const (
	// MaxPublishRequestCount is the maximum number of messages that can be in
	// a single publish request, as defined by the PubSub service.
	MaxPublishRequestCount = 1000

	// MaxPublishRequestBytes is the maximum size of a single publish request
	// in bytes, as defined by the PubSub service.
	MaxPublishRequestBytes = 1e7
)

// PausedKeyBehavior decides what happens to messages of an ordering key
// that is paused after a failed publish.
type PausedKeyBehavior int

const (
	// PausedKeyReject fails queued messages of the key with
	// ErrPublishingPaused, and Publish rejects new messages of the key with
	// the same error until ResumePublish is called.
	PausedKeyReject PausedKeyBehavior = iota
	// PausedKeyHold keeps queued and new messages of the key until
	// ResumePublish is called, then sends them in order. Publish does not
	// block on a paused key. Held messages are failed by Stop.
	PausedKeyHold
)

func (b PausedKeyBehavior) String() string {
	switch b {
	case PausedKeyReject:
		return "reject"
	case PausedKeyHold:
		return "hold"
	}
	return fmt.Sprintf("PausedKeyBehavior(%d)", int(b))
}

// PublishSettings control the bundling of published messages.
type PublishSettings struct {
	// Publish a non-empty batch after this delay has passed.
	DelayThreshold time.Duration

	// Publish a batch when it has this many messages. The maximum is
	// MaxPublishRequestCount.
	CountThreshold int

	// Publish a batch when its size in bytes reaches this value.
	ByteThreshold int

	// No batch is larger than this many bytes. A message larger than
	// ByteLimit fails with ErrOversizedMessage. The maximum is
	// MaxPublishRequestBytes.
	ByteLimit int

	// The number of goroutines used in publishing messages concurrently.
	// Defaults to 25 * GOMAXPROCS.
	NumGoroutines int

	// The number of goroutines that run the completion functions passed to
	// PublishFunc. Defaults to 10.
	CallbackGoroutines int

	// The maximum time that the client will attempt to publish a batch,
	// including retries.
	Timeout time.Duration

	// MaxAttempts is the number of failed sends after which a batch of
	// unordered messages gives up, counting the first send. Zero retries
	// until Timeout. Batches with an ordering key are attempted once.
	MaxAttempts int

	// Backoff paces the retries of unordered batches.
	Backoff gax.Backoff

	// The maximum number of bytes that the Bundler will keep in memory before
	// returning ErrOverflow. This is now superseded by FlowControlSettings.MaxOutstandingBytes.
	// If MaxOutstandingBytes is set, that value will override BufferedByteLimit.
	//
	// Defaults to DefaultPublishSettings.BufferedByteLimit.
	BufferedByteLimit int

	// FlowControlSettings defines publisher flow control settings.
	FlowControlSettings FlowControlSettings

	// PausedKeyBehavior applies when EnableMessageOrdering is set. The
	// default is PausedKeyReject.
	PausedKeyBehavior PausedKeyBehavior
}

// DefaultPublishSettings holds the default values for topics' PublishSettings.
var DefaultPublishSettings = PublishSettings{
	DelayThreshold:     10 * time.Millisecond,
	CountThreshold:     100,
	ByteThreshold:      1e6,
	ByteLimit:          MaxPublishRequestBytes,
	NumGoroutines:      25 * runtime.GOMAXPROCS(0),
	CallbackGoroutines: 10,
	Timeout:            60 * time.Second,
	Backoff: gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        60 * time.Second,
		Multiplier: 1.3,
	},
	// By default, limit the bundler to 10 times the max message size. The number 10 is
	// chosen as a reasonable amount of messages in the worst case whilst still
	// capping the number to a low enough value to not OOM users.
	BufferedByteLimit: 10 * MaxPublishRequestBytes,
	FlowControlSettings: FlowControlSettings{
		MaxOutstandingMessages: 1000,
		MaxOutstandingBytes:    -1,
		LimitExceededBehavior:  FlowControlIgnore,
	},
}

// withDefaults fills zero fields from DefaultPublishSettings.
func (ps PublishSettings) withDefaults() PublishSettings {
	d := DefaultPublishSettings
	if ps.DelayThreshold == 0 {
		ps.DelayThreshold = d.DelayThreshold
	}
	if ps.CountThreshold == 0 {
		ps.CountThreshold = d.CountThreshold
	}
	if ps.ByteLimit == 0 {
		ps.ByteLimit = d.ByteLimit
	}
	if ps.ByteThreshold == 0 {
		ps.ByteThreshold = d.ByteThreshold
		if ps.ByteThreshold > ps.ByteLimit {
			ps.ByteThreshold = ps.ByteLimit
		}
	}
	if ps.NumGoroutines == 0 {
		ps.NumGoroutines = d.NumGoroutines
	}
	if ps.CallbackGoroutines == 0 {
		ps.CallbackGoroutines = d.CallbackGoroutines
	}
	if ps.Timeout == 0 {
		ps.Timeout = d.Timeout
	}
	if ps.Backoff == (gax.Backoff{}) {
		ps.Backoff = d.Backoff
	}
	if ps.BufferedByteLimit == 0 {
		ps.BufferedByteLimit = d.BufferedByteLimit
	}
	if fc := ps.FlowControlSettings; fc.LimitExceededBehavior != FlowControlIgnore && fc.MaxOutstandingBytes > 0 {
		ps.BufferedByteLimit = fc.MaxOutstandingBytes
	}
	return ps
}

func (ps PublishSettings) validate() error {
	if ps.DelayThreshold < 0 {
		return errors.New("pubsub: invalid publish settings. DelayThreshold duration must be > 0")
	}
	if ps.CountThreshold < 0 {
		return errors.New("pubsub: invalid publish settings. CountThreshold must be > 0")
	}
	if ps.CountThreshold > MaxPublishRequestCount {
		return fmt.Errorf("pubsub: invalid publish settings. Maximum CountThreshold is MaxPublishRequestCount (%d)", MaxPublishRequestCount)
	}
	if ps.ByteLimit < 0 || ps.ByteLimit > MaxPublishRequestBytes {
		return fmt.Errorf("pubsub: invalid publish settings. ByteLimit must be in (0, MaxPublishRequestBytes (%d)]", int(MaxPublishRequestBytes))
	}
	if ps.ByteThreshold < 0 || ps.ByteThreshold > ps.ByteLimit {
		return errors.New("pubsub: invalid publish settings. ByteThreshold must be > 0 and <= ByteLimit")
	}
	if ps.NumGoroutines < 0 || ps.CallbackGoroutines < 0 {
		return errors.New("pubsub: invalid publish settings. NumGoroutines and CallbackGoroutines must be > 0")
	}
	if ps.Timeout < 0 {
		return errors.New("pubsub: invalid publish settings. Timeout duration must be > 0")
	}
	if ps.MaxAttempts < 0 {
		return errors.New("pubsub: invalid publish settings. MaxAttempts must be >= 0")
	}
	if ps.BufferedByteLimit < 0 {
		return errors.New("pubsub: invalid publish settings. BufferedByteLimit must be > 0")
	}
	switch ps.PausedKeyBehavior {
	case PausedKeyReject, PausedKeyHold:
	default:
		return fmt.Errorf("pubsub: invalid publish settings. Unknown PausedKeyBehavior %v", ps.PausedKeyBehavior)
	}
	return nil
}
