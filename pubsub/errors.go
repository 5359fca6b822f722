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

	"google.golang.org/api/support/bundler"
	"google.golang.org/grpc/codes"
)

var (
	// ErrTopicStopped is returned by Publish and PublishFunc after Stop has
	// been called on the Publisher.
	ErrTopicStopped = errors.New("pubsub: Stop has been called for this publisher")

	// ErrEmptyProjectID is returned by NewClient when the project ID is empty.
	ErrEmptyProjectID = errors.New("pubsub: projectID string is empty")

	// ErrOversizedMessage indicates that a message is larger than
	// PublishSettings.ByteLimit. It is wrapped in another error.
	ErrOversizedMessage = bundler.ErrOversizedItem

	errTopicOrderingNotEnabled = errors.New("pubsub: Publish with ordering key while message ordering is disabled. Set Publisher.EnableMessageOrdering = true")
)

// ErrPublishingPaused is the error a message receives when its ordering key
// is paused after an earlier failure. Call Publisher.ResumePublish to publish
// on the key again.
type ErrPublishingPaused struct {
	OrderingKey string
}

func (e ErrPublishingPaused) Error() string {
	return fmt.Sprintf("pubsub: publishing for ordering key %q paused due to a previous error. Call Publisher.ResumePublish(orderingKey) to resume", e.OrderingKey)
}

// TransportError is a failure to reach the broker or a transient broker
// failure. Unordered messages are retried on TransportError.
type TransportError struct {
	// Code is the gRPC code of the failure, or codes.Unknown if the error
	// carried no status.
	Code codes.Code
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pubsub: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is a broker-side refusal of a message. It is never retried.
type RejectedError struct {
	Code codes.Code
	// Reason is the ErrorInfo reason attached by the broker, if any.
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("pubsub: message rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pubsub: message rejected: %v", e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// MultiError reports per-message outcomes of a partially failed send. It has
// one entry per message of the batch; a nil entry means that message was
// published.
type MultiError []error

func (m MultiError) Error() string {
	s, n := "", 0
	for _, e := range m {
		if e != nil {
			if n == 0 {
				s = e.Error()
			}
			n++
		}
	}
	switch n {
	case 0:
		return "(0 errors)"
	case 1:
		return s
	case 2:
		return s + " (and 1 other error)"
	}
	return fmt.Sprintf("%s (and %d other errors)", s, n-1)
}
