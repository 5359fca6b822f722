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
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/pubsubsamples/topics/pubsub/internal/scheduler"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message represents a Pub/Sub message to publish.
type Message struct {
	// Data is the actual data in the message.
	Data []byte

	// Attributes represents the key-value pairs the current message is
	// labelled with.
	Attributes map[string]string

	// OrderingKey identifies related messages for which publish order should
	// be respected. Messages with the same key are published in the order
	// Publish was called, and a failure stops later messages of the key until
	// ResumePublish is called. An empty key means the message is unordered.
	//
	// Publishing a message with a non-empty key requires
	// Publisher.EnableMessageOrdering.
	OrderingKey string
}

func (m *Message) toProto() *pb.PubsubMessage {
	return &pb.PubsubMessage{
		Data:        m.Data,
		Attributes:  m.Attributes,
		OrderingKey: m.OrderingKey,
	}
}

// A PublishResult holds the result from a call to Publish.
//
// Call Get to obtain the result of the Publish call. Example:
//
//	// Get blocks until Publish completes or ctx is done.
//	id, err := r.Get(ctx)
//	if err != nil {
//	    // TODO: Handle error.
//	}
type PublishResult struct {
	clientID string
	ready    chan struct{}
	serverID string
	err      error
}

func newPublishResult(clientID string) *PublishResult {
	return &PublishResult{clientID: clientID, ready: make(chan struct{})}
}

// Ready returns a channel that is closed when the result is ready.
// When the Ready channel is closed, Get is guaranteed not to block.
func (r *PublishResult) Ready() <-chan struct{} { return r.ready }

// Get returns the server-generated message ID and/or error result of a Publish call.
// Get blocks until the Publish call completes or the context is done.
func (r *PublishResult) Get(ctx context.Context) (serverID string, err error) {
	// If the result is already ready, return it even if the context is done.
	select {
	case <-r.Ready():
		return r.serverID, r.err
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.Ready():
		return r.serverID, r.err
	}
}

// ID returns the identifier the client assigned to the message when it was
// accepted. It is unique per message and differs from the server-generated
// ID returned by Get.
func (r *PublishResult) ID() string { return r.clientID }

func (r *PublishResult) set(sid string, err error) {
	r.serverID = sid
	r.err = err
	close(r.ready)
}

// bundledMessage is a message waiting in a batch.
type bundledMessage struct {
	msg      *pb.PubsubMessage
	res      *PublishResult
	size     int
	onDone   func(*PublishResult)
	ticket   *scheduler.Ticket
	accepted time.Time
}

// batchSize is the number of bytes a message of size bytes adds to a
// PublishRequest: the message itself plus its field tag and length.
func batchSize(size int) int {
	return 1 + protowire.SizeVarint(uint64(size)) + size
}

// calcFieldSizeString returns the encoded size of string fields.
func calcFieldSizeString(fields ...string) int {
	overhead := 0
	for _, field := range fields {
		overhead += 1 + len(field) + protowire.SizeVarint(uint64(len(field)))
	}
	return overhead
}
