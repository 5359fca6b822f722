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
	"fmt"

	vkit "cloud.google.com/go/pubsub/apiv1"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sender delivers one batch of messages to a topic on the broker.
//
// On success Send returns one server-assigned ID per message, in order. If
// the whole batch failed, Send returns a non-nil error that is not a
// MultiError. If only some messages failed, Send returns a MultiError with
// one entry per message, and ids holds the IDs of the successful ones at
// their positions.
type Sender interface {
	Send(ctx context.Context, topic string, msgs []*pb.PubsubMessage) (ids []string, err error)
}

// gapicSender sends batches with the generated Publisher client. The
// Publisher owns retries, so the client's own retries are turned off.
type gapicSender struct {
	pubc *vkit.PublisherClient
}

func (s *gapicSender) Send(ctx context.Context, topic string, msgs []*pb.PubsubMessage) ([]string, error) {
	res, err := s.pubc.Publish(ctx, &pb.PublishRequest{
		Topic:    topic,
		Messages: msgs,
	}, gax.WithRetry(func() gax.Retryer { return nil }))
	if err != nil {
		return nil, err
	}
	return res.MessageIds, nil
}

// classifyError sorts a send failure into TransportError or RejectedError.
// Context errors are returned unchanged.
func classifyError(err error) error {
	var te *TransportError
	var re *RejectedError
	if errors.As(err, &te) || errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Code: codes.Unknown, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted,
		codes.Internal, codes.Unknown, codes.DeadlineExceeded:
		return &TransportError{Code: st.Code(), Err: err}
	}
	rej := &RejectedError{Code: st.Code(), Err: err}
	if ae, ok := apierror.FromError(err); ok {
		rej.Reason = ae.Reason()
	}
	return rej
}

func isRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// checkIDs guards against a broker reply that does not match the batch.
func checkIDs(ids []string, n int) error {
	if len(ids) == n {
		return nil
	}
	return &RejectedError{
		Code: codes.Internal,
		Err:  fmt.Errorf("pubsub: got %d message IDs for %d messages", len(ids), n),
	}
}
