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
	"strings"
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Subscription is a reference to a PubSub subscription.
type Subscription struct {
	c *Client

	// The fully qualified identifier for the subscription, in the format "projects/<projid>/subscriptions/<name>"
	name string
}

// PushConfig contains configuration for subscriptions that operate in push mode.
type PushConfig struct {
	// A URL locating the endpoint to which messages should be pushed.
	Endpoint string

	// Endpoint configuration attributes. See https://cloud.google.com/pubsub/docs/reference/rest/v1/projects.subscriptions#pushconfig for more details.
	Attributes map[string]string
}

func (pc *PushConfig) toProto() *pb.PushConfig {
	if pc == nil || pc.Endpoint == "" {
		return nil
	}
	return &pb.PushConfig{PushEndpoint: pc.Endpoint, Attributes: pc.Attributes}
}

// SubscriptionConfig describes the configuration of a subscription.
type SubscriptionConfig struct {
	Topic *Topic

	// If non-empty, messages are pushed to this endpoint. Otherwise the
	// subscription is a pull subscription.
	PushConfig PushConfig

	// The default maximum time after a subscriber receives a message before
	// the subscriber should acknowledge the message. Zero lets the server
	// choose. Otherwise it must be between 10 seconds and 10 minutes.
	AckDeadline time.Duration

	// How long to retain unacknowledged messages. Zero lets the server choose.
	RetentionDuration time.Duration

	// When true, messages published with the same ordering key are delivered
	// in the order they were published.
	EnableMessageOrdering bool

	// Filter limits delivered messages to those whose attributes match.
	Filter string
}

func (cfg *SubscriptionConfig) toProto(name string) *pb.Subscription {
	ps := &pb.Subscription{
		Name:                  name,
		Topic:                 cfg.Topic.name,
		PushConfig:            cfg.PushConfig.toProto(),
		AckDeadlineSeconds:    int32(cfg.AckDeadline.Seconds()),
		EnableMessageOrdering: cfg.EnableMessageOrdering,
		Filter:                cfg.Filter,
	}
	if cfg.RetentionDuration != 0 {
		ps.MessageRetentionDuration = durationpb.New(cfg.RetentionDuration)
	}
	return ps
}

func (c *Client) subscriptionConfigFromProto(ps *pb.Subscription) SubscriptionConfig {
	cfg := SubscriptionConfig{
		Topic:                 &Topic{c: c, name: ps.Topic},
		AckDeadline:           time.Second * time.Duration(ps.AckDeadlineSeconds),
		EnableMessageOrdering: ps.EnableMessageOrdering,
		Filter:                ps.Filter,
	}
	if ps.MessageRetentionDuration != nil {
		cfg.RetentionDuration = ps.MessageRetentionDuration.AsDuration()
	}
	if pc := ps.PushConfig; pc != nil {
		cfg.PushConfig = PushConfig{Endpoint: pc.PushEndpoint, Attributes: pc.Attributes}
	}
	return cfg
}

// CreateSubscription creates a new subscription on a topic.
//
// id is the name of the subscription to create. It must start with a letter,
// and contain only letters ([A-Za-z]), numbers ([0-9]), dashes (-),
// underscores (_), periods (.), tildes (~), plus (+) or percent signs (%). It
// must be between 3 and 255 characters in length, and must not start with
// "goog".
//
// If the subscription already exists an error will be returned.
func (c *Client) CreateSubscription(ctx context.Context, id string, cfg SubscriptionConfig) (*Subscription, error) {
	if cfg.Topic == nil {
		return nil, errors.New("pubsub: require non-nil Topic")
	}
	if cfg.AckDeadline != 0 && (cfg.AckDeadline < 10*time.Second || cfg.AckDeadline > 600*time.Second) {
		return nil, fmt.Errorf("ack deadline must be between 10 and 600 seconds; got: %v", cfg.AckDeadline)
	}
	sub := c.Subscription(id)
	if _, err := c.subc.CreateSubscription(ctx, cfg.toProto(sub.name)); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscription creates a reference to a subscription.
func (c *Client) Subscription(id string) *Subscription {
	return &Subscription{c: c, name: fmt.Sprintf("projects/%s/subscriptions/%s", c.projectID, id)}
}

// Subscriptions returns an iterator which returns all of the subscriptions for the client's project.
func (c *Client) Subscriptions(ctx context.Context) *SubscriptionIterator {
	it := c.subc.ListSubscriptions(ctx, &pb.ListSubscriptionsRequest{Project: c.fullyQualifiedProjectName()})
	return &SubscriptionIterator{c: c, it: it}
}

// String returns the globally unique printable name of the subscription.
func (s *Subscription) String() string {
	return s.name
}

// ID returns the unique identifier of the subscription within its project.
func (s *Subscription) ID() string {
	slash := strings.LastIndex(s.name, "/")
	if slash == -1 {
		// name is not a fully-qualified name.
		panic("bad subscription name")
	}
	return s.name[slash+1:]
}

// Delete deletes the subscription.
func (s *Subscription) Delete(ctx context.Context) error {
	return s.c.subc.DeleteSubscription(ctx, &pb.DeleteSubscriptionRequest{Subscription: s.name})
}

// Exists reports whether the subscription exists on the server.
func (s *Subscription) Exists(ctx context.Context) (bool, error) {
	_, err := s.c.subc.GetSubscription(ctx, &pb.GetSubscriptionRequest{Subscription: s.name})
	if err == nil {
		return true, nil
	}
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	return false, err
}

// Config fetches the current configuration for the subscription.
func (s *Subscription) Config(ctx context.Context) (SubscriptionConfig, error) {
	ps, err := s.c.subc.GetSubscription(ctx, &pb.GetSubscriptionRequest{Subscription: s.name})
	if err != nil {
		return SubscriptionConfig{}, err
	}
	return s.c.subscriptionConfigFromProto(ps), nil
}
