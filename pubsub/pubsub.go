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

// Package pubsub publishes messages to Google Cloud Pub/Sub topics and
// manages the topics and subscriptions of a project.
//
// The Publisher batches messages, sends the batches on a bounded pool of
// goroutines and, when message ordering is enabled, keeps the messages of
// each ordering key in publish order. A failed publish on an ordering key
// pauses the key until ResumePublish is called.
//
// More information about Google Cloud Pub/Sub is available on
// https://cloud.google.com/pubsub/docs
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/internallog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	// ScopePubSub grants permissions to view and manage Pub/Sub
	// topics and subscriptions.
	ScopePubSub = "https://www.googleapis.com/auth/pubsub"

	// ScopeCloudPlatform grants permissions to view and manage your data
	// across Google Cloud Platform services.
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	// DetectProjectID is a sentinel value that instructs NewClient to detect
	// the project ID. It is given in place of the projectID argument.
	// NewClient will use the project ID from the given credentials or the
	// default credentials
	// (https://developers.google.com/accounts/docs/application-default-credentials)
	// if no credentials were provided. When providing credentials, not all
	// options will allow NewClient to extract the project ID. Specifically a
	// JWT does not have the project ID encoded.
	DetectProjectID = "*detect-project-id*"

	emulatorHostEnv = "PUBSUB_EMULATOR_HOST"
)

// Client is a Google Pub/Sub client scoped to a single project.
//
// Clients should be reused rather than being created as needed.
// A Client may be shared by multiple goroutines.
type Client struct {
	projectID     string
	pubc          *vkit.PublisherClient
	subc          *vkit.SubscriberClient
	logger        *slog.Logger
	enableTracing bool
}

// ClientConfig has configurations for the client.
type ClientConfig struct {
	PublisherCallOptions  *vkit.PublisherCallOptions
	SubscriberCallOptions *vkit.SubscriberCallOptions

	// Logger receives the debug output of the client and its publishers.
	// If nil, logging follows the GOOGLE_SDK_GO_LOGGING_LEVEL environment
	// variable.
	Logger *slog.Logger

	// EnableOpenTelemetryTracing enables a span around every batch sent by a
	// Publisher.
	EnableOpenTelemetryTracing bool
}

// NewClient creates a new Pub/Sub client. It uses a default configuration.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (c *Client, err error) {
	return NewClientWithConfig(ctx, projectID, nil, opts...)
}

// NewClientWithConfig creates a new Pub/Sub client.
func NewClientWithConfig(ctx context.Context, projectID string, config *ClientConfig, opts ...option.ClientOption) (c *Client, err error) {
	if projectID == "" {
		return nil, ErrEmptyProjectID
	}
	if config == nil {
		config = &ClientConfig{}
	}
	var o []option.ClientOption
	// Environment variables for gcloud emulator:
	// https://cloud.google.com/sdk/gcloud/reference/beta/emulators/pubsub/
	if addr := os.Getenv(emulatorHostEnv); addr != "" {
		o = []option.ClientOption{
			option.WithEndpoint(addr),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			option.WithoutAuthentication(),
			option.WithTelemetryDisabled(),
			internaloption.SkipDialSettingsValidation(),
		}
	} else {
		numConns := runtime.GOMAXPROCS(0)
		if numConns > 4 {
			numConns = 4
		}
		o = []option.ClientOption{
			// Create multiple connections to increase throughput.
			option.WithGRPCConnectionPool(numConns),
			option.WithGRPCDialOption(grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time: 5 * time.Minute,
			})),
		}
	}
	logger := internallog.New(config.Logger)
	o = append(o, option.WithLogger(logger))
	o = append(o, opts...)

	if projectID == DetectProjectID {
		projectID, err = detectProjectID(ctx)
		if err != nil {
			return nil, err
		}
	}

	pubc, err := vkit.NewPublisherClient(ctx, o...)
	if err != nil {
		return nil, fmt.Errorf("pubsub(publisher): %w", err)
	}
	subc, err := vkit.NewSubscriberClient(ctx, o...)
	if err != nil {
		pubc.Close()
		return nil, fmt.Errorf("pubsub(subscriber): %w", err)
	}
	if config.PublisherCallOptions != nil {
		mergePublisherCallOptions(pubc.CallOptions, config.PublisherCallOptions)
	}
	if config.SubscriberCallOptions != nil {
		mergeSubscriberCallOptions(subc.CallOptions, config.SubscriberCallOptions)
	}
	return &Client{
		projectID:     projectID,
		pubc:          pubc,
		subc:          subc,
		logger:        logger,
		enableTracing: config.EnableOpenTelemetryTracing,
	}, nil
}

// detectProjectID reads the project ID from Application Default Credentials.
// Only the emulator path, which has no credentials, is refused.
func detectProjectID(ctx context.Context) (string, error) {
	if os.Getenv(emulatorHostEnv) != "" {
		return "", errors.New("pubsub: cannot detect the project ID when using the emulator")
	}
	creds, err := google.FindDefaultCredentials(ctx, ScopePubSub, ScopeCloudPlatform)
	if err != nil {
		return "", fmt.Errorf("pubsub: %w", err)
	}
	if creds.ProjectID == "" {
		return "", errors.New("pubsub: see the docs on DetectProjectID")
	}
	return creds.ProjectID, nil
}

// mergePublisherCallOptions appends the options of src to those of dst, so
// that src takes precedence.
func mergePublisherCallOptions(dst, src *vkit.PublisherCallOptions) {
	dst.CreateTopic = merge(dst.CreateTopic, src.CreateTopic)
	dst.GetTopic = merge(dst.GetTopic, src.GetTopic)
	dst.ListTopics = merge(dst.ListTopics, src.ListTopics)
	dst.ListTopicSubscriptions = merge(dst.ListTopicSubscriptions, src.ListTopicSubscriptions)
	dst.DeleteTopic = merge(dst.DeleteTopic, src.DeleteTopic)
	dst.Publish = merge(dst.Publish, src.Publish)
}

func mergeSubscriberCallOptions(dst, src *vkit.SubscriberCallOptions) {
	dst.CreateSubscription = merge(dst.CreateSubscription, src.CreateSubscription)
	dst.GetSubscription = merge(dst.GetSubscription, src.GetSubscription)
	dst.ListSubscriptions = merge(dst.ListSubscriptions, src.ListSubscriptions)
	dst.DeleteSubscription = merge(dst.DeleteSubscription, src.DeleteSubscription)
}

func merge(a, b []gax.CallOption) []gax.CallOption {
	if len(b) == 0 {
		return a
	}
	out := make([]gax.CallOption, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Close releases any resources held by the client, such as memory and
// goroutines.
//
// If the client is available for the lifetime of the program, then Close
// need not be called at exit.
func (c *Client) Close() error {
	pubErr := c.pubc.Close()
	subErr := c.subc.Close()
	if pubErr != nil {
		return fmt.Errorf("pubsub publisher closing error: %w", pubErr)
	}
	if subErr != nil {
		return fmt.Errorf("pubsub subscriber closing error: %w", subErr)
	}
	return nil
}

// Project returns the project ID or number for this instance of the client,
// which may have either been explicitly specified or autodetected.
func (c *Client) Project() string {
	return c.projectID
}
