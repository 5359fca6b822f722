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
	"fmt"
	"time"

	"github.com/pubsubsamples/topics/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/pubsubsamples/topics/pubsub"

	sendSpanSuffix = "send"

	systemAttribute             = "messaging.system"
	destinationAttribute        = "messaging.destination.name"
	numBatchedMessagesAttribute = "messaging.batch.message_count"
	orderingKeyAttribute        = "messaging.gcp_pubsub.message.ordering_key"
	statusAttribute             = "status"
	attemptAttribute            = "attempt"
)

// publishMetrics holds the instruments recorded by a Publisher.
type publishMetrics struct {
	messages  metric.Int64Counter
	batchSize metric.Int64Histogram
	latency   metric.Float64Histogram
}

func newPublishMetrics() *publishMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	m := &publishMetrics{}
	var err error
	if m.messages, err = meter.Int64Counter("pubsub.publish.messages",
		metric.WithDescription("Messages resolved by the publisher, by status"),
		metric.WithUnit("{message}")); err != nil {
		otel.Handle(err)
	}
	if m.batchSize, err = meter.Int64Histogram("pubsub.publish.batch_size",
		metric.WithDescription("Messages per batch sent to the broker"),
		metric.WithUnit("{message}")); err != nil {
		otel.Handle(err)
	}
	if m.latency, err = meter.Float64Histogram("pubsub.publish.latency",
		metric.WithDescription("Time from Publish to resolution"),
		metric.WithUnit("ms")); err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *publishMetrics) recordResult(ctx context.Context, topic string, bm *bundledMessage, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(destinationAttribute, topic),
		attribute.String(statusAttribute, status),
	)
	if m.messages != nil {
		m.messages.Add(ctx, 1, attrs)
	}
	if m.latency != nil && !bm.accepted.IsZero() {
		m.latency.Record(ctx, float64(time.Since(bm.accepted))/float64(time.Millisecond), attrs)
	}
}

func (m *publishMetrics) recordBatch(ctx context.Context, topic string, n int) {
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(n), metric.WithAttributes(attribute.String(destinationAttribute, topic)))
	}
}

// startSendSpan starts the span covering every attempt to send one batch.
func (p *Publisher) startSendSpan(ctx context.Context, key string, n int) context.Context {
	if !p.enableTracing {
		return ctx
	}
	return trace.StartSpan(ctx, fmt.Sprintf("%s %s", p.name, sendSpanSuffix),
		attribute.String(systemAttribute, "gcp_pubsub"),
		attribute.String(destinationAttribute, p.ID()),
		attribute.Int(numBatchedMessagesAttribute, n),
		attribute.String(orderingKeyAttribute, key),
	)
}

func (p *Publisher) endSendSpan(ctx context.Context, err error) {
	if p.enableTracing {
		trace.EndSpan(ctx, err)
	}
}

func (p *Publisher) retryEvent(ctx context.Context, attempt int, err error) {
	if p.enableTracing {
		trace.AddEvent(ctx, "retry", map[string]interface{}{
			attemptAttribute: attempt,
			"error":          err.Error(),
		})
	}
}
