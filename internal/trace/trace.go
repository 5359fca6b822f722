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

// Package trace wraps OpenTelemetry span handling for the publisher.
package trace

import (
	"context"
	"fmt"

	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"
)

// TracerName identifies spans created by this module.
const TracerName = "github.com/pubsubsamples/topics"

// StartSpan adds a span with the given name and attributes to the trace.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) context.Context {
	ctx, _ = otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx
}

// EndSpan ends the span in ctx, recording err if it is non-nil.
func EndSpan(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusDescription(err))
	}
	span.End()
}

// statusDescription prefers the broker's own message over the full error
// chain, which repeats wrapping prefixes.
func statusDescription(err error) string {
	if ae, ok := apierror.FromError(err); ok {
		if s := ae.GRPCStatus(); s != nil {
			return s.Message()
		}
	}
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}

// AddEvent records a named event with loosely typed attributes on the span in
// ctx.
func AddEvent(ctx context.Context, name string, attrMap map[string]interface{}) {
	var attrs []attribute.KeyValue
	for k, v := range attrMap {
		var a attribute.KeyValue
		switch v := v.(type) {
		case string:
			a = attribute.String(k, v)
		case bool:
			a = attribute.Bool(k, v)
		case int:
			a = attribute.Int(k, v)
		case int64:
			a = attribute.Int64(k, v)
		default:
			a = attribute.String(k, fmt.Sprintf("%#v", v))
		}
		attrs = append(attrs, a)
	}
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
