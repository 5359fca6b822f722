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

package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// RetryN calls f with increasing attempt numbers, starting at 1, pausing
// between calls according to bo. It returns when
//   - f reports stop, with f's error;
//   - ctx is done, with an error that matches both ctx.Err() and the last
//     error from f;
//   - maxAttempts > 0 and f has failed maxAttempts times, with a
//     *RetryExhaustedError.
//
// maxAttempts <= 0 retries until ctx is done.
func RetryN(ctx context.Context, bo gax.Backoff, maxAttempts int, f func(attempt int) (stop bool, err error)) error {
	return retryN(ctx, bo, maxAttempts, f, gax.Sleep)
}

func retryN(ctx context.Context, bo gax.Backoff, maxAttempts int, f func(attempt int) (stop bool, err error),
	sleep func(context.Context, time.Duration) error) error {
	var failures []error
	for attempt := 1; ; attempt++ {
		stop, err := f(attempt)
		if stop {
			return err
		}
		// Context errors come from the caller's deadline, not from the broker.
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			failures = append(failures, err)
		}
		if maxAttempts > 0 && len(failures) >= maxAttempts {
			return &RetryExhaustedError{MaxAttempts: maxAttempts, Errors: failures}
		}
		if ctxErr := sleep(ctx, bo.Pause()); ctxErr != nil {
			if len(failures) == 0 {
				return ctxErr
			}
			return &retryAbortedError{ctxErr: ctxErr, lastErr: failures[len(failures)-1]}
		}
	}
}

// RetryExhaustedError is returned by RetryN when the retry budget is spent.
type RetryExhaustedError struct {
	// MaxAttempts is the budget that was reached.
	MaxAttempts int
	// Errors holds every failure in the order they occurred.
	Errors []error
}

func (e *RetryExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("retry exhausted after %d attempts", e.MaxAttempts)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "retry exhausted after %d attempts; errors:", e.MaxAttempts)
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "\n  [%d]: %v", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the most recent failure.
func (e *RetryExhaustedError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// retryAbortedError reports that the context ended while waiting to retry.
// It matches both the context error and the last failure.
type retryAbortedError struct {
	ctxErr  error
	lastErr error
}

func (e *retryAbortedError) Error() string {
	return fmt.Sprintf("retry failed with %v; last error: %v", e.ctxErr, e.lastErr)
}

func (e *retryAbortedError) Unwrap() error {
	return e.lastErr
}

func (e *retryAbortedError) Is(target error) bool {
	return e.ctxErr == target || e.lastErr == target
}
