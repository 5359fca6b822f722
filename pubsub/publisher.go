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
	"log/slog"
	"strings"
	"sync"
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2/internallog"
	"github.com/pubsubsamples/topics/internal"
	"github.com/pubsubsamples/topics/pubsub/internal/scheduler"
	"google.golang.org/api/support/bundler"
	"google.golang.org/protobuf/proto"
)

// Publisher publishes messages to a single topic. It batches messages in
// the background and sends the batches concurrently.
//
// The methods of Publisher are safe for use by multiple goroutines. Stop
// must be called to release the goroutines of a Publisher that has been used.
type Publisher struct {
	// Settings for publishing messages. All changes must be made before the
	// first call to Publish. The default is DefaultPublishSettings.
	PublishSettings PublishSettings

	// EnableMessageOrdering enables delivery of ordered keys. It must be set
	// before the first call to Publish.
	EnableMessageOrdering bool

	// The fully qualified identifier for the topic, in the format "projects/<projid>/topics/<name>"
	name          string
	sender        Sender
	logger        *slog.Logger
	enableTracing bool

	// stopping is canceled by Stop. It ends Publish calls that wait for flow
	// control.
	stopping   context.Context
	stopCancel context.CancelFunc

	// enqueueMu keeps the completion order of a key equal to the order in
	// which its messages enter the scheduler.
	enqueueMu sync.Mutex

	// mu protects the fields below. Publish holds it for reading, Stop for
	// writing. It is never held while Publish waits.
	mu             sync.RWMutex
	stopped        bool
	scheduler      *scheduler.PublishScheduler
	callbacks      *scheduler.CallbackScheduler
	flowController *flowController
	settings       PublishSettings
	initErr        error
	metrics        *publishMetrics
}

// Publisher returns a Publisher for the topic. topicNameOrID is either a
// topic ID in the client's project or a fully qualified topic name.
//
// Avoid creating many Publisher instances for the same topic: each has its
// own batches and goroutines.
func (c *Client) Publisher(topicNameOrID string) *Publisher {
	name := topicNameOrID
	if !strings.Contains(name, "/") {
		name = fmt.Sprintf("projects/%s/topics/%s", c.projectID, name)
	}
	p := NewPublisher(name, &gapicSender{pubc: c.pubc})
	if c.logger != nil {
		p.logger = c.logger
	}
	p.enableTracing = c.enableTracing
	return p
}

// NewPublisher returns a Publisher that sends the batches of the named topic
// with s. Most programs use Client.Publisher instead.
func NewPublisher(topicName string, s Sender) *Publisher {
	p := &Publisher{
		PublishSettings: DefaultPublishSettings,
		name:            topicName,
		sender:          s,
		logger:          internallog.New(nil),
	}
	p.stopping, p.stopCancel = context.WithCancel(context.Background())
	return p
}

// ID returns the unique identifier of the topic within its project.
func (p *Publisher) ID() string {
	slash := strings.LastIndex(p.name, "/")
	if slash == -1 {
		// name is not a fully-qualified name.
		panic("bad topic name")
	}
	return p.name[slash+1:]
}

// String returns the printable globally unique name for the topic.
func (p *Publisher) String() string {
	return p.name
}

// init creates the schedulers on first use.
func (p *Publisher) init() {
	p.mu.RLock()
	ready := p.scheduler != nil || p.initErr != nil || p.stopped
	p.mu.RUnlock()
	if ready {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Must re-check, since we released the lock.
	if p.scheduler != nil || p.initErr != nil || p.stopped {
		return
	}

	ps := p.PublishSettings.withDefaults()
	if err := ps.validate(); err != nil {
		p.initErr = err
		return
	}
	// A batch is the body of a PublishRequest, which also carries the topic.
	limit := ps.ByteLimit - calcFieldSizeString(p.name)
	if limit <= 0 {
		p.initErr = fmt.Errorf("pubsub: invalid publish settings. ByteLimit %d cannot hold a request for %s", ps.ByteLimit, p.name)
		return
	}
	p.settings = ps
	p.flowController = newFlowController(ps.FlowControlSettings)
	p.metrics = newPublishMetrics()
	p.callbacks = scheduler.NewCallbackScheduler(ps.CallbackGoroutines)

	s := scheduler.NewPublishScheduler(ps.NumGoroutines, p.handleBundle, p.discardBundle)
	s.DelayThreshold = ps.DelayThreshold
	s.BundleCountThreshold = ps.CountThreshold
	s.BundleByteThreshold = min(ps.ByteThreshold, limit)
	s.BundleByteLimit = limit
	s.BufferedByteLimit = ps.BufferedByteLimit
	s.HoldPaused = ps.PausedKeyBehavior == PausedKeyHold
	p.scheduler = s
}

// Publish publishes msg to the topic asynchronously. Messages are batched and
// sent according to the Publisher's PublishSettings. Publish never blocks on
// the network. It blocks only when flow control is set to FlowControlBlock
// and the limits are reached, until there is room or ctx is done.
//
// Publish returns a non-nil PublishResult which will be ready when the
// message has been sent (or has failed to be sent) to the server.
//
// Publish creates goroutines for batching and sending messages. These
// goroutines need to be stopped by calling p.Stop(). Once Stop has been
// called, Publish fails with ErrTopicStopped.
//
// If the message has an ordering key and an earlier message of the key
// failed, the result fails with ErrPublishingPaused until ResumePublish is
// called, unless PublishSettings.PausedKeyBehavior is PausedKeyHold.
func (p *Publisher) Publish(ctx context.Context, msg *Message) *PublishResult {
	return p.publish(ctx, msg, nil)
}

// PublishFunc is like Publish and also calls onDone with the result once it
// is ready. Calls of onDone run on a pool of PublishSettings.CallbackGoroutines
// goroutines, apart from the goroutines that send batches. For messages that
// share an ordering key, onDone is called in publish order.
func (p *Publisher) PublishFunc(ctx context.Context, msg *Message, onDone func(*PublishResult)) *PublishResult {
	return p.publish(ctx, msg, onDone)
}

func (p *Publisher) publish(ctx context.Context, msg *Message, onDone func(*PublishResult)) *PublishResult {
	r := newPublishResult(uuid.NewString())
	p.init()
	key := msg.OrderingKey

	p.mu.RLock()
	err := p.initErr
	if p.stopped {
		err = ErrTopicStopped
	}
	p.mu.RUnlock()
	if err == nil && key != "" && !p.EnableMessageOrdering {
		err = errTopicOrderingNotEnabled
	}
	if err != nil {
		p.fail(key, r, onDone, err)
		return r
	}

	pm := msg.toProto()
	size := proto.Size(pm)
	if err := p.acquire(ctx, size); err != nil {
		if !errors.Is(err, ErrTopicStopped) {
			// Later messages of the key must not overtake this one.
			p.scheduler.Pause(key)
		}
		p.fail(key, r, onDone, err)
		return r
	}
	bm := &bundledMessage{
		msg:      pm,
		res:      r,
		size:     size,
		onDone:   onDone,
		accepted: time.Now(),
	}

	p.mu.RLock()
	if p.stopped {
		err = ErrTopicStopped
	} else {
		p.enqueueMu.Lock()
		if onDone != nil {
			bm.ticket = p.reserveLocked(key)
		}
		err = p.scheduler.Add(key, bm, batchSize(size))
		p.enqueueMu.Unlock()
	}
	p.mu.RUnlock()
	if err == nil {
		return r
	}

	p.flowController.release(size)
	switch {
	case errors.Is(err, scheduler.ErrKeyPaused):
		err = ErrPublishingPaused{OrderingKey: key}
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, ErrTopicStopped):
		err = ErrTopicStopped
	default:
		if errors.Is(err, bundler.ErrOversizedItem) {
			err = fmt.Errorf("pubsub: message of %d bytes exceeds ByteLimit %d: %w", size, p.settings.ByteLimit, err)
		}
		p.scheduler.Pause(key)
	}
	if bm.ticket == nil {
		p.fail(key, r, onDone, err)
		return r
	}
	r.set("", err)
	p.complete(bm.ticket, r, onDone)
	return r
}

// acquire waits for flow control room for a message of size bytes. It
// returns ErrTopicStopped if Stop is called while it waits.
func (p *Publisher) acquire(ctx context.Context, size int) error {
	if p.flowController.limitBehavior != FlowControlBlock {
		return p.flowController.acquire(ctx, size)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.stopping, cancel)
	defer stop()
	err := p.flowController.acquire(ctx, size)
	if err != nil && p.stopping.Err() != nil {
		return ErrTopicStopped
	}
	return err
}

// fail resolves a message that never entered a batch. Its completion
// function runs after those of the messages published before it on key.
func (p *Publisher) fail(key string, r *PublishResult, onDone func(*PublishResult), err error) {
	r.set("", err)
	if onDone == nil {
		return
	}
	p.enqueueMu.Lock()
	t := p.reserveLocked(key)
	p.enqueueMu.Unlock()
	p.complete(t, r, onDone)
}

// reserveLocked takes the next completion slot of key. It returns nil when
// the completion function must run in place. p.enqueueMu must be held.
func (p *Publisher) reserveLocked(key string) *scheduler.Ticket {
	if p.callbacks == nil {
		return nil
	}
	t, err := p.callbacks.Reserve(key)
	if err != nil {
		return nil
	}
	return t
}

// complete runs onDone at the slot t, or in place when t is nil.
func (p *Publisher) complete(t *scheduler.Ticket, r *PublishResult, onDone func(*PublishResult)) {
	if t == nil {
		onDone(r)
		return
	}
	t.Run(r, func(item interface{}) {
		onDone(item.(*PublishResult))
	})
}

// handleBundle sends one batch. A non-nil error pauses the batch's ordering
// key.
func (p *Publisher) handleBundle(bundle interface{}) error {
	bms := bundle.([]*bundledMessage)
	key := bms[0].msg.OrderingKey

	ctx, cancel := context.WithTimeout(context.Background(), p.settings.Timeout)
	defer cancel()
	ctx = p.startSendSpan(ctx, key, len(bms))
	p.metrics.recordBatch(ctx, p.name, len(bms))

	var err error
	if key == "" {
		err = p.sendUnordered(ctx, bms)
	} else {
		err = p.sendOrdered(ctx, key, bms)
	}
	p.endSendSpan(ctx, err)
	if key == "" {
		return nil
	}
	return err
}

// sendOrdered makes a single attempt. Retrying would let the batch race the
// ones queued behind it.
func (p *Publisher) sendOrdered(ctx context.Context, key string, bms []*bundledMessage) error {
	ids, err := p.sender.Send(ctx, p.name, protos(bms))
	if err == nil {
		err = checkIDs(ids, len(bms))
	}
	if err == nil {
		for i, bm := range bms {
			p.resolve(bm, ids[i], nil)
		}
		return nil
	}

	var first error
	var me MultiError
	if errors.As(err, &me) && len(me) == len(bms) {
		for i, bm := range bms {
			if me[i] == nil {
				p.resolve(bm, idAt(ids, i), nil)
				continue
			}
			e := classifyError(me[i])
			if first == nil {
				first = e
			}
			p.resolve(bm, "", e)
		}
	} else {
		first = classifyError(err)
		for _, bm := range bms {
			p.resolve(bm, "", first)
		}
	}
	if first != nil {
		p.logger.DebugContext(ctx, "pubsub: ordering key paused", "topic", p.name, "ordering_key", key, "error", first)
	}
	return first
}

// sendUnordered retries transport failures until the batch is published,
// MaxAttempts is spent or the batch times out. Messages of a partial failure
// are retried alone.
func (p *Publisher) sendUnordered(ctx context.Context, bms []*bundledMessage) error {
	pending := bms
	err := internal.RetryN(ctx, p.settings.Backoff, p.settings.MaxAttempts, func(attempt int) (bool, error) {
		ids, err := p.sender.Send(ctx, p.name, protos(pending))
		if err == nil {
			err = checkIDs(ids, len(pending))
		}
		if err == nil {
			for i, bm := range pending {
				p.resolve(bm, ids[i], nil)
			}
			pending = nil
			return true, nil
		}

		var me MultiError
		if errors.As(err, &me) && len(me) == len(pending) {
			var retry []*bundledMessage
			var retryErr error
			for i, bm := range pending {
				if me[i] == nil {
					p.resolve(bm, idAt(ids, i), nil)
					continue
				}
				e := classifyError(me[i])
				if !isRetryable(e) {
					p.resolve(bm, "", e)
					continue
				}
				retry = append(retry, bm)
				retryErr = e
			}
			pending = retry
			if len(pending) == 0 {
				return true, nil
			}
			p.retrying(ctx, attempt, len(pending), retryErr)
			return false, retryErr
		}

		err = classifyError(err)
		if !isRetryable(err) {
			return true, err
		}
		p.retrying(ctx, attempt, len(pending), err)
		return false, err
	})
	if len(pending) > 0 {
		p.logger.DebugContext(ctx, "pubsub: publish failed", "topic", p.name, "messages", len(pending), "error", err)
	}
	for _, bm := range pending {
		p.resolve(bm, "", err)
	}
	return err
}

func (p *Publisher) retrying(ctx context.Context, attempt, n int, err error) {
	p.logger.DebugContext(ctx, "pubsub: retrying publish", "topic", p.name, "attempt", attempt, "messages", n, "error", err)
	p.retryEvent(ctx, attempt, err)
}

// discardBundle fails the messages of a batch whose ordering key is paused.
// It runs with the scheduler's lock held.
func (p *Publisher) discardBundle(key string, bundle interface{}) {
	for _, bm := range bundle.([]*bundledMessage) {
		p.resolve(bm, "", ErrPublishingPaused{OrderingKey: key})
	}
}

// resolve completes a message that entered a batch.
func (p *Publisher) resolve(bm *bundledMessage, id string, err error) {
	bm.res.set(id, err)
	p.flowController.release(bm.size)
	p.metrics.recordResult(context.Background(), p.name, bm, err)
	if bm.onDone != nil {
		p.complete(bm.ticket, bm.res, bm.onDone)
	}
}

// Flush sends every message published so far, regardless of the batching
// thresholds, and blocks until their results are ready. Messages held by a
// paused ordering key are not waited for.
func (p *Publisher) Flush() {
	p.mu.RLock()
	s := p.scheduler
	p.mu.RUnlock()
	if s == nil {
		return
	}
	s.Flush()
}

// ResumePublish resumes accepting messages for the provided ordering key.
// Publishing using an ordering key might be paused if an error is
// encountered while publishing, to prevent messages from being published
// out of order. Messages held by the key are sent in publish order.
func (p *Publisher) ResumePublish(orderingKey string) {
	p.mu.RLock()
	s := p.scheduler
	p.mu.RUnlock()
	if s == nil || !s.IsPaused(orderingKey) {
		return
	}
	s.Resume(orderingKey)
	p.logger.Debug("pubsub: ordering key resumed", "topic", p.name, "ordering_key", orderingKey)
}

// Stop sends all remaining published messages and stops goroutines created
// for handling publishing. Messages held by paused ordering keys fail with
// ErrPublishingPaused. Stop returns once every result is ready and every
// onDone function passed to PublishFunc has returned. It is safe to call
// Stop more than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	s, cb := p.scheduler, p.callbacks
	p.mu.Unlock()
	p.stopCancel()

	if s != nil {
		s.FlushAndStop()
	}
	if cb != nil {
		cb.Shutdown()
	}
	p.logger.Debug("pubsub: publisher stopped", "topic", p.name)
}

func protos(bms []*bundledMessage) []*pb.PubsubMessage {
	msgs := make([]*pb.PubsubMessage, len(bms))
	for i, bm := range bms {
		msgs[i] = bm.msg
	}
	return msgs
}

func idAt(ids []string, i int) string {
	if i < len(ids) {
		return ids[i]
	}
	return ""
}
