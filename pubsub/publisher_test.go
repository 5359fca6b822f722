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
	"sync"
	"testing"
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/pubsubsamples/topics/internal"
	"github.com/pubsubsamples/topics/internal/testutil"
	ptestutil "github.com/pubsubsamples/topics/pubsub/internal/testutil"
	"github.com/pubsubsamples/topics/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/api/support/bundler"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// fakeSender records every batch it is given. Without a reply function it
// publishes every message with the ID "id-" + data.
type fakeSender struct {
	mu    sync.Mutex
	sent  [][]string
	reply func(call int, data []string) ([]string, error)
}

func (s *fakeSender) Send(_ context.Context, _ string, msgs []*pb.PubsubMessage) ([]string, error) {
	data := make([]string, len(msgs))
	for i, m := range msgs {
		data[i] = string(m.Data)
	}
	s.mu.Lock()
	call := len(s.sent)
	s.sent = append(s.sent, data)
	reply := s.reply
	s.mu.Unlock()
	if reply != nil {
		return reply(call, data)
	}
	return idsFor(data), nil
}

func (s *fakeSender) setReply(f func(call int, data []string) ([]string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = f
}

func (s *fakeSender) batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.sent...)
}

// sentData returns every payload sent, in send order.
func (s *fakeSender) sentData() []string {
	var all []string
	for _, b := range s.batches() {
		all = append(all, b...)
	}
	return all
}

func idsFor(data []string) []string {
	ids := make([]string, len(data))
	for i, d := range data {
		ids[i] = "id-" + d
	}
	return ids
}

// failOn fails every batch that carries the payload bad.
func failOn(bad string) func(int, []string) ([]string, error) {
	return func(_ int, data []string) ([]string, error) {
		for _, d := range data {
			if d == bad {
				return nil, status.Errorf(codes.Unavailable, "cannot publish %s", d)
			}
		}
		return idsFor(data), nil
	}
}

func newTestPublisher(s Sender) *Publisher {
	p := NewPublisher("projects/P/topics/t", s)
	p.PublishSettings.Backoff = gax.Backoff{
		Initial:    time.Millisecond,
		Max:        10 * time.Millisecond,
		Multiplier: 2,
	}
	return p
}

func publishKeyed(ctx context.Context, p *Publisher, key string, from, to int) []*PublishResult {
	var rs []*PublishResult
	for i := from; i <= to; i++ {
		rs = append(rs, p.Publish(ctx, &Message{Data: []byte(fmt.Sprint(i)), OrderingKey: key}))
	}
	return rs
}

func seqData(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprint(i))
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPublisherID(t *testing.T) {
	const id = "id"
	c, _ := newFake(t)

	p := c.Publisher(id)
	if got, want := p.ID(), id; got != want {
		t.Errorf("Publisher.ID() = %q; want %q", got, want)
	}
	if got, want := c.Publisher("projects/Q/topics/id").String(), "projects/Q/topics/id"; got != want {
		t.Errorf("Publisher.String() = %q; want %q", got, want)
	}
}

func TestStopPublishOrder(t *testing.T) {
	// Check that Stop doesn't panic if called before Publish.
	// Also that Publish after Stop returns the right error.
	ctx := context.Background()
	c := &Client{projectID: "projid"}
	topic := c.Publisher("t")
	topic.Stop()
	r := topic.Publish(ctx, &Message{})
	_, err := r.Get(ctx)
	if !errors.Is(err, ErrTopicStopped) {
		t.Errorf("got %v, want ErrTopicStopped", err)
	}
}

func TestPublishTimeout(t *testing.T) {
	ctx := context.Background()
	serv, err := testutil.NewServer()
	if err != nil {
		t.Fatal(err)
	}
	pb.RegisterPublisherServer(serv.Gsrv, &alwaysFailPublish{})
	serv.Start()
	defer serv.Close()
	conn, err := serv.Dial()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(ctx, "projectID", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	publisher := c.Publisher("t")
	publisher.PublishSettings.Timeout = time.Second
	r := publisher.Publish(ctx, &Message{})
	defer publisher.Stop()
	select {
	case <-r.Ready():
		_, err = r.Get(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(5 * publisher.PublishSettings.Timeout):
		t.Fatal("timed out")
	}
}

type alwaysFailPublish struct {
	pb.PublisherServer
}

func (s *alwaysFailPublish) Publish(ctx context.Context, req *pb.PublishRequest) (*pb.PublishResponse, error) {
	return nil, status.Errorf(codes.Unavailable, "try again")
}

func mustCreatePublisher(t *testing.T, c *Client, id string) *Publisher {
	t.Helper()
	mustCreateTopic(t, c, id)
	return c.Publisher(id)
}

func TestFlushStopTopic(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)
	publisher := mustCreatePublisher(t, c, "flush-topic")

	// Subsequent publishes after a flush should succeed.
	publisher.Flush()
	r1 := publisher.Publish(ctx, &Message{
		Data: []byte("hello"),
	})
	_, err := r1.Get(ctx)
	if err != nil {
		t.Errorf("got err: %v", err)
	}

	// Publishing after a flush should succeed.
	publisher.Flush()
	r2 := publisher.Publish(ctx, &Message{
		Data: []byte("world"),
	})
	_, err = r2.Get(ctx)
	if err != nil {
		t.Errorf("got err: %v", err)
	}

	// Publishing after a temporarily blocked flush should succeed.
	srv.SetAutoPublishResponse(false)

	r3 := publisher.Publish(ctx, &Message{
		Data: []byte("blocking message publish"),
	})
	flushed := make(chan struct{})
	go func() {
		publisher.Flush()
		close(flushed)
	}()

	// Wait between publishes to ensure messages are not bundled together.
	time.Sleep(200 * time.Millisecond)
	r4 := publisher.Publish(ctx, &Message{
		Data: []byte("message published after flush"),
	})

	// Simulate network delay.
	time.Sleep(500 * time.Millisecond)
	select {
	case <-flushed:
		t.Fatal("Flush returned before the broker replied")
	default:
	}
	srv.AddPublishResponse(&pb.PublishResponse{
		MessageIds: []string{"1"},
	}, nil)
	srv.AddPublishResponse(&pb.PublishResponse{
		MessageIds: []string{"2"},
	}, nil)

	if _, err = r3.Get(ctx); err != nil {
		t.Errorf("got err: %v", err)
	}
	if _, err = r4.Get(ctx); err != nil {
		t.Errorf("got err: %v", err)
	}
	<-flushed

	// Publishing after Stop should fail.
	srv.SetAutoPublishResponse(true)
	publisher.Stop()
	r5 := publisher.Publish(ctx, &Message{
		Data: []byte("this should fail"),
	})
	if _, err := r5.Get(ctx); !errors.Is(err, ErrTopicStopped) {
		t.Errorf("got %v, want ErrTopicStopped", err)
	}
}

func TestPublishFlowControl_SignalError(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	publisher := mustCreatePublisher(t, c, "fc-error-topic")
	fc := FlowControlSettings{
		MaxOutstandingMessages: 1,
		MaxOutstandingBytes:    10,
		LimitExceededBehavior:  FlowControlSignalError,
	}
	publisher.PublishSettings.FlowControlSettings = fc
	defer publisher.Stop()

	srv.SetAutoPublishResponse(false)

	// Sending a message that is too large results in an error in SignalError mode.
	r1 := publishSingleMessage(ctx, publisher, "AAAAAAAAAAA")
	if _, err := r1.Get(ctx); err != ErrFlowControllerMaxOutstandingBytes {
		t.Fatalf("publishResult.Get(): got %v, want %v", err, ErrFlowControllerMaxOutstandingBytes)
	}

	// Sending a second message succeeds.
	r2 := publishSingleMessage(ctx, publisher, "AAAA")

	// Sending a third message fails because of the outstanding message.
	r3 := publishSingleMessage(ctx, publisher, "AA")
	if _, err := r3.Get(ctx); err != ErrFlowControllerMaxOutstandingMessages {
		t.Fatalf("publishResult.Get(): got %v, want %v", err, ErrFlowControllerMaxOutstandingMessages)
	}

	addSingleResponse(srv, "1")
	got, err := r2.Get(ctx)
	if err != nil {
		t.Fatalf("publishResult.Get(): got %v", err)
	}
	if want := "1"; got != want {
		t.Fatalf("publishResult.Get() got: %s, want %s", got, want)
	}

	// Sending another messages succeeds.
	r4 := publishSingleMessage(ctx, publisher, "AAAA")
	addSingleResponse(srv, "2")
	got, err = r4.Get(ctx)
	if err != nil {
		t.Fatalf("publishResult.Get(): got %v", err)
	}
	if want := "2"; got != want {
		t.Fatalf("publishResult.Get() got: %s, want %s", got, want)
	}
}

func TestPublishFlowControl_SignalErrorOrderingKey(t *testing.T) {
	ctx := testContext(t)
	c, _ := newFake(t)

	publisher := mustCreatePublisher(t, c, "fc-error-ordering-topic")
	fc := FlowControlSettings{
		MaxOutstandingMessages: 1,
		MaxOutstandingBytes:    10,
		LimitExceededBehavior:  FlowControlSignalError,
	}
	publisher.PublishSettings.FlowControlSettings = fc
	publisher.PublishSettings.DelayThreshold = 5 * time.Second
	publisher.PublishSettings.CountThreshold = 1
	publisher.EnableMessageOrdering = true
	defer publisher.Stop()

	// Sending a message that is too large results in an error.
	r1 := publishSingleMessageWithKey(ctx, publisher, "AAAAAAAAAAA", "a")
	if _, err := r1.Get(ctx); err != ErrFlowControllerMaxOutstandingBytes {
		t.Fatalf("r1.Get() got: %v, want %v", err, ErrFlowControllerMaxOutstandingBytes)
	}

	// Sending a second message for the same ordering key fails because the first one failed.
	r2 := publishSingleMessageWithKey(ctx, publisher, "AAAA", "a")
	if _, err := r2.Get(ctx); !errors.Is(err, ErrPublishingPaused{OrderingKey: "a"}) {
		t.Fatalf("r2.Get() got %v, want ErrPublishingPaused before calling publisher.ResumePublish(key)", err)
	}

	publisher.ResumePublish("a")
	r3 := publishSingleMessageWithKey(ctx, publisher, "AAAA", "a")
	if _, err := r3.Get(ctx); err != nil {
		t.Fatalf("r3.Get() after ResumePublish: %v", err)
	}
}

func TestPublishFlowControl_Block(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	publisher := mustCreatePublisher(t, c, "fc-block-topic")
	fc := FlowControlSettings{
		MaxOutstandingMessages: 2,
		MaxOutstandingBytes:    10,
		LimitExceededBehavior:  FlowControlBlock,
	}
	publisher.PublishSettings.FlowControlSettings = fc
	publisher.PublishSettings.DelayThreshold = 5 * time.Second
	publisher.PublishSettings.CountThreshold = 1

	srv.SetAutoPublishResponse(false)

	var sendResponse1, response1Sent, sendResponse2 sync.WaitGroup
	sendResponse1.Add(1)
	response1Sent.Add(1)
	sendResponse2.Add(1)

	go func() {
		sendResponse1.Wait()
		addSingleResponse(srv, "1")
		response1Sent.Done()
		sendResponse2.Wait()
		addSingleResponse(srv, "2")
	}()

	// Sending two messages succeeds.
	publishSingleMessage(ctx, publisher, "AA")
	publishSingleMessage(ctx, publisher, "AA")

	// Sending a third message blocks because the messages are outstanding.
	var publish3Completed sync.WaitGroup
	publish3Completed.Add(1)
	go func() {
		publishSingleMessage(ctx, publisher, "AAAAAA")
		publish3Completed.Done()
	}()

	go func() {
		sendResponse1.Done()
		response1Sent.Wait()
		sendResponse2.Done()
	}()

	// Sending a fourth message blocks because although only one message has been sent,
	// the third message claimed the tokens for outstanding bytes.
	var publish4Completed sync.WaitGroup
	publish4Completed.Add(1)

	go func() {
		publish3Completed.Wait()
		publishSingleMessage(ctx, publisher, "A")
		publish4Completed.Done()
	}()

	publish3Completed.Wait()
	addSingleResponse(srv, "3")
	addSingleResponse(srv, "4")

	publish4Completed.Wait()
	publisher.Stop()
}

// publishSingleMessage publishes a single message to a topic.
func publishSingleMessage(ctx context.Context, p *Publisher, data string) *PublishResult {
	return p.Publish(ctx, &Message{
		Data: []byte(data),
	})
}

// publishSingleMessageWithKey publishes a single message to a topic with an ordering key.
func publishSingleMessageWithKey(ctx context.Context, p *Publisher, data, key string) *PublishResult {
	return p.Publish(ctx, &Message{
		Data:        []byte(data),
		OrderingKey: key,
	})
}

// addSingleResponse adds a publish response to the provided fake.
func addSingleResponse(srv *pstest.Server, id string) {
	srv.AddPublishResponse(&pb.PublishResponse{
		MessageIds: []string{id},
	}, nil)
}

func TestPublishOrderingNotEnabled(t *testing.T) {
	ctx := testContext(t)
	c, _ := newFake(t)

	publisher := mustCreatePublisher(t, c, "test-topic")
	defer publisher.Stop()
	res := publishSingleMessageWithKey(ctx, publisher, "test", "non-existent-key")
	if _, err := res.Get(ctx); !errors.Is(err, errTopicOrderingNotEnabled) {
		t.Errorf("got %v, want errTopicOrderingNotEnabled", err)
	}
}

func TestPublishInvalidSettings(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.PublishSettings.CountThreshold = MaxPublishRequestCount + 1
	defer p.Stop()
	if _, err := p.Publish(ctx, &Message{Data: []byte("x")}).Get(ctx); err == nil {
		t.Fatal("got nil error with invalid settings")
	}
}

func TestPublishOversizedMessage(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{}
	p := newTestPublisher(s)
	p.PublishSettings.ByteLimit = 100
	p.EnableMessageOrdering = true
	defer p.Stop()

	big := make([]byte, 200)
	r := p.Publish(ctx, &Message{Data: big, OrderingKey: "k"})
	if _, err := r.Get(ctx); !errors.Is(err, ErrOversizedMessage) {
		t.Fatalf("got %v, want ErrOversizedMessage", err)
	}
	// A later message of the key must not overtake the failed one.
	r = p.Publish(ctx, &Message{Data: []byte("small"), OrderingKey: "k"})
	if _, err := r.Get(ctx); !errors.As(err, &ErrPublishingPaused{}) {
		t.Fatalf("got %v, want ErrPublishingPaused", err)
	}
	// Unordered messages are unaffected.
	r = p.Publish(ctx, &Message{Data: []byte("small")})
	if _, err := r.Get(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestPublishBufferedByteLimit(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.PublishSettings.BufferedByteLimit = 100
	p.PublishSettings.DelayThreshold = time.Hour
	defer p.Stop()

	r := p.Publish(ctx, &Message{Data: make([]byte, 150)})
	if _, err := r.Get(ctx); !errors.Is(err, bundler.ErrOverflow) {
		t.Fatalf("got %v, want bundler.ErrOverflow", err)
	}
}

func TestPublishCountThresholdBatch(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	publisher := mustCreatePublisher(t, c, "count-topic")
	publisher.PublishSettings.CountThreshold = 20
	publisher.PublishSettings.DelayThreshold = time.Hour
	defer publisher.Stop()

	var rs []*PublishResult
	for i := 0; i < 20; i++ {
		rs = append(rs, publishSingleMessage(ctx, publisher, fmt.Sprintf("m%d", i)))
	}
	// No Flush: the count threshold alone sends the batch.
	for _, r := range rs {
		if _, err := r.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	batches := srv.Batches()
	if len(batches) != 1 || len(batches[0]) != 20 {
		var sizes []int
		for _, b := range batches {
			sizes = append(sizes, len(b))
		}
		t.Fatalf("batch sizes: got %v, want [20]", sizes)
	}
}

func TestPublishBatchLimits(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	publisher := mustCreatePublisher(t, c, "limits-topic")
	publisher.PublishSettings.CountThreshold = 5
	publisher.PublishSettings.ByteLimit = 200
	publisher.PublishSettings.DelayThreshold = time.Hour
	defer publisher.Stop()

	const n = 37
	for i := 0; i < n; i++ {
		publishSingleMessage(ctx, publisher, fmt.Sprintf("%045d", i))
	}
	publisher.Flush()

	total := 0
	for _, b := range srv.Batches() {
		size := 0
		for _, m := range b {
			size += proto.Size(&pb.PubsubMessage{Data: m.Data})
		}
		if len(b) > 5 {
			t.Errorf("batch of %d messages exceeds CountThreshold", len(b))
		}
		if size > 200 {
			t.Errorf("batch of %d bytes exceeds ByteLimit", size)
		}
		total += len(b)
	}
	if total != n {
		t.Errorf("published %d messages, want %d", total, n)
	}
}

func TestPublishExactlyOnce(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	var mu sync.Mutex
	failures := 0
	srv.SetPublishReactor(func(*pb.PublishRequest) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 3 {
			failures++
			return status.Error(codes.Unavailable, "flaky broker")
		}
		return nil
	})

	publisher := mustCreatePublisher(t, c, "once-topic")
	publisher.PublishSettings.CountThreshold = 10
	publisher.PublishSettings.Backoff = gax.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2}
	defer publisher.Stop()

	var want []string
	var rs []*PublishResult
	for i := 0; i < 100; i++ {
		d := fmt.Sprintf("m%d", i)
		want = append(want, d)
		rs = append(rs, publishSingleMessage(ctx, publisher, d))
	}
	ids := map[string]bool{}
	for _, r := range rs {
		id, err := r.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ids[id] {
			t.Fatalf("duplicate message ID %s", id)
		}
		ids[id] = true
	}
	var got []string
	for _, m := range srv.Messages() {
		got = append(got, string(m.Data))
	}
	if err := ptestutil.VerifyExactlyOnce(want, got); err != nil {
		t.Error(err)
	}
}

func TestPublishOrderingKeys(t *testing.T) {
	ctx := testContext(t)
	c, srv := newFake(t)

	top := mustCreateTopic(t, c, "ordered-topic")
	sub, err := c.CreateSubscription(ctx, "ordered-sub", SubscriptionConfig{Topic: top, EnableMessageOrdering: true})
	if err != nil {
		t.Fatal(err)
	}
	publisher := c.Publisher(top.ID())
	publisher.EnableMessageOrdering = true
	publisher.PublishSettings.CountThreshold = 4
	defer publisher.Stop()

	var published []ptestutil.KeyedMsg
	for i := 0; i < 30; i++ {
		for _, key := range []string{"a", "b", "c", ""} {
			d := fmt.Sprintf("%s-%d", key, i)
			published = append(published, ptestutil.KeyedMsg{Key: key, Data: d})
			publishSingleMessageWithKey(ctx, publisher, d, key)
		}
	}
	publisher.Flush()

	var observed []ptestutil.KeyedMsg
	for _, m := range srv.Backlog(sub.String()) {
		observed = append(observed, ptestutil.KeyedMsg{Key: m.OrderingKey, Data: string(m.Data)})
	}
	if len(observed) != len(published) {
		t.Fatalf("got %d messages, want %d", len(observed), len(published))
	}
	if err := ptestutil.VerifyKeyOrdering(published, observed); err != nil {
		t.Error(err)
	}
}

func TestPublishOrderedFailure_Reject(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{reply: failOn("3")}
	p := newTestPublisher(s)
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 1
	defer p.Stop()

	rs := publishKeyed(ctx, p, "k", 1, 10)
	p.Flush()
	for i, r := range rs {
		n := i + 1
		id, err := r.Get(ctx)
		switch {
		case n < 3:
			if err != nil || id != fmt.Sprintf("id-%d", n) {
				t.Errorf("message %d: got %q, %v", n, id, err)
			}
		case n == 3:
			var te *TransportError
			if !errors.As(err, &te) {
				t.Errorf("message %d: got %v, want TransportError", n, err)
			}
		default:
			var pe ErrPublishingPaused
			if !errors.As(err, &pe) || pe.OrderingKey != "k" {
				t.Errorf("message %d: got %v, want ErrPublishingPaused", n, err)
			}
		}
	}
	if diff := testutil.Diff(s.sentData(), seqData(1, 3)); diff != "" {
		t.Errorf("sent: got=-, want=+:\n%s", diff)
	}

	// The key stays paused until ResumePublish.
	s.setReply(nil)
	r := publishSingleMessageWithKey(ctx, p, "11", "k")
	if _, err := r.Get(ctx); !errors.Is(err, ErrPublishingPaused{OrderingKey: "k"}) {
		t.Errorf("publish on paused key: got %v", err)
	}
	r = publishSingleMessageWithKey(ctx, p, "other", "k2")
	if _, err := r.Get(ctx); err != nil {
		t.Errorf("publish on other key: %v", err)
	}
	p.ResumePublish("k")
	r = publishSingleMessageWithKey(ctx, p, "12", "k")
	if id, err := r.Get(ctx); err != nil || id != "id-12" {
		t.Errorf("publish after ResumePublish: got %q, %v", id, err)
	}
}

func TestPublishOrderedFailure_Hold(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{reply: failOn("3")}
	p := newTestPublisher(s)
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 1
	p.PublishSettings.PausedKeyBehavior = PausedKeyHold
	defer p.Stop()

	rs := publishKeyed(ctx, p, "k", 1, 10)
	p.Flush()
	for i, r := range rs[:3] {
		_, err := r.Get(ctx)
		if (i < 2) != (err == nil) {
			t.Errorf("message %d: got %v", i+1, err)
		}
	}
	for i, r := range rs[3:] {
		select {
		case <-r.Ready():
			t.Errorf("held message %d resolved before ResumePublish", i+4)
		default:
		}
	}

	// Publish does not block or fail on a held key.
	s.setReply(nil)
	rs = append(rs, publishKeyed(ctx, p, "k", 11, 11)...)
	p.ResumePublish("k")
	p.Flush()
	for i, r := range rs[3:] {
		n := i + 4
		if id, err := r.Get(ctx); err != nil || id != fmt.Sprintf("id-%d", n) {
			t.Errorf("message %d: got %q, %v", n, id, err)
		}
	}
	if diff := testutil.Diff(s.sentData(), seqData(1, 11)); diff != "" {
		t.Errorf("sent: got=-, want=+:\n%s", diff)
	}
}

func TestStopFailsHeldMessages(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{reply: failOn("1")}
	p := newTestPublisher(s)
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 1
	p.PublishSettings.PausedKeyBehavior = PausedKeyHold

	rs := publishKeyed(ctx, p, "k", 1, 3)
	p.Stop()
	for i, r := range rs[1:] {
		select {
		case <-r.Ready():
		default:
			t.Fatalf("message %d not resolved by Stop", i+2)
		}
		if _, err := r.Get(ctx); !errors.Is(err, ErrPublishingPaused{OrderingKey: "k"}) {
			t.Errorf("message %d: got %v, want ErrPublishingPaused", i+2, err)
		}
	}
	if diff := testutil.Diff(s.sentData(), []string{"1"}); diff != "" {
		t.Errorf("sent: got=-, want=+:\n%s", diff)
	}
}

func TestPublishUnorderedRetry(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{reply: func(call int, data []string) ([]string, error) {
		if call < 2 {
			return nil, status.Error(codes.Unavailable, "unavailable")
		}
		return idsFor(data), nil
	}}
	p := newTestPublisher(s)
	defer p.Stop()

	id, err := publishSingleMessage(ctx, p, "x").Get(ctx)
	if err != nil || id != "id-x" {
		t.Fatalf("got %q, %v", id, err)
	}
	if got := len(s.batches()); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestPublishRetryExhausted(t *testing.T) {
	for _, attempts := range []int{1, 3} {
		t.Run(fmt.Sprint(attempts), func(t *testing.T) {
			ctx := testContext(t)
			s := &fakeSender{reply: func(int, []string) ([]string, error) {
				return nil, status.Error(codes.Unavailable, "unavailable")
			}}
			p := newTestPublisher(s)
			p.PublishSettings.MaxAttempts = attempts
			defer p.Stop()

			_, err := publishSingleMessage(ctx, p, "x").Get(ctx)
			var ree *internal.RetryExhaustedError
			if !errors.As(err, &ree) {
				t.Fatalf("got %v, want RetryExhaustedError", err)
			}
			var te *TransportError
			if !errors.As(err, &te) || te.Code != codes.Unavailable {
				t.Errorf("got %v, want the last TransportError", err)
			}
			if got := len(s.batches()); got != attempts {
				t.Errorf("got %d sends, want %d", got, attempts)
			}
		})
	}
}

func TestPublishRejectedNotRetried(t *testing.T) {
	ctx := testContext(t)
	c, _ := newFake(t)

	publisher := mustCreatePublisher(t, c, "reject-topic")
	defer publisher.Stop()

	// The broker refuses messages with neither data nor attributes.
	_, err := publisher.Publish(ctx, &Message{}).Get(ctx)
	var re *RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RejectedError", err)
	}
	if re.Code != codes.InvalidArgument || re.Reason != "INVALID_MESSAGE" {
		t.Errorf("got code %v reason %q, want InvalidArgument INVALID_MESSAGE", re.Code, re.Reason)
	}

	s := &fakeSender{reply: func(int, []string) ([]string, error) {
		return nil, status.Error(codes.PermissionDenied, "denied")
	}}
	p := newTestPublisher(s)
	defer p.Stop()
	if _, err := publishSingleMessage(ctx, p, "x").Get(ctx); !errors.As(err, &re) {
		t.Fatalf("got %v, want RejectedError", err)
	}
	if got := len(s.batches()); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestPublishPartialFailure(t *testing.T) {
	ctx := testContext(t)
	s := &fakeSender{reply: func(call int, data []string) ([]string, error) {
		if call == 0 {
			return []string{"id-a", "", ""}, MultiError{
				nil,
				status.Error(codes.Unavailable, "retry me"),
				status.Error(codes.InvalidArgument, "bad message"),
			}
		}
		return idsFor(data), nil
	}}
	p := newTestPublisher(s)
	p.PublishSettings.CountThreshold = 3
	p.PublishSettings.DelayThreshold = time.Hour
	defer p.Stop()

	ra := publishSingleMessage(ctx, p, "a")
	rb := publishSingleMessage(ctx, p, "b")
	rc := publishSingleMessage(ctx, p, "c")
	p.Flush()

	if id, err := ra.Get(ctx); err != nil || id != "id-a" {
		t.Errorf("a: got %q, %v", id, err)
	}
	if id, err := rb.Get(ctx); err != nil || id != "id-b" {
		t.Errorf("b: got %q, %v", id, err)
	}
	var re *RejectedError
	if _, err := rc.Get(ctx); !errors.As(err, &re) || re.Code != codes.InvalidArgument {
		t.Errorf("c: got %v, want RejectedError", err)
	}
	if diff := testutil.Diff(s.batches(), [][]string{{"a", "b", "c"}, {"b"}}); diff != "" {
		t.Errorf("batches: got=-, want=+:\n%s", diff)
	}
}

func TestPublishFuncCallbackOrder(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 3
	p.PublishSettings.CallbackGoroutines = 4

	keys := []string{"a", "b", "c"}
	var mu sync.Mutex
	got := map[string][]string{}
	want := map[string][]string{}
	for i := 0; i < 50; i++ {
		for _, key := range keys {
			key := key
			d := fmt.Sprintf("%s-%d", key, i)
			want[key] = append(want[key], "id-"+d)
			p.PublishFunc(ctx, &Message{Data: []byte(d), OrderingKey: key}, func(r *PublishResult) {
				id, err := r.Get(ctx)
				if err != nil {
					t.Error(err)
				}
				mu.Lock()
				got[key] = append(got[key], id)
				mu.Unlock()
			})
		}
	}
	// Stop waits for every completion function.
	p.Stop()
	mu.Lock()
	defer mu.Unlock()
	if diff := testutil.Diff(got, want); diff != "" {
		t.Errorf("completion order: got=-, want=+:\n%s", diff)
	}
}

func TestPublishFuncImmediateFailure(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.Stop()

	done := make(chan error, 1)
	p.PublishFunc(ctx, &Message{Data: []byte("x")}, func(r *PublishResult) {
		_, err := r.Get(ctx)
		done <- err
	})
	if err := <-done; !errors.Is(err, ErrTopicStopped) {
		t.Errorf("got %v, want ErrTopicStopped", err)
	}
}

func TestStopConcurrent(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.PublishSettings.DelayThreshold = time.Hour

	var rs []*PublishResult
	for i := 0; i < 10; i++ {
		rs = append(rs, publishSingleMessage(ctx, p, fmt.Sprint(i)))
	}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
	p.Stop()
	for i, r := range rs {
		select {
		case <-r.Ready():
		default:
			t.Fatalf("message %d not resolved after Stop", i)
		}
		if _, err := r.Get(ctx); err != nil {
			t.Errorf("message %d: %v", i, err)
		}
	}
}

func TestResumePublishNotPaused(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{})
	p.EnableMessageOrdering = true
	defer p.Stop()

	// Neither call may disturb the key.
	p.ResumePublish("k")
	publishSingleMessageWithKey(ctx, p, "1", "k")
	p.ResumePublish("k")
	if _, err := publishSingleMessageWithKey(ctx, p, "2", "k").Get(ctx); err != nil {
		t.Fatal(err)
	}
}

// A Publish waiting for flow control room held by a paused key must not keep
// Stop from returning.
func TestStopWithBlockedPublish(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{reply: failOn("1")})
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 1
	p.PublishSettings.PausedKeyBehavior = PausedKeyHold
	p.PublishSettings.FlowControlSettings = FlowControlSettings{
		MaxOutstandingMessages: 2,
		LimitExceededBehavior:  FlowControlBlock,
	}

	rs := publishKeyed(ctx, p, "k", 1, 3)
	if _, err := rs[0].Get(ctx); err == nil {
		t.Fatal("message 1: got nil error")
	}

	// Messages 2 and 3 are held and keep the flow controller full.
	blocked := make(chan *PublishResult, 1)
	go func() {
		blocked <- publishSingleMessageWithKey(ctx, p, "4", "k")
	}()
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a Publish waited for flow control")
	}

	select {
	case r := <-blocked:
		if _, err := r.Get(ctx); !errors.Is(err, ErrTopicStopped) {
			t.Errorf("blocked Publish: got %v, want ErrTopicStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Publish still blocked after Stop")
	}
	for i, r := range rs[1:] {
		if _, err := r.Get(ctx); !errors.Is(err, ErrPublishingPaused{OrderingKey: "k"}) {
			t.Errorf("message %d: got %v, want ErrPublishingPaused", i+2, err)
		}
	}
}

// Completion functions of messages refused on a paused key run after those
// of the key's earlier messages.
func TestPublishFuncOrderAfterPause(t *testing.T) {
	ctx := testContext(t)
	p := newTestPublisher(&fakeSender{reply: failOn("1")})
	p.EnableMessageOrdering = true
	p.PublishSettings.CountThreshold = 1
	p.PublishSettings.CallbackGoroutines = 4

	var mu sync.Mutex
	var order []string
	record := func(d string, delay time.Duration) func(*PublishResult) {
		return func(*PublishResult) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, d)
			mu.Unlock()
		}
	}
	publish := func(d string, delay time.Duration) *PublishResult {
		return p.PublishFunc(ctx, &Message{Data: []byte(d), OrderingKey: "k"}, record(d, delay))
	}

	r1 := publish("1", 100*time.Millisecond)
	publish("2", 0)
	publish("3", 0)
	if _, err := r1.Get(ctx); err == nil {
		t.Fatal("message 1: got nil error")
	}
	r4 := publish("4", 0)
	if _, err := r4.Get(ctx); !errors.Is(err, ErrPublishingPaused{OrderingKey: "k"}) {
		t.Errorf("message 4: got %v, want ErrPublishingPaused", err)
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if diff := testutil.Diff(order, []string{"1", "2", "3", "4"}); diff != "" {
		t.Errorf("completion order: got=-, want=+:\n%s", diff)
	}
}

// No request, counting the topic and the framing of each message, exceeds
// ByteLimit.
func TestPublishRequestWithinByteLimit(t *testing.T) {
	ctx := testContext(t)
	const topic = "projects/P/topics/t"
	const limit = 300

	var mu sync.Mutex
	var over []int
	s := &fakeSender{reply: func(_ int, data []string) ([]string, error) {
		req := &pb.PublishRequest{Topic: topic}
		for _, d := range data {
			req.Messages = append(req.Messages, &pb.PubsubMessage{Data: []byte(d)})
		}
		if n := proto.Size(req); n > limit {
			mu.Lock()
			over = append(over, n)
			mu.Unlock()
		}
		return idsFor(data), nil
	}}
	p := newTestPublisher(s)
	p.PublishSettings.ByteLimit = limit
	p.PublishSettings.DelayThreshold = time.Hour
	defer p.Stop()

	var rs []*PublishResult
	for i := 0; i < 40; i++ {
		rs = append(rs, publishSingleMessage(ctx, p, fmt.Sprintf("%045d", i)))
	}
	p.Flush()
	for _, r := range rs {
		if _, err := r.Get(ctx); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(over) > 0 {
		t.Errorf("requests over %d bytes: %v", limit, over)
	}
}
