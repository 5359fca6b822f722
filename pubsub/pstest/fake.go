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

// Package pstest provides a fake Pub/Sub service for testing. It serves
// the Publisher, Subscriber and IAMPolicy gRPC services from memory.
package pstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/iam/apiv1/iampb"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/pubsubsamples/topics/internal/testutil"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ErrorDomain is the domain of the ErrorInfo details attached to errors
// returned by the fake.
const ErrorDomain = "pubsub.googleapis.com"

var (
	now = time.Now

	defaultAckDeadline      = 10 * time.Second
	defaultMessageRetention = 7 * 24 * time.Hour
)

// Server is a fake Pub/Sub server.
type Server struct {
	Addr string // The address that the server is listening on.
	srv  *testutil.Server
	GServer
}

// GServer is the underlying service implementor. It is not intended to be
// used directly.
type GServer struct {
	pb.UnimplementedPublisherServer
	pb.UnimplementedSubscriberServer
	iampb.UnimplementedIAMPolicyServer

	mu       sync.Mutex
	topics   map[string]*topic
	subs     map[string]*subscription
	policies map[string]*iampb.Policy
	msgs     []*Message   // all messages ever published
	batches  [][]*Message // one entry per successful Publish call
	nextID   int

	publishReactor      func(*pb.PublishRequest) error
	autoPublishResponse bool
	publishResponses    chan *publishResponse
}

type publishResponse struct {
	resp *pb.PublishResponse
	err  error
}

// NewServer creates a new fake server running in the current process.
func NewServer(opts ...grpc.ServerOption) (*Server, error) {
	srv, err := testutil.NewServer(opts...)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Addr: srv.Addr,
		srv:  srv,
		GServer: GServer{
			topics:              map[string]*topic{},
			subs:                map[string]*subscription{},
			policies:            map[string]*iampb.Policy{},
			autoPublishResponse: true,
			publishResponses:    make(chan *publishResponse, 100),
		},
	}
	pb.RegisterPublisherServer(srv.Gsrv, &s.GServer)
	pb.RegisterSubscriberServer(srv.Gsrv, &s.GServer)
	iampb.RegisterIAMPolicyServer(srv.Gsrv, &s.GServer)
	srv.Start()
	return s, nil
}

// Close shuts down the server and releases all resources.
func (s *Server) Close() error {
	s.srv.Close()
	return nil
}

// A Message is a message that was published to the server.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
	PublishTime time.Time
}

// Messages returns information about all messages ever published.
func (s *Server) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []*Message
	for _, m := range s.msgs {
		msgs = append(msgs, copyMessage(m))
	}
	return msgs
}

// Message returns the message with the given ID, or nil if no message
// with that ID was published.
func (s *Server) Message(id string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		if m.ID == id {
			return copyMessage(m)
		}
	}
	return nil
}

// Batches returns the messages of every successful Publish call, in the
// order the calls were served.
func (s *Server) Batches() [][]*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]*Message, 0, len(s.batches))
	for _, b := range s.batches {
		var cp []*Message
		for _, m := range b {
			cp = append(cp, copyMessage(m))
		}
		out = append(out, cp)
	}
	return out
}

// Backlog returns the messages delivered to the named subscription, in
// delivery order. Messages rejected by the subscription's filter are not
// delivered.
func (s *Server) Backlog(subName string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subs[subName]
	if sub == nil {
		return nil
	}
	var msgs []*Message
	for _, m := range sub.backlog {
		msgs = append(msgs, copyMessage(m))
	}
	return msgs
}

// ClearMessages removes all published messages and subscription backlogs.
func (s *Server) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.batches = nil
	for _, sub := range s.subs {
		sub.backlog = nil
	}
}

// SetPublishReactor installs f to inspect every Publish request before it
// is served. A non-nil error from f fails the request with that error and
// nothing is stored. A nil f removes the reactor.
func (s *Server) SetPublishReactor(f func(*pb.PublishRequest) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishReactor = f
}

// SetAutoPublishResponse controls whether Publish answers on its own. When
// false, each Publish call waits for a response added with
// AddPublishResponse.
func (s *Server) SetAutoPublishResponse(autoPublishResponse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoPublishResponse = autoPublishResponse
}

// AddPublishResponse queues a response for a Publish call. The message IDs
// of pbr replace the generated ones. If err is non-nil, the call fails with
// err.
func (s *Server) AddPublishResponse(pbr *pb.PublishResponse, err error) {
	s.publishResponses <- &publishResponse{resp: pbr, err: err}
}

func copyMessage(m *Message) *Message {
	c := *m
	c.Data = append([]byte(nil), m.Data...)
	if m.Attributes != nil {
		c.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// errorWithReason builds a status error carrying an ErrorInfo detail.
func errorWithReason(code codes.Code, reason, format string, args ...interface{}) error {
	st := status.Newf(code, format, args...)
	if withInfo, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}); err == nil {
		st = withInfo
	}
	return st.Err()
}

func (s *GServer) CreateTopic(_ context.Context, t *pb.Topic) (*pb.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "missing topic name")
	}
	if s.topics[t.Name] != nil {
		return nil, errorWithReason(codes.AlreadyExists, "RESOURCE_ALREADY_EXISTS", "topic %q", t.Name)
	}
	top := newTopic(proto.Clone(t).(*pb.Topic))
	s.topics[t.Name] = top
	return top.proto, nil
}

func (s *GServer) GetTopic(_ context.Context, req *pb.GetTopicRequest) (*pb.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.topics[req.Topic]; t != nil {
		return t.proto, nil
	}
	return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "topic %q", req.Topic)
}

func (s *GServer) ListTopics(_ context.Context, req *pb.ListTopicsRequest) (*pb.ListTopicsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for n := range s.topics {
		if strings.HasPrefix(n, req.Project+"/") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	from, to, nextToken, err := testutil.PageBounds(int(req.PageSize), req.PageToken, len(names))
	if err != nil {
		return nil, err
	}
	res := &pb.ListTopicsResponse{NextPageToken: nextToken}
	for i := from; i < to; i++ {
		res.Topics = append(res.Topics, s.topics[names[i]].proto)
	}
	return res, nil
}

func (s *GServer) ListTopicSubscriptions(_ context.Context, req *pb.ListTopicSubscriptionsRequest) (*pb.ListTopicSubscriptionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.topics[req.Topic] == nil {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "topic %q", req.Topic)
	}
	var names []string
	for name, sub := range s.subs {
		if sub.proto.Topic == req.Topic {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	from, to, nextToken, err := testutil.PageBounds(int(req.PageSize), req.PageToken, len(names))
	if err != nil {
		return nil, err
	}
	return &pb.ListTopicSubscriptionsResponse{
		Subscriptions: names[from:to],
		NextPageToken: nextToken,
	}, nil
}

func (s *GServer) DeleteTopic(_ context.Context, req *pb.DeleteTopicRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topics[req.Topic]
	if t == nil {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "topic %q", req.Topic)
	}
	for _, sub := range s.subs {
		if sub.proto.Topic == req.Topic {
			sub.proto.Topic = "_deleted-topic_"
		}
	}
	delete(s.topics, req.Topic)
	delete(s.policies, req.Topic)
	return &emptypb.Empty{}, nil
}

func (s *GServer) Publish(ctx context.Context, req *pb.PublishRequest) (*pb.PublishResponse, error) {
	s.mu.Lock()
	reactor := s.publishReactor
	auto := s.autoPublishResponse
	top := s.topics[req.Topic]
	s.mu.Unlock()

	if top == nil {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "topic %q", req.Topic)
	}
	if len(req.Messages) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no messages")
	}
	for _, pm := range req.Messages {
		if len(pm.Data) == 0 && len(pm.Attributes) == 0 {
			return nil, errorWithReason(codes.InvalidArgument, "INVALID_MESSAGE", "message must contain data or attributes")
		}
	}
	if reactor != nil {
		if err := reactor(req); err != nil {
			return nil, err
		}
	}
	var ids []string
	if !auto {
		select {
		case r := <-s.publishResponses:
			if r.err != nil {
				return nil, r.err
			}
			ids = r.resp.MessageIds
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*Message
	var resIDs []string
	for i, pm := range req.Messages {
		var id string
		if i < len(ids) {
			id = ids[i]
		} else {
			id = fmt.Sprintf("m%d", s.nextID)
			s.nextID++
		}
		m := &Message{
			ID:          id,
			Data:        pm.Data,
			Attributes:  pm.Attributes,
			OrderingKey: pm.OrderingKey,
			PublishTime: now(),
		}
		s.msgs = append(s.msgs, m)
		batch = append(batch, m)
		resIDs = append(resIDs, id)
		s.deliverLocked(req.Topic, m)
	}
	s.batches = append(s.batches, batch)
	return &pb.PublishResponse{MessageIds: resIDs}, nil
}

func (s *GServer) deliverLocked(topicName string, m *Message) {
	for _, sub := range s.subs {
		if sub.proto.Topic != topicName {
			continue
		}
		if sub.filter != nil && !sub.filter.matches(m.Attributes) {
			continue
		}
		sub.backlog = append(sub.backlog, m)
	}
}

type topic struct {
	proto *pb.Topic
}

func newTopic(pt *pb.Topic) *topic {
	return &topic{proto: pt}
}

type subscription struct {
	proto   *pb.Subscription
	filter  *messageFilter
	backlog []*Message
}

func (s *GServer) CreateSubscription(_ context.Context, ps *pb.Subscription) (*pb.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ps.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "missing name")
	}
	if s.subs[ps.Name] != nil {
		return nil, errorWithReason(codes.AlreadyExists, "RESOURCE_ALREADY_EXISTS", "subscription %q", ps.Name)
	}
	if ps.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "missing topic")
	}
	if s.topics[ps.Topic] == nil {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "topic %q", ps.Topic)
	}
	ps = proto.Clone(ps).(*pb.Subscription)
	if ps.AckDeadlineSeconds == 0 {
		ps.AckDeadlineSeconds = int32(defaultAckDeadline / time.Second)
	}
	if ps.AckDeadlineSeconds < 10 || ps.AckDeadlineSeconds > 600 {
		return nil, status.Errorf(codes.InvalidArgument, "ack deadline must be between 10 and 600 seconds, got %d", ps.AckDeadlineSeconds)
	}
	if ps.MessageRetentionDuration == nil {
		ps.MessageRetentionDuration = durationpb.New(defaultMessageRetention)
	}
	if ps.PushConfig == nil {
		ps.PushConfig = &pb.PushConfig{}
	} else if ep := ps.PushConfig.PushEndpoint; ep != "" && !strings.HasPrefix(ep, "https://") {
		return nil, status.Errorf(codes.InvalidArgument, "push endpoint %q must use https", ep)
	}
	sub := &subscription{proto: ps}
	if ps.Filter != "" {
		f, err := parseFilter(ps.Filter)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad filter %q: %v", ps.Filter, err)
		}
		sub.filter = f
	}
	s.subs[ps.Name] = sub
	return ps, nil
}

func (s *GServer) GetSubscription(_ context.Context, req *pb.GetSubscriptionRequest) (*pb.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub := s.subs[req.Subscription]; sub != nil {
		return sub.proto, nil
	}
	return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "subscription %q", req.Subscription)
}

func (s *GServer) ListSubscriptions(_ context.Context, req *pb.ListSubscriptionsRequest) (*pb.ListSubscriptionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name := range s.subs {
		if strings.HasPrefix(name, req.Project+"/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	from, to, nextToken, err := testutil.PageBounds(int(req.PageSize), req.PageToken, len(names))
	if err != nil {
		return nil, err
	}
	res := &pb.ListSubscriptionsResponse{NextPageToken: nextToken}
	for i := from; i < to; i++ {
		res.Subscriptions = append(res.Subscriptions, s.subs[names[i]].proto)
	}
	return res, nil
}

func (s *GServer) DeleteSubscription(_ context.Context, req *pb.DeleteSubscriptionRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[req.Subscription] == nil {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "subscription %q", req.Subscription)
	}
	delete(s.subs, req.Subscription)
	delete(s.policies, req.Subscription)
	return &emptypb.Empty{}, nil
}

func (s *GServer) resourceExistsLocked(name string) bool {
	return s.topics[name] != nil || s.subs[name] != nil
}

func (s *GServer) GetIamPolicy(_ context.Context, req *iampb.GetIamPolicyRequest) (*iampb.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.resourceExistsLocked(req.Resource) {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "resource %q", req.Resource)
	}
	if p := s.policies[req.Resource]; p != nil {
		return p, nil
	}
	return &iampb.Policy{Version: 1, Etag: []byte("0")}, nil
}

func (s *GServer) SetIamPolicy(_ context.Context, req *iampb.SetIamPolicyRequest) (*iampb.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.resourceExistsLocked(req.Resource) {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "resource %q", req.Resource)
	}
	if req.Policy == nil {
		return nil, status.Error(codes.InvalidArgument, "missing policy")
	}
	prev := s.policies[req.Resource]
	if prev != nil && len(req.Policy.Etag) > 0 && string(req.Policy.Etag) != string(prev.Etag) {
		return nil, status.Error(codes.Aborted, "etag mismatch")
	}
	p := proto.Clone(req.Policy).(*iampb.Policy)
	gen := 1
	if prev != nil {
		fmt.Sscan(string(prev.Etag), &gen)
		gen++
	}
	p.Etag = []byte(fmt.Sprint(gen))
	s.policies[req.Resource] = p
	return p, nil
}

// TestIamPermissions grants every requested permission on existing
// resources.
func (s *GServer) TestIamPermissions(_ context.Context, req *iampb.TestIamPermissionsRequest) (*iampb.TestIamPermissionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.resourceExistsLocked(req.Resource) {
		return nil, errorWithReason(codes.NotFound, "RESOURCE_NOT_FOUND", "resource %q", req.Resource)
	}
	return &iampb.TestIamPermissionsResponse{Permissions: req.Permissions}, nil
}

// ValidateFilter reports whether filter is a valid subscription filter.
func ValidateFilter(filter string) error {
	_, err := parseFilter(filter)
	return err
}
