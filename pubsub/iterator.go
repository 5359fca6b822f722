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
	vkit "cloud.google.com/go/pubsub/apiv1"
	"google.golang.org/api/iterator"
)

// TopicIterator is an iterator that returns a series of topics.
type TopicIterator struct {
	c  *Client
	it *vkit.TopicIterator
}

// Next returns the next topic. If there are no more topics, iterator.Done will be returned.
func (ti *TopicIterator) Next() (*Topic, error) {
	t, err := ti.it.Next()
	if err != nil {
		return nil, err
	}
	return &Topic{c: ti.c, name: t.Name}, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (ti *TopicIterator) PageInfo() *iterator.PageInfo { return ti.it.PageInfo() }

// SubscriptionIterator is an iterator that returns a series of subscriptions.
type SubscriptionIterator struct {
	c *Client

	// Exactly one of these is set.
	it  *vkit.SubscriptionIterator
	sit *vkit.StringIterator
}

// Next returns the next subscription. If there are no more subscriptions, iterator.Done will be returned.
func (si *SubscriptionIterator) Next() (*Subscription, error) {
	if si.it != nil {
		sub, err := si.it.Next()
		if err != nil {
			return nil, err
		}
		return &Subscription{c: si.c, name: sub.Name}, nil
	}
	name, err := si.sit.Next()
	if err != nil {
		return nil, err
	}
	return &Subscription{c: si.c, name: name}, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (si *SubscriptionIterator) PageInfo() *iterator.PageInfo {
	if si.it != nil {
		return si.it.PageInfo()
	}
	return si.sit.PageInfo()
}
