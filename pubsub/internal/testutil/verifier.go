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

// Package testutil holds ordering checks shared by publisher tests.
package testutil

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// KeyedMsg is a message payload and the ordering key it was published with.
type KeyedMsg struct {
	Key  string
	Data string
}

func groupByKey(msgs []KeyedMsg) map[string][]string {
	m := make(map[string][]string)
	for _, d := range msgs {
		if d.Key == "" {
			continue
		}
		m[d.Key] = append(m[d.Key], d.Data)
	}
	return m
}

// VerifyKeyOrdering checks that, for every ordering key, the observed
// sequence equals the published sequence. Messages without a key and the
// interleaving of different keys are ignored.
func VerifyKeyOrdering(published, observed []KeyedMsg) error {
	pub := groupByKey(published)
	obs := groupByKey(observed)

	for k := range obs {
		if _, ok := pub[k]; !ok {
			return fmt.Errorf("saw key %s, but it was never published", k)
		}
	}
	for k, want := range pub {
		if diff := cmp.Diff(want, obs[k], cmpopts.EquateEmpty()); diff != "" {
			return fmt.Errorf("%s: got -, want +\n\t%s", k, diff)
		}
	}
	return nil
}

// VerifyExactlyOnce checks that observed holds every published payload
// exactly once, in any order.
func VerifyExactlyOnce(published, observed []string) error {
	less := func(a, b string) bool { return a < b }
	if diff := cmp.Diff(published, observed, cmpopts.SortSlices(less), cmpopts.EquateEmpty()); diff != "" {
		return fmt.Errorf("payloads: got -, want +\n\t%s", diff)
	}
	return nil
}
