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

package testutil

import (
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
)

// Equal tests two values for equality, treating protocol buffer messages as
// equal when their contents match.
func Equal(x, y interface{}, opts ...cmp.Option) bool {
	return cmp.Equal(x, y, append([]cmp.Option{protocmp.Transform()}, opts...)...)
}

// Diff reports the differences between two values, in the same manner as
// Equal.
func Diff(x, y interface{}, opts ...cmp.Option) string {
	return cmp.Diff(x, y, append([]cmp.Option{protocmp.Transform()}, opts...)...)
}
