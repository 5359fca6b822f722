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

package pstest

import (
	"strings"

	"go.einride.tech/aip/filtering"
	"go.einride.tech/aip/filtering/exprs"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

const (
	attributesIdent = "attributes"
	hasPrefixFunc   = "hasPrefix"
)

// filterRequest adapts a filter string to filtering.Request.
type filterRequest string

func (r filterRequest) GetFilter() string {
	return string(r)
}

// messageFilter is a parsed subscription filter over message attributes.
type messageFilter struct {
	root *expr.Expr
}

func parseFilter(filter string) (*messageFilter, error) {
	if filter == "" {
		return &messageFilter{}, nil
	}
	declarations, err := filtering.NewDeclarations(
		filtering.DeclareFunction(
			hasPrefixFunc,
			filtering.NewFunctionOverload(hasPrefixFunc,
				filtering.TypeBool,
				filtering.TypeString,
				filtering.TypeString,
			),
		),
		filtering.DeclareIdent(
			attributesIdent,
			filtering.TypeMap(filtering.TypeString, filtering.TypeString),
		),
		filtering.DeclareStandardFunctions(),
	)
	if err != nil {
		return nil, err
	}
	f, err := filtering.ParseFilter(filterRequest(filter), declarations)
	if err != nil {
		return nil, err
	}
	if f.CheckedExpr == nil {
		return &messageFilter{}, nil
	}
	return &messageFilter{root: f.CheckedExpr.Expr}, nil
}

// matches evaluates the filter against attrs. An empty filter matches
// everything.
func (f *messageFilter) matches(attrs map[string]string) bool {
	if f.root == nil {
		return true
	}
	return evalFilter(attrs, f.root)
}

func evalFilter(attrs map[string]string, e *expr.Expr) bool {
	var key, value string
	var lhs, rhs *expr.Expr
	attrMember := exprs.MatchAnyMember(exprs.MatchText(attributesIdent), &key)

	switch {
	// attributes.name = "value"
	case exprs.MatchFunction(filtering.FunctionEquals, attrMember, exprs.MatchAnyString(&value))(e):
		v, ok := attrs[key]
		return ok && v == value
	// attributes.name != "value"
	case exprs.MatchFunction(filtering.FunctionNotEquals, attrMember, exprs.MatchAnyString(&value))(e):
		v, ok := attrs[key]
		return !ok || v != value
	// attributes:name
	case exprs.MatchFunction(filtering.FunctionHas, exprs.MatchText(attributesIdent), exprs.MatchAnyString(&key))(e):
		_, ok := attrs[key]
		return ok
	// hasPrefix(attributes.name, "prefix")
	case exprs.MatchFunction(hasPrefixFunc, attrMember, exprs.MatchAnyString(&value))(e):
		v, ok := attrs[key]
		return ok && strings.HasPrefix(v, value)
	case exprs.MatchFunction(filtering.FunctionNot, exprs.MatchAny(&lhs))(e):
		return !evalFilter(attrs, lhs)
	case exprs.MatchFunction(filtering.FunctionAnd, exprs.MatchAny(&lhs), exprs.MatchAny(&rhs))(e),
		exprs.MatchFunction(filtering.FunctionFuzzyAnd, exprs.MatchAny(&lhs), exprs.MatchAny(&rhs))(e):
		return evalFilter(attrs, lhs) && evalFilter(attrs, rhs)
	case exprs.MatchFunction(filtering.FunctionOr, exprs.MatchAny(&lhs), exprs.MatchAny(&rhs))(e):
		return evalFilter(attrs, lhs) || evalFilter(attrs, rhs)
	}
	return true
}
