/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package report

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Filter selects pairs by an expression over field names, like "path_delay > 100000 && tx_src == 'hw'"
type Filter struct {
	expr *govaluate.EvaluableExpression
	vars []string
}

// NewFilter parses expression. Empty expression returns nil filter which matches everything.
func NewFilter(exprStr string) (*Filter, error) {
	if exprStr == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(exprStr)
	if err != nil {
		return nil, fmt.Errorf("parsing filter: %w", err)
	}
	for _, v := range expr.Vars() {
		if _, ok := fields[v]; !ok {
			return nil, fmt.Errorf("%w %q in filter", ErrUnknownField, v)
		}
	}
	return &Filter{expr: expr, vars: expr.Vars()}, nil
}

// govaluate does arithmetic on float64 only
func toParam(v any) any {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint32:
		return float64(x)
	}
	return v
}

// Match evaluates the filter for m
func (f *Filter) Match(m *Metrics) (bool, error) {
	if f == nil {
		return true, nil
	}
	params := make(map[string]any, len(f.vars))
	for _, v := range f.vars {
		params[v] = toParam(fields[v].value(m))
	}
	res, err := f.expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluating filter: %w", err)
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("filter evaluated to %v, not a boolean", res)
	}
	return b, nil
}
