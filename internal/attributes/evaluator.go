package attributes

import (
	"fmt"
	"strings"
	"time"

	"github.com/mrzor/durability-tracer/internal/engine"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled boolean expression over transitions.
// The zero Filter and a nil *Filter match everything.
type Filter struct {
	source  string
	program *vm.Program
}

// typeEnv declares the variables for type checking.
var typeEnv = map[string]interface{}{
	"job":        0,
	"comm":       "",
	"inode":      0,
	"hash":       0,
	"transition": "",
	"tid":        0,
	"latency_ms": 0.0,
}

// NewFilter compiles expression. An empty expression yields a filter that
// matches every transition.
func NewFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}

	program, err := expr.Compile(expression, expr.Env(typeEnv), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expression, err)
	}
	return &Filter{source: expression, program: program}, nil
}

// Env builds the evaluation environment of a transition.
func Env(t engine.Transition, comm string) map[string]interface{} {
	//nolint:gosec // ids and inodes are displayed, overflow only affects huge values
	return map[string]interface{}{
		"job":        int(t.JobID),
		"comm":       comm,
		"inode":      int(t.Inode),
		"hash":       int(t.Hash),
		"transition": t.Kind.String(),
		"tid":        int(t.Tid),
		"latency_ms": float64(t.Latency) / float64(time.Millisecond),
	}
}

// Match reports whether t passes the filter.
func (f *Filter) Match(t engine.Transition, comm string) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}

	output, err := expr.Run(f.program, Env(t, comm))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter %q: %w", f.source, err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.source, output)
	}
	return matched, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
