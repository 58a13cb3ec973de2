// Package pipeline defines the ordered set of stages an execution moves
// through and the registry binding each stage name to its executor.
package pipeline

import (
	"context"
	"fmt"

	"github.com/quoteflow/quoteflow"
)

// Pipeline is an immutable, ordered set of named stages with one
// executor bound to each. Stage names are unique; the first stage is
// where new executions start.
type Pipeline struct {
	stages    []string
	executors map[string]quoteflow.StageExecutor
	positions map[string]int
}

// New builds a pipeline from executors in stage order. It fails on an
// empty list, a nil executor, an unnamed stage, or a duplicate name.
func New(executors ...quoteflow.StageExecutor) (*Pipeline, error) {
	if len(executors) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}
	p := &Pipeline{
		stages:    make([]string, 0, len(executors)),
		executors: make(map[string]quoteflow.StageExecutor, len(executors)),
		positions: make(map[string]int, len(executors)),
	}
	for i, executor := range executors {
		if executor == nil {
			return nil, fmt.Errorf("stage executor at position %d is nil", i)
		}
		name := executor.Name()
		if name == "" {
			return nil, fmt.Errorf("stage executor at position %d has no name", i)
		}
		if _, exists := p.executors[name]; exists {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		p.stages = append(p.stages, name)
		p.executors[name] = executor
		p.positions[name] = i
	}
	return p, nil
}

// First returns the name of the entry stage.
func (p *Pipeline) First() string {
	return p.stages[0]
}

// Stages returns the stage names in pipeline order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	copy(out, p.stages)
	return out
}

// Contains reports whether the pipeline defines the named stage.
func (p *Pipeline) Contains(name string) bool {
	_, ok := p.executors[name]
	return ok
}

// Executor returns the executor bound to the named stage.
func (p *Pipeline) Executor(name string) (quoteflow.StageExecutor, error) {
	executor, ok := p.executors[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q: %w", name, quoteflow.ErrValidation)
	}
	return executor, nil
}

// Next returns the stage that follows the named one in pipeline order,
// or "" when the named stage is last.
func (p *Pipeline) Next(name string) (string, error) {
	pos, ok := p.positions[name]
	if !ok {
		return "", fmt.Errorf("unknown stage %q: %w", name, quoteflow.ErrValidation)
	}
	if pos+1 >= len(p.stages) {
		return "", nil
	}
	return p.stages[pos+1], nil
}

// Func adapts a plain function into a StageExecutor.
type Func struct {
	name string
	fn   func(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error)
}

// NewFunc returns a StageExecutor backed by the given function.
func NewFunc(name string, fn func(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string {
	return f.name
}

func (f *Func) Execute(ctx context.Context, ec *quoteflow.ExecutionContext) (*quoteflow.StageResult, error) {
	return f.fn(ctx, ec)
}
