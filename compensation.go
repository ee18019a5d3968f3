package tally

import (
	"context"
	"errors"
	"fmt"
)

// compensation is an explicit undo plan for a multi-step write. Each step
// that produces a side effect registers its inverse; on failure the inverses
// run newest first.
type compensation struct {
	steps []compensationStep
}

type compensationStep struct {
	name string
	undo func(ctx context.Context) error
}

func (p *compensation) add(name string, undo func(ctx context.Context) error) {
	p.steps = append(p.steps, compensationStep{name: name, undo: undo})
}

// names returns the registered step names in execution order.
func (p *compensation) names() []string {
	out := make([]string, 0, len(p.steps))
	for i := len(p.steps) - 1; i >= 0; i-- {
		out = append(out, p.steps[i].name)
	}
	return out
}

// run executes every step even when an earlier one fails, so that as much
// as possible is undone. The context is detached from cancellation.
func (p *compensation) run(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(p.steps) - 1; i >= 0; i-- {
		s := p.steps[i]
		if err := s.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
