package workflow

import (
	"context"
	"sync"
)

// State is the lifecycle state of a stage. Per-element instances of a stage
// move Pending → Eligible → Running and terminate in Succeeded or Failed;
// a stage whose activation predicate is false moves straight to Skipped.
// No stage re-enters Pending.
type State int

const (
	StatePending State = iota
	StateEligible
	StateSkipped
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEligible:
		return "eligible"
	case StateSkipped:
		return "skipped"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// StageOpts configures one stage.
type StageOpts struct {
	// Parallelism bounds the number of concurrent instances; 0 means 1.
	// Reflects the external-resource class of the stage (alignment is heavy,
	// depth computation is not).
	Parallelism int
	// When is the activation predicate, evaluated exactly once at
	// declaration time against the frozen tool selection. Nil means
	// always on. An inactive stage never runs; its output channels are
	// closed empty so every consumer sees a completed, empty stream.
	When func() bool
	// Ignorable failures are recorded but never abort the run, even under
	// the default fail-fast policy.
	Ignorable bool
}

// A Stage is a named unit of work bound to its input and output channels at
// declaration time. The zero value is not usable; stages are created by the
// combinators in this package.
type Stage struct {
	name  string
	graph *Graph
	opts  StageOpts

	active bool

	mu        sync.Mutex
	state     State
	succeeded int
	failed    int
}

func newStage(g *Graph, name string, opts StageOpts) *Stage {
	s := &Stage{name: name, graph: g, opts: opts, active: true, state: StatePending}
	if opts.When != nil {
		s.active = opts.When()
	}
	g.addStage(s)
	return s
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Active reports the activation predicate's value, fixed at declaration.
func (s *Stage) Active() bool { return s.active }

// State returns the stage's current aggregate state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counts returns how many instances of the stage succeeded and failed.
func (s *Stage) Counts() (succeeded, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed
}

func (s *Stage) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stage) instanceSucceeded() {
	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()
}

func (s *Stage) instanceFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// finish settles the terminal state after all instances have returned.
func (s *Stage) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSkipped {
		return
	}
	if s.failed > 0 {
		s.state = StateFailed
	} else {
		s.state = StateSucceeded
	}
}

func (s *Stage) workers() int {
	if s.opts.Parallelism > 1 {
		return s.opts.Parallelism
	}
	return 1
}

// Source declares the entry stage of a graph: it publishes the given
// elements in order and closes the channel.
func Source[T any](g *Graph, name string, items []T) *Channel[T] {
	out := NewChannel[T](g, name)
	s := newStage(g, name, StageOpts{})
	g.addRunner(func(ctx context.Context) {
		defer out.Close()
		s.setState(StateRunning)
		for _, v := range items {
			if ctx.Err() != nil {
				break
			}
			out.Publish(v)
			s.instanceSucceeded()
		}
		s.finish()
	})
	return out
}

// Each declares a streaming stage: fn runs once per input element, with at
// most opts.Parallelism instances in flight, and successful results are
// published to the returned channel. Elements whose instance fails are not
// forwarded; whether the failure aborts the run follows the graph policy.
func Each[In, Out any](g *Graph, name string, in *Channel[In], opts StageOpts, fn func(ctx context.Context, v In) (Out, error)) *Channel[Out] {
	out := NewChannel[Out](g, name+".out")
	s := newStage(g, name, opts)
	g.addRunner(func(ctx context.Context) {
		defer out.Close()
		if !s.active {
			s.setState(StateSkipped)
			drain(in)
			return
		}
		s.setState(StateEligible)
		var wg sync.WaitGroup
		for i := 0; i < s.workers(); i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					v, ok := in.Next()
					if !ok {
						return
					}
					if ctx.Err() != nil {
						continue // drain without running
					}
					s.setState(StateRunning)
					res, err := fn(ctx, v)
					if err != nil {
						s.instanceFailed()
						g.stageFailure(s, err)
						continue
					}
					s.instanceSucceeded()
					out.Publish(res)
				}
			}()
		}
		wg.Wait()
		s.finish()
	})
	return out
}

// Sink declares a terminal streaming stage with no output channel.
func Sink[In any](g *Graph, name string, in *Channel[In], opts StageOpts, fn func(ctx context.Context, v In) error) *Stage {
	s := newStage(g, name, opts)
	g.addRunner(func(ctx context.Context) {
		if !s.active {
			s.setState(StateSkipped)
			drain(in)
			return
		}
		s.setState(StateEligible)
		var wg sync.WaitGroup
		for i := 0; i < s.workers(); i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					v, ok := in.Next()
					if !ok {
						return
					}
					if ctx.Err() != nil {
						continue
					}
					s.setState(StateRunning)
					if err := fn(ctx, v); err != nil {
						s.instanceFailed()
						g.stageFailure(s, err)
						continue
					}
					s.instanceSucceeded()
				}
			}()
		}
		wg.Wait()
		s.finish()
	})
	return s
}

// Reduce declares a collecting stage: a hard synchronization barrier that
// materializes its input channel, sorts it with less when non-nil, and runs
// fn exactly once after every upstream producer has completed. A Reduce
// failure is always fatal to the run; a partial reduction is never
// published.
func Reduce[In any](g *Graph, name string, in *Channel[In], less func(a, b In) bool, fn func(ctx context.Context, all []In) error) *Stage {
	s := newStage(g, name, StageOpts{})
	g.addRunner(func(ctx context.Context) {
		s.setState(StateEligible)
		all := Collect(in, less)
		if ctx.Err() != nil || g.aborted() {
			s.setState(StateSkipped)
			return
		}
		s.setState(StateRunning)
		if err := fn(ctx, all); err != nil {
			s.instanceFailed()
			s.finish()
			g.fail(err)
			return
		}
		s.instanceSucceeded()
		s.finish()
	})
	return s
}

// Broadcast fans one channel out into independent consumer views, one per
// name. Production order is preserved per view and consumption by one view
// does not affect another.
func Broadcast[T any](g *Graph, in *Channel[T], names ...string) []*Channel[T] {
	outs := make([]*Channel[T], len(names))
	for i, n := range names {
		outs[i] = NewChannel[T](g, n)
	}
	g.addRunner(func(ctx context.Context) {
		defer func() {
			for _, o := range outs {
				o.Close()
			}
		}()
		for {
			v, ok := in.Next()
			if !ok {
				return
			}
			for _, o := range outs {
				o.Publish(v)
			}
		}
	})
	return outs
}

// Merge funnels several channels of the same shape into one. No relative
// order is guaranteed between elements of different parents.
func Merge[T any](g *Graph, name string, ins ...*Channel[T]) *Channel[T] {
	out := NewChannel[T](g, name)
	g.addRunner(func(ctx context.Context) {
		defer out.Close()
		var wg sync.WaitGroup
		for _, in := range ins {
			in := in
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					v, ok := in.Next()
					if !ok {
						return
					}
					out.Publish(v)
				}
			}()
		}
		wg.Wait()
	})
	return out
}

// IfEmpty substitutes a single default element if the parent channel
// produced none, so downstream collecting stages are never starved by
// skipped or failed producers.
func IfEmpty[T any](g *Graph, in *Channel[T], def T) *Channel[T] {
	out := NewChannel[T](g, in.name+".or-default")
	g.addRunner(func(ctx context.Context) {
		defer out.Close()
		n := 0
		for {
			v, ok := in.Next()
			if !ok {
				break
			}
			out.Publish(v)
			n++
		}
		if n == 0 {
			out.Publish(def)
		}
	})
	return out
}

func drain[T any](c *Channel[T]) {
	for {
		if _, ok := c.Next(); !ok {
			return
		}
	}
}
