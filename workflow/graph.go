// Package workflow implements the dataflow task-graph engine behind the
// sample-processing pipeline: typed channels with broadcast, keyed join and
// full-collection semantics, stages with activation predicates and bounded
// parallelism, and a graph object that owns the topology and drives one run.
//
// The topology is static. Every channel and stage is declared before
// Graph.Run is called; Run launches one runner goroutine per declared stage
// and returns once all of them have finished.
package workflow

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Status is the outcome of a whole run.
type Status int

const (
	// Completed means every stage instance succeeded or was skipped.
	Completed Status = iota
	// CompletedWithErrors means at least one sample's path failed while the
	// run itself carried on under a continue-on-error policy.
	CompletedWithErrors
	// Failed means a fatal error aborted the run.
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case CompletedWithErrors:
		return "completed with errors"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// GraphOpts configures run-wide policy.
type GraphOpts struct {
	// ContinueOnError isolates a per-sample stage failure to that sample's
	// remaining path. The default (false) is fail-fast: the first failure of
	// a stage not marked Ignorable aborts the run.
	ContinueOnError bool
}

// A Graph owns the stages and channels of one pipeline and drives their
// execution. Graphs are built once, run once.
type Graph struct {
	name string
	opts GraphOpts

	mu       sync.Mutex
	channels []string
	stages   []*Stage
	runners  []func(ctx context.Context)
	started  bool

	fatal      errors.Once
	sampleErrs []error
	cancel     context.CancelFunc
}

// New returns an empty graph.
func New(name string, opts GraphOpts) *Graph {
	return &Graph{name: name, opts: opts}
}

// Report describes the outcome of Graph.Run.
type Report struct {
	Status Status
	// Err is the fatal error that aborted the run; nil unless Status is
	// Failed.
	Err error
	// SampleErrors holds per-sample failures that were isolated under the
	// continue-on-error policy or an Ignorable stage marking.
	SampleErrors []error
}

// Run launches every declared stage and blocks until the graph has drained.
// Run may be called at most once.
func (g *Graph) Run(ctx context.Context) *Report {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		panic("workflow: graph run twice")
	}
	g.started = true
	runners := g.runners
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	log.Printf("%s: starting %d stages", g.name, len(runners))
	var wg sync.WaitGroup
	for _, run := range runners {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	report := &Report{SampleErrors: g.sampleErrs}
	switch {
	case g.fatal.Err() != nil:
		report.Status = Failed
		report.Err = g.fatal.Err()
	case len(g.sampleErrs) > 0:
		report.Status = CompletedWithErrors
	default:
		report.Status = Completed
	}
	log.Printf("%s: run %s", g.name, report.Status)
	return report
}

// Stages returns every declared stage in declaration order.
func (g *Graph) Stages() []*Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Stage(nil), g.stages...)
}

// Stage returns the declared stage with the given name, or nil.
func (g *Graph) Stage(name string) *Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.stages {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Channels returns the names of every declared channel in declaration order.
func (g *Graph) Channels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.channels...)
}

func (g *Graph) registerChannel(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		panic("workflow: channel declared after run started")
	}
	g.channels = append(g.channels, name)
}

func (g *Graph) addStage(s *Stage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		panic("workflow: stage declared after run started")
	}
	g.stages = append(g.stages, s)
}

func (g *Graph) addRunner(run func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		panic("workflow: stage declared after run started")
	}
	g.runners = append(g.runners, run)
}

// fail records a fatal error and cancels the run. The first error wins.
func (g *Graph) fail(err error) {
	g.fatal.Set(err)
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// stageFailure routes a per-instance error according to run policy: isolated
// and recorded when the stage is Ignorable or the graph continues on error,
// fatal otherwise.
func (g *Graph) stageFailure(s *Stage, err error) {
	if s.opts.Ignorable || g.opts.ContinueOnError {
		log.Error.Printf("%s: stage %s: %v (continuing)", g.name, s.name, err)
		g.mu.Lock()
		g.sampleErrs = append(g.sampleErrs, err)
		g.mu.Unlock()
		return
	}
	g.fail(err)
}

func (g *Graph) aborted() bool {
	return g.fatal.Err() != nil
}
