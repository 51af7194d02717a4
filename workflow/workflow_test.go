package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastPreservesOrderPerView(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "nums", []int{1, 2, 3, 4, 5})
	views := Broadcast(g, src, "a", "b", "c")
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)
	for _, v := range views {
		assert.Equal(t, []int{1, 2, 3, 4, 5}, Collect(v, nil))
	}
}

type keyed struct {
	ID  string
	Val string
}

func TestJoinInnerSemantics(t *testing.T) {
	// Left [(1,a),(2,a)] joined with right [(2,b),(3,b)] must emit exactly
	// (2,a,b); unmatched keys on either side are absent from the output.
	g := New("test", GraphOpts{})
	left := Source(g, "left", []keyed{{"1", "a"}, {"2", "a"}})
	right := Source(g, "right", []keyed{{"2", "b"}, {"3", "b"}})
	joined := Join(g, "lr", left, right,
		func(v keyed) string { return v.ID },
		func(v keyed) string { return v.ID },
		JoinOpts{AllowUnmatched: true})
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)
	pairs := Collect(joined, nil)
	require.Len(t, pairs, 1)
	expect.EQ(t, pairs[0], Pair[keyed, keyed]{Key: "2", Left: keyed{"2", "a"}, Right: keyed{"2", "b"}})
}

func TestJoinStarvationIsFatalByDefault(t *testing.T) {
	g := New("test", GraphOpts{})
	left := Source(g, "left", []keyed{{"1", "a"}, {"2", "a"}})
	right := Source(g, "right", []keyed{{"2", "b"}, {"3", "b"}})
	joined := Join(g, "lr", left, right,
		func(v keyed) string { return v.ID },
		func(v keyed) string { return v.ID },
		JoinOpts{})
	report := g.Run(context.Background())
	Collect(joined, nil)
	require.Equal(t, Failed, report.Status)
	var starved *JoinStarvationError
	require.True(t, errors.As(report.Err, &starved))
	assert.Equal(t, []string{"1", "3"}, starved.Keys)
}

func TestCollectSortedIsPureLexicographic(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "logs", []string{"s2.log", "s1.log", "s10.log"})
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)
	got := Collect(src, func(a, b string) bool { return a < b })
	assert.Equal(t, []string{"s1.log", "s10.log", "s2.log"}, got)
}

func TestInactiveStageIsSkippedAndOutputEmpty(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "nums", []int{1, 2, 3})
	gated := Each(g, "gated", src, StageOpts{When: func() bool { return false }},
		func(ctx context.Context, v int) (int, error) {
			t.Error("gated stage must never execute")
			return v, nil
		})
	withDefault := IfEmpty(g, gated, -1)
	var reduced []int
	Reduce(g, "sum", withDefault, nil, func(ctx context.Context, all []int) error {
		reduced = all
		return nil
	})
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)

	s := g.Stage("gated")
	require.NotNil(t, s)
	assert.False(t, s.Active())
	assert.Equal(t, StateSkipped, s.State())
	succeeded, failed := s.Counts()
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, failed)
	// Consumers fall back to the configured default.
	assert.Equal(t, []int{-1}, reduced)
}

func TestFailFastAbortsRun(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "nums", []int{1, 2})
	out := Each(g, "work", src, StageOpts{},
		func(ctx context.Context, v int) (int, error) {
			if v == 1 {
				return 0, fmt.Errorf("sample %d: boom", v)
			}
			return v, nil
		})
	report := g.Run(context.Background())
	Collect(out, nil)
	require.Equal(t, Failed, report.Status)
	assert.Contains(t, report.Err.Error(), "boom")
}

func TestContinueOnErrorIsolatesSample(t *testing.T) {
	g := New("test", GraphOpts{ContinueOnError: true})
	src := Source(g, "nums", []int{1, 2, 3})
	out := Each(g, "work", src, StageOpts{},
		func(ctx context.Context, v int) (int, error) {
			if v == 2 {
				return 0, fmt.Errorf("sample %d: boom", v)
			}
			return v * 10, nil
		})
	report := g.Run(context.Background())
	got := Collect(out, func(a, b int) bool { return a < b })
	require.Equal(t, CompletedWithErrors, report.Status)
	require.Len(t, report.SampleErrors, 1)
	assert.Equal(t, []int{10, 30}, got)
	s := g.Stage("work")
	assert.Equal(t, StateFailed, s.State())
	succeeded, failed := s.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
}

func TestIgnorableStageNeverAbortsRun(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "nums", []int{1})
	Sink(g, "qc", src, StageOpts{Ignorable: true},
		func(ctx context.Context, v int) error { return errors.New("qc flaked") })
	report := g.Run(context.Background())
	require.Equal(t, CompletedWithErrors, report.Status)
	require.Len(t, report.SampleErrors, 1)
}

func TestReduceFailureIsFatal(t *testing.T) {
	g := New("test", GraphOpts{ContinueOnError: true})
	src := Source(g, "logs", []string{"a.log"})
	Reduce(g, "summary", src, nil, func(ctx context.Context, all []string) error {
		return errors.New("malformed log")
	})
	report := g.Run(context.Background())
	require.Equal(t, Failed, report.Status)
	assert.Contains(t, report.Err.Error(), "malformed log")
}

func TestMergeCarriesAllParents(t *testing.T) {
	g := New("test", GraphOpts{})
	a := Source(g, "a", []string{"x", "y"})
	b := Source(g, "b", []string{"z"})
	merged := Merge(g, "ab", a, b)
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)
	got := Collect(merged, func(a, b string) bool { return a < b })
	assert.Equal(t, []string{"x", "y", "z"}, got)
}

func TestStageParallelismBoundsInFlightInstances(t *testing.T) {
	const limit = 3
	g := New("test", GraphOpts{})
	items := make([]int, 64)
	for i := range items {
		items[i] = i
	}
	src := Source(g, "nums", items)
	var (
		gate    = make(chan struct{}, limit)
		blocked = 0
	)
	out := Each(g, "bounded", src, StageOpts{Parallelism: limit},
		func(ctx context.Context, v int) (int, error) {
			select {
			case gate <- struct{}{}:
				defer func() { <-gate }()
			default:
				blocked++ // more than limit instances in flight
			}
			return v, nil
		})
	report := g.Run(context.Background())
	require.Equal(t, Completed, report.Status)
	assert.Equal(t, 0, blocked)
	assert.Len(t, Collect(out, nil), len(items))
}

func TestGraphInspection(t *testing.T) {
	g := New("test", GraphOpts{})
	src := Source(g, "samples", []string{"s1"})
	trimmed := Each(g, "trim", src, StageOpts{}, func(ctx context.Context, v string) (string, error) {
		return strings.ToUpper(v), nil
	})
	Broadcast(g, trimmed, "trim.align", "trim.logs")
	names := make([]string, 0)
	for _, s := range g.Stages() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"samples", "trim"}, names)
	chans := g.Channels()
	sort.Strings(chans)
	assert.Equal(t, []string{"samples", "trim.align", "trim.logs", "trim.out"}, chans)
	g.Run(context.Background())
}
