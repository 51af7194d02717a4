package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/log"
)

// A Pair is the element shape of a join channel.
type Pair[L, R any] struct {
	Key   string
	Left  L
	Right R
}

// JoinOpts configures a join channel.
type JoinOpts struct {
	// AllowUnmatched downgrades join starvation (a key that never receives
	// its counterpart) from an error to a logged skip.
	AllowUnmatched bool
}

// JoinStarvationError reports keys left without a counterpart once both
// parents of a join have been fully drained.
type JoinStarvationError struct {
	Join string
	Keys []string
}

func (e *JoinStarvationError) Error() string {
	return fmt.Sprintf("join %s: no counterpart for %s", e.Join, strings.Join(e.Keys, ", "))
}

// Join derives a channel pairing elements of left and right that share a
// key. An element is buffered until its counterpart arrives; the pair is
// emitted exactly once, regardless of arrival order. The join is inner: a
// key present on only one side emits nothing. Once both parents are drained,
// leftover unmatched keys are an error routed through the run's failure
// policy, unless opts.AllowUnmatched is set.
func Join[L, R any](g *Graph, name string, left *Channel[L], right *Channel[R],
	leftKey func(L) string, rightKey func(R) string, opts JoinOpts) *Channel[Pair[L, R]] {
	out := NewChannel[Pair[L, R]](g, name)
	s := newStage(g, name, StageOpts{})
	g.addRunner(func(ctx context.Context) {
		defer out.Close()
		s.setState(StateRunning)
		var (
			mu       sync.Mutex
			pendingL = make(map[string]L)
			pendingR = make(map[string]R)
			wg       sync.WaitGroup
		)
		emit := func(p Pair[L, R]) {
			out.Publish(p)
			s.instanceSucceeded()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				v, ok := left.Next()
				if !ok {
					return
				}
				k := leftKey(v)
				mu.Lock()
				r, found := pendingR[k]
				if found {
					delete(pendingR, k)
				} else {
					pendingL[k] = v
				}
				mu.Unlock()
				if found {
					emit(Pair[L, R]{Key: k, Left: v, Right: r})
				}
			}
		}()
		go func() {
			defer wg.Done()
			for {
				v, ok := right.Next()
				if !ok {
					return
				}
				k := rightKey(v)
				mu.Lock()
				l, found := pendingL[k]
				if found {
					delete(pendingL, k)
				} else {
					pendingR[k] = v
				}
				mu.Unlock()
				if found {
					emit(Pair[L, R]{Key: k, Left: l, Right: v})
				}
			}
		}()
		wg.Wait()

		var leftover []string
		for k := range pendingL {
			leftover = append(leftover, k)
		}
		for k := range pendingR {
			leftover = append(leftover, k)
		}
		sort.Strings(leftover)
		if len(leftover) > 0 {
			err := &JoinStarvationError{Join: name, Keys: leftover}
			if opts.AllowUnmatched {
				log.Error.Printf("%v (dropped)", err)
			} else {
				s.instanceFailed()
				g.stageFailure(s, err)
			}
		}
		s.finish()
	})
	return out
}
