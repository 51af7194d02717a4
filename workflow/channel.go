package workflow

import (
	"sort"
	"sync"
)

// A Channel is an append-only, ordered conduit between stages. It is produced
// by exactly one upstream stage (or a Source) and consumed by one or more
// downstream stages; fan-out requires an explicit Broadcast so that each
// consumer sees the full element stream.
//
// Channels are unbounded: Publish never blocks, so a slow consumer on one
// branch of a broadcast cannot stall the producer or its sibling branches.
type Channel[T any] struct {
	name string
	q    *queue[T]
}

// NewChannel declares a channel on g. The name is used for graph inspection
// and error reporting only.
func NewChannel[T any](g *Graph, name string) *Channel[T] {
	g.registerChannel(name)
	return &Channel[T]{name: name, q: newQueue[T]()}
}

// Name returns the name the channel was declared with.
func (c *Channel[T]) Name() string { return c.name }

// Publish appends v to the channel. Publishing to a closed channel panics;
// only the owning stage may publish.
func (c *Channel[T]) Publish(v T) { c.q.put(v) }

// Close marks the element stream complete. All consumers blocked in Next
// return with ok=false once the remaining elements are drained.
func (c *Channel[T]) Close() { c.q.close() }

// Next blocks until an element is available or the channel is closed and
// drained.
func (c *Channel[T]) Next() (T, bool) { return c.q.get() }

// Collect fully materializes the channel into one sequence. With a nil less
// the arrival order is kept; otherwise the result is sorted by less. Collect
// returns only after the producing stage has closed the channel.
func Collect[T any](c *Channel[T], less func(a, b T) bool) []T {
	var all []T
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		all = append(all, v)
	}
	if less != nil {
		sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })
	}
	return all
}

// queue is an unbounded FIFO with close semantics. grailbio/base/syncqueue
// offers LIFO and OrderedQueue variants only, neither of which gives the
// stream-until-closed contract a Channel needs, so this one is local.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue[T]) put(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("workflow: publish on closed channel")
	}
	q.items = append(q.items, v)
	q.cond.Signal()
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue[T]) get() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	q.items = q.items[1:]
	return v, true
}
