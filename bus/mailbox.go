package bus

import (
	"container/heap"
	"context"
	"sync"
)

// delivery is one queued handler invocation. run is built at enqueue time
// so the handler bound at publish is the one invoked, even if the agent
// resubscribes before the queue drains.
type delivery struct {
	seq uint64
	pri Priority
	run func(ctx context.Context)
}

// mailbox serializes all delivery to one agent. Messages wait in a queue
// ordered by priority (descending) then arrival, and a single worker
// goroutine drains it, so an agent never sees two handlers at once.
type mailbox struct {
	agentID string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  deliveryQueue
	closed bool
	done   chan struct{}
}

func newMailbox(agentID string) *mailbox {
	mb := &mailbox{
		agentID: agentID,
		done:    make(chan struct{}),
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// enqueue queues a delivery. Returns false once the mailbox is closed.
func (mb *mailbox) enqueue(d delivery) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}
	heap.Push(&mb.queue, d)
	mb.cond.Signal()
	return true
}

// run drains the queue until close. Call on a dedicated goroutine.
func (mb *mailbox) run(ctx context.Context) {
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			close(mb.done)
			return
		}
		d := heap.Pop(&mb.queue).(delivery)
		mb.mu.Unlock()

		d.run(ctx)
	}
}

// close stops the worker after its current handler returns. Queued but
// undelivered messages are dropped.
func (mb *mailbox) close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	mb.cond.Broadcast()
	mb.mu.Unlock()
	<-mb.done
}

func (mb *mailbox) depth() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// deliveryQueue implements container/heap ordered by priority descending,
// then enqueue sequence ascending, so equal-priority messages keep
// publish order.
type deliveryQueue []delivery

func (q deliveryQueue) Len() int { return len(q) }

func (q deliveryQueue) Less(i, j int) bool {
	if q[i].pri != q[j].pri {
		return q[i].pri > q[j].pri
	}
	return q[i].seq < q[j].seq
}

func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deliveryQueue) Push(x any) { *q = append(*q, x.(delivery)) }

func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}
