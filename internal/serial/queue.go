package serial

import (
	"sync"

	"github.com/gammazero/deque"
)

// Queue is a FIFO of received messages, safe for concurrent use.
//
// Its capacity is advisory: it sizes the backing storage but never limits
// how many messages can be queued, and lowering it never drops messages.
type Queue struct {
	mu       sync.Mutex
	items    deque.Deque[string]
	capacity int
}

// NewQueue returns an empty queue with the given advisory capacity.
func NewQueue(capacity int) *Queue {
	q := &Queue{}
	q.SetCapacity(capacity)
	return q
}

// SetCapacity sets the advisory capacity. Non-positive values are ignored.
func (q *Queue) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = n
	q.items.SetBaseCap(n)
}

// Capacity returns the advisory capacity.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Push appends msg to the back of the queue.
func (q *Queue) Push(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(msg)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// PopFront removes and returns the oldest message. ok is false if the
// queue is empty.
func (q *Queue) PopFront() (msg string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return "", false
	}
	return q.items.PopFront(), true
}

// Clear drops every queued message. The capacity is kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
}
