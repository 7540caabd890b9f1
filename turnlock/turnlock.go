// Package turnlock provides a FIFO ticket mutex serializing turns against a
// single conversation. Tickets are granted in strict arrival order; a drain
// mode lets callers wait out in-flight turns before proceeding exclusively.
package turnlock

import (
	"context"
	"sync"
)

// Ticket identifies one admitted position in the wait queue.
type Ticket uint64

// TurnLock is a FIFO mutex with bounded admission. The zero value is not
// usable; construct with New.
type TurnLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Ticket
	next  Ticket
	held  bool
	limit int
}

// New creates a TurnLock admitting at most limit waiters into the queue.
// A limit of 0 means unbounded admission.
func New(limit int) *TurnLock {
	l := &TurnLock{limit: limit}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the caller's ticket reaches the head of the queue and
// the lock is free, then holds the lock. When the queue is at the admission
// limit the call blocks before a ticket is even issued, so a slow backend
// degrades into caller backpressure rather than unbounded queue growth.
// Cancelling ctx abandons the wait and withdraws the ticket.
func (l *TurnLock) Acquire(ctx context.Context) (Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for l.limit > 0 && len(l.queue) >= l.limit {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l.cond.Wait()
	}

	t := l.issue()

	for l.held || l.queue[0] != t {
		if err := ctx.Err(); err != nil {
			l.withdraw(t)
			l.cond.Broadcast()
			return 0, err
		}
		l.cond.Wait()
	}

	l.held = true
	return t, nil
}

// Release frees the lock held by ticket t. Releasing with a ticket that is
// not the current head is a protocol violation and panics, mirroring
// sync.Mutex semantics for unlocking an unlocked mutex.
func (l *TurnLock) Release(t Ticket) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || len(l.queue) == 0 || l.queue[0] != t {
		panic("turnlock: release without matching head")
	}

	l.held = false
	l.queue = l.queue[1:]
	l.cond.Broadcast()
}

// Drain blocks until at most maxInFlight tickets remain queued and the lock
// is free, then holds the lock exclusively. Drain bypasses the admission
// limit; release the returned ticket with Release as usual. A maxInFlight of
// 0 waits out every outstanding turn, which is what clear and preset
// switches need.
func (l *TurnLock) Drain(ctx context.Context, maxInFlight int) (Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for l.held || len(l.queue) > maxInFlight {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l.cond.Wait()
	}

	t := l.issue()

	for l.held || l.queue[0] != t {
		if err := ctx.Err(); err != nil {
			l.withdraw(t)
			l.cond.Broadcast()
			return 0, err
		}
		l.cond.Wait()
	}

	l.held = true
	return t, nil
}

// Len reports the number of tickets currently queued, including the holder.
// Exposed for liveness checks: a queue that never shrinks indicates a stuck
// holder.
func (l *TurnLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Held reports whether the lock is currently held.
func (l *TurnLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *TurnLock) issue() Ticket {
	l.next++
	t := l.next
	l.queue = append(l.queue, t)
	return t
}

func (l *TurnLock) withdraw(t Ticket) {
	for i, q := range l.queue {
		if q == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}
