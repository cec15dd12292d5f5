/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package waitlist serializes the pipeline sections that must not
// overlap.  A ticket is a FIFO lease on a (scope, key) pair: at most one
// ticket is active per pair at any instant, waiters are woken strictly
// in arrival order, and releases are idempotent so error and cancel
// branches can release unconditionally.
package waitlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Scope partitions ticket keys.
type Scope string

const (
	// ScopeVM serializes destructive sections on a single VM.
	ScopeVM Scope = "vm"

	// ScopeAllocation serializes capacity sensitive sections on a
	// single server.
	ScopeAllocation Scope = "allocation"

	// ScopeFabricNAT serializes NAT zone provisioning on a single
	// fabric, so concurrent first provisions don't create duplicates.
	ScopeFabricNAT Scope = "fabric-nat"
)

// State is the ticket lifecycle state.
type State string

const (
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateReleased State = "released"
	StateExpired  State = "expired"
)

// Ticket is a lease on a (scope, key) pair.
type Ticket struct {
	UUID   string `json:"uuid"`
	Scope  Scope  `json:"scope"`
	Key    string `json:"key"`
	State  State  `json:"state"`
	Holder string `json:"holder"`

	CreatedAt  time.Time  `json:"created_at"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// ready is closed when the ticket becomes active.
	ready chan struct{}

	// ttl bounds how long the ticket may stay active before lazy
	// expiry reclaims it.
	ttl time.Duration
}

func (t *Ticket) queueKey() string {
	return fmt.Sprintf("%s:%s", t.Scope, t.Key)
}

// Waitlist tracks every ticket in the system.
type Waitlist struct {
	mu sync.Mutex

	// queues maps scope:key onto its FIFO.  The head of a queue is the
	// active holder.
	queues map[string][]*Ticket

	// tickets indexes live tickets by UUID.
	tickets map[string]*Ticket

	// depth reports queue depth per scope.
	depth *prometheus.GaugeVec
}

// New creates an empty waitlist, registering its metrics.
func New(registerer prometheus.Registerer) *Waitlist {
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vmapi_waitlist_queue_depth",
		Help: "Number of queued and active tickets per scope.",
	}, []string{"scope"})

	if registerer != nil {
		registerer.MustRegister(depth)
	}

	return &Waitlist{
		queues:  map[string][]*Ticket{},
		tickets: map[string]*Ticket{},
		depth:   depth,
	}
}

// Enqueue creates a ticket and places it at the tail of its queue.  The
// ticket is immediately active if the queue was empty.
func (w *Waitlist) Enqueue(scope Scope, key, holder string, ttl time.Duration) *Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticket := &Ticket{
		UUID:      uuid.New().String(),
		Scope:     scope,
		Key:       key,
		State:     StateQueued,
		Holder:    holder,
		CreatedAt: time.Now(),
		ready:     make(chan struct{}),
		ttl:       ttl,
	}

	qk := ticket.queueKey()

	w.expireLocked(qk, time.Now())

	w.queues[qk] = append(w.queues[qk], ticket)
	w.tickets[ticket.UUID] = ticket
	w.depth.WithLabelValues(string(scope)).Inc()

	if len(w.queues[qk]) == 1 {
		w.activateLocked(ticket)
	}

	return ticket
}

// Wait blocks until the ticket is active, or the context ends.  A
// context error leaves the ticket queued; callers release it on their
// error path.
func (w *Waitlist) Wait(ctx context.Context, ticket *Ticket) error {
	select {
	case <-ticket.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire is Enqueue followed by Wait, releasing the ticket if the wait
// is abandoned.
func (w *Waitlist) Acquire(ctx context.Context, scope Scope, key, holder string, ttl time.Duration) (*Ticket, error) {
	ticket := w.Enqueue(scope, key, holder, ttl)

	if err := w.Wait(ctx, ticket); err != nil {
		w.Release(ticket.UUID)

		return nil, err
	}

	return ticket, nil
}

// Release ends a lease and promotes the next waiter.  Releasing an
// unknown or already released ticket is a no-op.
func (w *Waitlist) Release(ticketUUID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticket, ok := w.tickets[ticketUUID]
	if !ok {
		return
	}

	w.removeLocked(ticket, StateReleased)
}

// ReleaseHolder releases every ticket held or queued by a holder, used
// when a job reaches a terminal state.
func (w *Waitlist) ReleaseHolder(holder string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ticket := range w.tickets {
		if ticket.Holder == holder {
			w.removeLocked(ticket, StateReleased)
		}
	}
}

// Get returns a snapshot of a ticket by UUID.
func (w *Waitlist) Get(ticketUUID string) (*Ticket, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticket, ok := w.tickets[ticketUUID]
	if !ok {
		return nil, false
	}

	snapshot := *ticket

	return &snapshot, true
}

// Pending returns snapshots of the queue for a (scope, key) pair in
// FIFO order, the active holder first.
func (w *Waitlist) Pending(scope Scope, key string) []*Ticket {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := w.queues[fmt.Sprintf("%s:%s", scope, key)]

	result := make([]*Ticket, 0, len(queue))

	for _, ticket := range queue {
		snapshot := *ticket
		result = append(result, &snapshot)
	}

	return result
}

// ExpireStale reclaims active tickets past their expiry across every
// queue, promoting the next waiters.  Called periodically so a crashed
// executor cannot wedge a VM forever.
func (w *Waitlist) ExpireStale(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for qk := range w.queues {
		w.expireLocked(qk, now)
	}
}

// activateLocked marks the head ticket active and wakes its waiter.
func (w *Waitlist) activateLocked(ticket *Ticket) {
	now := time.Now()

	ticket.State = StateActive
	ticket.AcquiredAt = &now

	if ticket.ttl > 0 {
		expiry := now.Add(ticket.ttl)
		ticket.ExpiresAt = &expiry
	}

	close(ticket.ready)
}

// removeLocked takes a ticket out of its queue with the given final
// state, promoting a new head if the active ticket left.
func (w *Waitlist) removeLocked(ticket *Ticket, state State) {
	qk := ticket.queueKey()
	queue := w.queues[qk]

	for i, queued := range queue {
		if queued.UUID != ticket.UUID {
			continue
		}

		w.queues[qk] = append(queue[:i:i], queue[i+1:]...)

		wasActive := i == 0 && ticket.State == StateActive

		ticket.State = state
		delete(w.tickets, ticket.UUID)
		w.depth.WithLabelValues(string(ticket.Scope)).Dec()

		if wasActive && len(w.queues[qk]) > 0 {
			w.activateLocked(w.queues[qk][0])
		}

		break
	}

	if len(w.queues[qk]) == 0 {
		delete(w.queues, qk)
	}
}

// expireLocked reclaims an expired active head for one queue.
func (w *Waitlist) expireLocked(qk string, now time.Time) {
	queue := w.queues[qk]

	if len(queue) == 0 {
		return
	}

	head := queue[0]

	if head.State != StateActive || head.ExpiresAt == nil || head.ExpiresAt.After(now) {
		return
	}

	w.removeLocked(head, StateExpired)
}
