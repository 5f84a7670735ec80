// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package schedule implements the build-job scheduler: a FIFO queue of
// pending derivation builds with a single build running at a time,
// request coalescing for duplicate realize calls, and a RAM-quota
// protocol modeled on the original single-threaded event loop's
// resource-available/yield-request/child-exit dispatch.
//
// The original scheduler runs as one cooperative event loop reacting to
// three signal sources. Go has no equivalent to a single-threaded
// dispatcher loop watching heterogeneous signals, so this package
// re-expresses the same three transitions as a dedicated goroutine
// selecting over channels, and represents the RAM-quota negotiation with
// [golang.org/x/sync/semaphore.Weighted] rather than hand-rolled
// available/reserve bookkeeping.
package schedule

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log"

	"nichts.build/store/sortedset"
)

// QuotaStep is the initial RAM quota granted to a build child, in bytes.
const QuotaStep = 8 << 20

// QuotaReserve is the size of the scheduler's own memory reserve, in
// bytes. The scheduler does not read it: builds are admitted against the
// full totalRAM passed to [New], and nothing is held back from them.
const QuotaReserve = 1 << 20

// Builder runs a single derivation build to completion. Implementations
// correspond to the build child policy (package buildchild); Build must
// honor ctx cancellation as a kill request and return promptly.
type Builder interface {
	Build(ctx context.Context, drvName string) error
}

// listener is one caller waiting on a derivation's build to complete.
type listener chan error

type job struct {
	id        uuid.UUID // identifies this build attempt in logs, independent of drvName coalescing
	drvName   string
	listeners []listener
	cancel    context.CancelFunc
}

// Scheduler serializes derivation builds: requests for the same
// derivation while a build is in flight are coalesced onto the same
// underlying build, and at most one build runs at a time.
type Scheduler struct {
	builder Builder
	ram     *semaphore.Weighted

	mu      sync.Mutex
	queue   []*job
	queued  sortedset.Set[string] // mirrors queue's drvNames for O(log n) coalescing lookups
	running map[string]*job
	wake    chan struct{}
}

// New returns a Scheduler that runs builds with builder, bounded to
// totalRAM bytes of concurrent build memory (see [QuotaStep],
// [QuotaReserve]).
func New(builder Builder, totalRAM int64) *Scheduler {
	s := &Scheduler{
		builder: builder,
		ram:     semaphore.NewWeighted(totalRAM),
		running: make(map[string]*job),
		wake:    make(chan struct{}, 1),
	}
	return s
}

// Enqueue schedules drvName for realization, coalescing with any build of
// the same derivation already queued or running. The returned channel
// receives exactly one value — nil on success, or the build's error —
// when the build completes. This is the "N clients request the same
// derivation, the build runs once, all N are notified" guarantee.
func (s *Scheduler) Enqueue(drvName string) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := make(listener, 1)
	if j, ok := s.running[drvName]; ok {
		j.listeners = append(j.listeners, l)
		return l
	}
	if s.queued.Has(drvName) {
		for _, j := range s.queue {
			if j.drvName == drvName {
				j.listeners = append(j.listeners, l)
				return l
			}
		}
	}

	j := &job{id: uuid.New(), drvName: drvName, listeners: []listener{l}}
	s.queue = append(s.queue, j)
	s.queued.Add(drvName)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return l
}

// Run drives the scheduler until ctx is canceled: it pops jobs off the
// queue, runs them one at a time (respecting the RAM semaphore as the
// resource-available gate), and notifies listeners on completion.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		var j *job
		for len(s.queue) > 0 {
			candidate := s.queue[0]
			s.queue = s.queue[1:]
			s.queued.Delete(candidate.drvName)
			if len(candidate.listeners) == 0 {
				// Abandoned: every listener's channel was already
				// drained and discarded by the caller losing interest.
				continue
			}
			j = candidate
			break
		}
		s.mu.Unlock()

		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		if err := s.ram.Acquire(ctx, QuotaStep); err != nil {
			s.notify(j, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		jobCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		s.mu.Lock()
		s.running[j.drvName] = j
		s.mu.Unlock()

		log.Infof(jobCtx, "building %s (job %s)", j.drvName, j.id)
		err := s.builder.Build(jobCtx, j.drvName)
		cancel()
		s.ram.Release(QuotaStep)

		s.mu.Lock()
		delete(s.running, j.drvName)
		s.mu.Unlock()

		s.notify(j, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) notify(j *job, err error) {
	for _, l := range j.listeners {
		l <- err
	}
}

// Yield implements the parent's yield-request protocol: if want exceeds
// [QuotaStep] and the scheduler has no RAM currently free to satisfy it,
// the in-flight build (if any) is killed so its memory can be reclaimed.
// The job remains eligible to be restarted from the head of the queue;
// killing never falsely signals a listener, since notification only
// happens when [Scheduler.Run]'s build call returns.
func (s *Scheduler) Yield(ctx context.Context, want int64) error {
	if want <= QuotaStep {
		return nil
	}
	if !s.ram.TryAcquire(want) {
		s.mu.Lock()
		var victim *job
		for _, j := range s.running {
			victim = j
			break
		}
		s.mu.Unlock()
		if victim != nil && victim.cancel != nil {
			log.Infof(ctx, "yield request for %d bytes: killing build of %s", want, victim.drvName)
			victim.cancel()
			s.requeue(victim)
		}
		return nil
	}
	s.ram.Release(want)
	return nil
}

// requeue puts a killed job back at the head of the queue so it starts
// before any job enqueued after it, matching the original scheduler's
// "restartable, not checkpointed" build semantics.
func (s *Scheduler) requeue(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]*job{j}, s.queue...)
	s.queued.Add(j.drvName)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of jobs currently queued (not counting the one
// running, if any), for diagnostics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
