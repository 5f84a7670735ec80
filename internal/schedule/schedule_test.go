// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingBuilder struct {
	mu      sync.Mutex
	starts  int32
	gate    chan struct{}
	fail    map[string]bool
	started chan string
}

func newCountingBuilder() *countingBuilder {
	return &countingBuilder{
		gate:    make(chan struct{}),
		fail:    make(map[string]bool),
		started: make(chan string, 16),
	}
}

func (b *countingBuilder) Build(ctx context.Context, drvName string) error {
	atomic.AddInt32(&b.starts, 1)
	b.started <- drvName
	select {
	case <-b.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.fail[drvName] {
		return errFailed
	}
	return nil
}

var errFailed = &buildError{"build failed"}

type buildError struct{ msg string }

func (e *buildError) Error() string { return e.msg }

func TestEnqueueAndComplete(t *testing.T) {
	b := newCountingBuilder()
	s := New(b, 64<<20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch := s.Enqueue("d1")
	select {
	case name := <-b.started:
		if name != "d1" {
			t.Fatalf("started %q; want d1", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("build did not start")
	}
	close(b.gate)

	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("build error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener was never notified")
	}
}

func TestDuplicateEnqueueCoalesces(t *testing.T) {
	b := newCountingBuilder()
	s := New(b, 64<<20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch1 := s.Enqueue("d1")
	<-b.started // first build has started
	ch2 := s.Enqueue("d1")
	close(b.gate)

	for _, ch := range []<-chan error{ch1, ch2} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("build error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("listener was never notified")
		}
	}

	if got := atomic.LoadInt32(&b.starts); got != 1 {
		t.Errorf("builder started %d times; want exactly 1", got)
	}
}

func TestYieldKillsRunningBuildWhenStarved(t *testing.T) {
	b := newCountingBuilder()
	s := New(b, QuotaStep) // no slack beyond one job's quota
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch := s.Enqueue("d1")
	<-b.started

	if err := s.Yield(context.Background(), QuotaStep*4); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-ch:
		if err == nil {
			t.Fatal("killed build's listener was notified with a nil error; want a cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("killed job's listener was never notified")
	}

	if s.Len() != 1 {
		t.Errorf("queue length after kill = %d; want 1 (job requeued at head)", s.Len())
	}
}

func TestYieldBelowQuotaStepIsNoOp(t *testing.T) {
	b := newCountingBuilder()
	s := New(b, 64<<20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch := s.Enqueue("d1")
	<-b.started
	if err := s.Yield(context.Background(), QuotaStep); err != nil {
		t.Fatal(err)
	}
	close(b.gate)
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("build error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("build should have completed normally, not been killed")
	}
}
