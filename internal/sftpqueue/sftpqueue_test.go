package sftpqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/substraterr"
)

func testPolicy() Policy {
	return Policy{BaseTimeout: time.Second, MaxRetries: 2}
}

func TestSubmit_DispatchesHighestPriorityFirst(t *testing.T) {
	q := NewQueue(testPolicy(), zerolog.Nop())
	defer q.Shutdown()

	var order []string
	done := make(chan struct{}, 2)
	run := func(label string) Execute {
		return func(ctx context.Context) (any, error) {
			order = append(order, label)
			done <- struct{}{}
			return nil, nil
		}
	}

	// Hold the dispatcher on a critical blocker so low and high both wait in
	// the heap together. Low is submitted first so it would dispatch first
	// under plain FIFO; the queue must still run the high-priority one first.
	block := make(chan struct{})
	blocker := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/busy", Priority: PriorityCritical, Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})
	lowCh := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/a", Priority: PriorityLow, Run: run("low")})
	highCh := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/b", Priority: PriorityHigh, Run: run("high")})
	close(block)
	<-blocker

	<-done
	<-done

	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("dispatch order = %v, want high before low", order)
	}
	if r := <-lowCh; r.Err != nil {
		t.Fatalf("low result err = %v", r.Err)
	}
	if r := <-highCh; r.Err != nil {
		t.Fatalf("high result err = %v", r.Err)
	}
}

func TestSubmit_MergesIdenticalWaitingOps(t *testing.T) {
	q := NewQueue(testPolicy(), zerolog.Nop())
	defer q.Shutdown()

	// Hold the dispatcher on a critical blocker so the first /x request is
	// still waiting when the identical second one arrives and merges into it.
	block := make(chan struct{})
	blocker := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/busy", Priority: PriorityCritical, Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})

	var runs atomic.Int32
	run := func(ctx context.Context) (any, error) {
		runs.Add(1)
		return "done", nil
	}

	ch1 := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/x", Priority: PriorityLow, CanMerge: true, Run: run})
	ch2 := q.Submit(Request{TabID: "t1", Type: OpStat, Path: "/x", Priority: PriorityHigh, CanMerge: true, Run: run})
	close(block)
	<-blocker

	r1 := <-ch1
	r2 := <-ch2
	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("unexpected errors: r1=%v r2=%v", r1.Err, r2.Err)
	}
	if r1.Value != "done" || r2.Value != "done" {
		t.Fatalf("results = %v, %v, want both %q", r1.Value, r2.Value, "done")
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1 (the second request merges into the first)", n)
	}
}

func TestRunWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	q := NewQueue(Policy{BaseTimeout: time.Second, MaxRetries: 2}, zerolog.Nop())
	defer q.Shutdown()

	var attempts atomic.Int32
	run := func(ctx context.Context) (any, error) {
		n := attempts.Add(1)
		if n < 3 {
			return nil, substraterr.New(substraterr.TimeoutRead, "simulated transient failure")
		}
		return "ok", nil
	}

	ch := q.Submit(Request{TabID: "t2", Type: OpDownload, Path: "/f", Priority: PriorityNormal, Run: run})

	select {
	case r := <-ch:
		if r.Err != nil {
			t.Fatalf("Submit() result error = %v, want nil after retries", r.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retried operation to complete")
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3 (1 initial + 2 retries)", attempts.Load())
	}
}

func TestRunWithRetry_NonTransientNeverRetries(t *testing.T) {
	q := NewQueue(testPolicy(), zerolog.Nop())
	defer q.Shutdown()

	var attempts atomic.Int32
	run := func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, substraterr.New(substraterr.PermissionDenied, "no access")
	}

	ch := q.Submit(Request{TabID: "t3", Type: OpDelete, Path: "/f", Priority: PriorityNormal, Run: run})
	r := <-ch
	if r.Err == nil {
		t.Fatal("expected PermissionDenied error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry for non-transient errors)", attempts.Load())
	}
}

func TestCancelForTab_RejectsQueuedOps(t *testing.T) {
	q := NewQueue(testPolicy(), zerolog.Nop())
	defer q.Shutdown()

	block := make(chan struct{})
	first := q.Submit(Request{TabID: "t4", Type: OpStat, Path: "/busy", Priority: PriorityNormal, Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})

	queued := q.Submit(Request{TabID: "t4", Type: OpStat, Path: "/queued", Priority: PriorityNormal, Run: func(ctx context.Context) (any, error) {
		return nil, nil
	}})

	time.Sleep(10 * time.Millisecond) // let the first op become in-progress
	q.CancelForTab("t4", true)
	close(block)

	if r := <-first; !substraterr.Is(r.Err, substraterr.CancelledUser) {
		t.Fatalf("in-progress op error = %v, want CancelledUser", r.Err)
	}

	r := <-queued
	if !substraterr.Is(r.Err, substraterr.CancelledUser) {
		t.Fatalf("queued op error = %v, want CancelledUser", r.Err)
	}
}
