// Package sftpqueue implements the session substrate's SFTP operation
// queue (C7): one priority FIFO per tab, identical-operation merging,
// dynamic per-operation timeouts, and a bounded retry policy for transient
// transport errors. Grounded on the internal/worker/worker.go
// priority-queue shape (critical/default/low), reimplemented in-process —
// no asynq/Redis broker, since every operation here is scoped to one
// terminal tab's lifetime rather than a durable job history (see
// DESIGN.md).
package sftpqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/websoft9/termsub/internal/substraterr"
)

// Priority is the operation priority, highest numeric value dispatched
// first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// OpType discriminates the SFTP operation kind, used both for the merge key
// and for dynamic timeout sizing.
type OpType string

const (
	OpStat       OpType = "stat"
	OpList       OpType = "list"
	OpUpload     OpType = "upload"
	OpDownload   OpType = "download"
	OpDelete     OpType = "delete"
	OpRename     OpType = "rename"
	OpMkdir      OpType = "mkdir"
	OpChmod      OpType = "chmod"
)

// Result is what a completed operation resolves its waiters with.
type Result struct {
	Value any
	Err   error
}

// Execute runs an operation against a live SFTP session. The context
// carries the per-operation timeout budget computed by TimeoutFor.
type Execute func(ctx context.Context) (any, error)

// Request is a caller's submission.
type Request struct {
	TabID    string
	Type     OpType
	Path     string
	Priority Priority
	CanMerge bool
	FileSize int64 // known size, for dynamic timeout sizing; 0 if unknown
	Run      Execute
}

type operation struct {
	id        string
	tabID     string
	opType    OpType
	path      string
	priority  Priority
	canMerge  bool
	fileSize  int64
	run       Execute
	seq       int64 // insertion order, for FIFO tie-break within a priority
	attempts  int
	createdAt time.Time
	waiters   []chan Result
	cancel    context.CancelFunc // set once dispatched; nil while only queued
	cancelErr error              // set by CancelForTab while the op is in progress
}

// mergeKey identifies operations eligible for the identical-waiting-operation
// merge rule.
func (o *operation) mergeKey() string { return string(o.opType) + ":" + o.path }

// priorityHeap is a container/heap.Interface over waiting operations: pops
// the highest priority first, FIFO among equal priorities.
type priorityHeap []*operation

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*operation)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	*h = old[:n-1]
	return op
}

// Policy carries C7's tunables.
type Policy struct {
	BaseTimeout time.Duration // default 20s
	MaxRetries  int           // default 2
}

// tabQueue is one tab's priority FIFO plus whichever operation is currently
// dispatched (if any).
type tabQueue struct {
	waiting    priorityHeap
	merged     map[string]*operation // mergeKey -> the waiting op other requests attach to
	inProgress *operation
}

// Queue is the C7 SFTP operation queue across every tab.
type Queue struct {
	policy Policy
	log    zerolog.Logger

	mu       sync.Mutex
	tabs     map[string]*tabQueue
	seq      int64
	wake     map[string]chan struct{} // tabID -> wake signal for its dispatcher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(policy Policy, log zerolog.Logger) *Queue {
	return &Queue{
		policy: policy,
		log:    log.With().Str("component", "sftpqueue").Logger(),
		tabs:   make(map[string]*tabQueue),
		wake:   make(map[string]chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Submit enqueues req and returns a channel that resolves once the
// operation (or the merged operation it attached to) completes. If an
// identical waiting operation exists and req.CanMerge, this request attaches
// to it instead of creating a new one, and the merged operation's priority
// is raised to the max of the two.
func (q *Queue) Submit(req Request) <-chan Result {
	resultCh := make(chan Result, 1)

	q.mu.Lock()
	tq := q.tabs[req.TabID]
	if tq == nil {
		tq = &tabQueue{merged: make(map[string]*operation)}
		q.tabs[req.TabID] = tq
	}

	if req.CanMerge {
		key := string(req.Type) + ":" + req.Path
		if existing, ok := tq.merged[key]; ok {
			existing.waiters = append(existing.waiters, resultCh)
			if req.Priority > existing.priority {
				existing.priority = req.Priority
				heap.Fix(&tq.waiting, indexOf(tq.waiting, existing))
			}
			q.mu.Unlock()
			return resultCh
		}
	}

	q.seq++
	op := &operation{
		id:        uuid.NewString(),
		tabID:     req.TabID,
		opType:    req.Type,
		path:      req.Path,
		priority:  req.Priority,
		canMerge:  req.CanMerge,
		fileSize:  req.FileSize,
		run:       req.Run,
		seq:       q.seq,
		createdAt: time.Now(),
		waiters:   []chan Result{resultCh},
	}
	heap.Push(&tq.waiting, op)
	if req.CanMerge {
		tq.merged[op.mergeKey()] = op
	}
	q.ensureDispatcherLocked(req.TabID)
	q.mu.Unlock()

	q.wakeDispatcher(req.TabID)
	return resultCh
}

func indexOf(h priorityHeap, op *operation) int {
	for i, o := range h {
		if o == op {
			return i
		}
	}
	return -1
}

func (q *Queue) ensureDispatcherLocked(tabID string) {
	if _, ok := q.wake[tabID]; ok {
		return
	}
	wake := make(chan struct{}, 1)
	q.wake[tabID] = wake
	q.wg.Add(1)
	go q.dispatchLoop(tabID, wake)
}

func (q *Queue) wakeDispatcher(tabID string) {
	q.mu.Lock()
	wake := q.wake[tabID]
	q.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// dispatchLoop serially runs the highest-priority waiting operation for
// tabID until the queue empties; retries transient failures up to
// policy.MaxRetries with a 1s*attempt delay before either resolving or
// giving up.
func (q *Queue) dispatchLoop(tabID string, wake chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-wake:
		}

		for {
			op := q.popNext(tabID)
			if op == nil {
				break
			}
			q.runWithRetry(tabID, op)
		}
	}
}

func (q *Queue) popNext(tabID string) *operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq := q.tabs[tabID]
	if tq == nil || tq.waiting.Len() == 0 {
		return nil
	}
	op := heap.Pop(&tq.waiting).(*operation)
	if op.canMerge {
		delete(tq.merged, op.mergeKey())
	}
	tq.inProgress = op
	return op
}

func (q *Queue) runWithRetry(tabID string, op *operation) {
	for {
		op.attempts++
		timeout := TimeoutFor(op.opType, op.fileSize, q.policy.BaseTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)

		q.mu.Lock()
		op.cancel = cancel
		q.mu.Unlock()

		val, err := op.run(ctx)
		cancel()

		q.mu.Lock()
		cancelErr := op.cancelErr
		q.mu.Unlock()
		if cancelErr != nil {
			q.finish(tabID, op, Result{Err: cancelErr})
			return
		}

		if err != nil && op.attempts <= q.policy.MaxRetries && isTransient(err) {
			q.log.Warn().Str("op", op.id).Str("tab", tabID).Int("attempt", op.attempts).Err(err).Msg("sftp operation failed, retrying")
			delay := time.Duration(op.attempts) * time.Second
			select {
			case <-time.After(delay):
				continue
			case <-q.stopCh:
			}
		}

		q.finish(tabID, op, Result{Value: val, Err: err})
		return
	}
}

func (q *Queue) finish(tabID string, op *operation, res Result) {
	q.mu.Lock()
	if tq := q.tabs[tabID]; tq != nil && tq.inProgress == op {
		tq.inProgress = nil
	}
	waiters := op.waiters
	q.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// isTransient classifies errors eligible for retry: connection resets,
// broken pipes, channel-open failures, resource exhaustion, and timeouts.
// Non-transient errors (ENOENT, EACCES, authentication) are not retried.
func isTransient(err error) bool {
	if substraterr.Retryable(err) {
		return true
	}
	return substraterr.Is(err, substraterr.TransportNotReady) ||
		substraterr.Is(err, substraterr.Overloaded) ||
		substraterr.Is(err, substraterr.QueueFull)
}

// TimeoutFor computes the dynamic per-operation budget: base for generic
// operations, scaled up for large/multi-file work.
func TimeoutFor(opType OpType, fileSize int64, base time.Duration) time.Duration {
	switch opType {
	case OpUpload, OpDownload:
		switch {
		case fileSize >= 1<<30: // >= 1GiB
			return 10 * time.Minute
		case fileSize >= 100<<20: // >= 100MiB
			return 3 * time.Minute
		case fileSize >= 10<<20: // >= 10MiB
			return time.Minute
		default:
			return base
		}
	case OpList:
		return base * 2
	default:
		return base
	}
}

// CancelForTab rejects every queued and in-progress operation for tabID
// with Cancelled.User or Cancelled.Close. An in-progress operation has its
// context cancelled and resolves with that error once its run returns, without
// a retry. The queue is left empty and ready
// to accept new submissions (used both for an explicit user cancel and to
// drain before a reconnection attempt).
func (q *Queue) CancelForTab(tabID string, userCancelled bool) {
	kind := substraterr.CancelledClose
	if userCancelled {
		kind = substraterr.CancelledUser
	}
	cause := substraterr.New(kind, "sftpqueue: operation cancelled")

	q.mu.Lock()
	tq := q.tabs[tabID]
	if tq == nil {
		q.mu.Unlock()
		return
	}
	var toReject []*operation
	for tq.waiting.Len() > 0 {
		toReject = append(toReject, heap.Pop(&tq.waiting).(*operation))
	}
	tq.merged = make(map[string]*operation)
	inProgress := tq.inProgress
	if inProgress != nil {
		inProgress.cancelErr = cause
		if inProgress.cancel != nil {
			inProgress.cancel()
		}
	}
	q.mu.Unlock()

	for _, op := range toReject {
		for _, ch := range op.waiters {
			ch <- Result{Err: cause}
		}
	}
}

// Shutdown stops every tab's dispatcher. In-progress operations are allowed
// to finish (or fail via context cancellation propagated from Shutdown's
// caller); queued operations are left untouched for a caller that wants to
// inspect them before a process-wide cancel.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}
