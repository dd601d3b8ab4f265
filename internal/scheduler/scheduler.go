// Package scheduler implements the thread scheduler (spec.md §4.2): every
// engine-session thread gets strict FIFO ordering of its own jobs, while
// unrelated threads run fully in parallel. Grounded on the mutex-guarded
// map idiom in the teacher's internal/sessions.Manager, with per-thread
// worker lifecycles managed through golang.org/x/sync/errgroup the way the
// teacher's cron lane (cmd/gateway_cron.go) hands work to a scheduler.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ThreadID names the serialization key: jobs sharing a ThreadID run one at
// a time in submission order. The main loop uses one ThreadID per chat
// thread (chat id and thread id), shared by every engine on that thread.
type ThreadID string

// Job is one unit of work enqueued for a thread. Run is invoked with the
// thread's worker context, which is cancelled when the scheduler is
// stopped but otherwise lives for the process lifetime.
type Job struct {
	Thread ThreadID
	Run    func(ctx context.Context)
}

// lane is the per-thread FIFO queue plus its worker's lifecycle.
type lane struct {
	jobs   chan Job
	cancel context.CancelFunc
}

// Scheduler serializes jobs within a thread and parallelizes across
// threads. A lane's worker goroutine exits once its queue has drained and
// stays exited until the next EnqueueResume call for that thread spins up
// a fresh one — this bounds idle goroutine count to the number of threads
// with genuinely pending work.
type Scheduler struct {
	mu    sync.Mutex
	lanes map[ThreadID]*lane
	group *errgroup.Group
	ctx   context.Context

	queueDepth int
}

// New builds a Scheduler bound to ctx: cancelling ctx stops every lane's
// worker and causes Wait to return once in-flight jobs finish.
func New(ctx context.Context, queueDepth int) *Scheduler {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Scheduler{
		lanes:      make(map[ThreadID]*lane),
		group:      g,
		ctx:        gctx,
		queueDepth: queueDepth,
	}
}

// EnqueueResume submits job to its thread's lane, starting a worker
// goroutine for that thread if none is currently running. Jobs within a
// thread execute strictly in submission order; jobs in different threads
// may execute concurrently.
//
// The hand-off to the lane's channel happens while s.mu is held, not after
// releasing it: retireLane also takes s.mu before deleting a lane, so a
// lane this call just found (or spawned) cannot be retired out from under
// it between the lookup and the send. Without the lock held across the
// send, a worker could drain its last job and retire the lane in the
// window between lookup and send, leaving this job queued on an abandoned
// channel with no reader.
func (s *Scheduler) EnqueueResume(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[job.Thread]
	if !ok {
		l = s.spawnLane(job.Thread)
	}
	l.jobs <- job
}

// spawnLane starts a fresh worker for thread and records it in s.lanes.
// Callers must hold s.mu.
func (s *Scheduler) spawnLane(thread ThreadID) *lane {
	laneCtx, cancel := context.WithCancel(s.ctx)
	l := &lane{
		jobs:   make(chan Job, s.queueDepth),
		cancel: cancel,
	}
	s.lanes[thread] = l

	s.group.Go(func() error {
		for {
			select {
			case job, ok := <-l.jobs:
				if !ok {
					return nil
				}
				job.Run(laneCtx)
				if s.retireLane(thread, l) {
					return nil
				}
			case <-laneCtx.Done():
				s.retireLane(thread, l)
				return nil
			}
		}
	})
	return l
}

// retireLane removes a lane once its worker has nothing left queued,
// reporting whether it did so. A race against a concurrent EnqueueResume
// is resolved by only removing the map entry when it still points at this
// exact lane and the queue is empty; a racing enqueue that lost the race
// spins up a replacement lane on its next call, so the worker must exit
// whenever retireLane succeeds rather than looping back to select.
func (s *Scheduler) retireLane(thread ThreadID, l *lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.lanes[thread]; ok && current == l && len(l.jobs) == 0 {
		delete(s.lanes, thread)
		return true
	}
	return false
}

// NoteThreadKnown reports whether a thread currently has a live worker,
// i.e. whether a prior EnqueueResume for it is still pending or running.
func (s *Scheduler) NoteThreadKnown(thread ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lanes[thread]
	return ok
}

// Pending returns the number of jobs currently queued (not yet started)
// for thread.
func (s *Scheduler) Pending(thread ThreadID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[thread]
	if !ok {
		return 0
	}
	return len(l.jobs)
}

// Wait blocks until every lane's worker has exited, which happens once
// the scheduler's context is cancelled and in-flight jobs finish.
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
