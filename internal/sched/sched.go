// Package sched is the job scheduler (component D): a monotonic min-heap
// of timed jobs, a FIFO of immediate jobs, and a bounded worker pool that
// drains both. Timed jobs back the task engine's request retransmission;
// FIFO jobs are for work that must run as soon as a worker is free.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ikecore/charon/pkg/log"
	"github.com/ikecore/charon/pkg/metrics"
)

// Job is one unit of scheduled work. Run receives a context cancelled at
// shutdown; a job that does not respect ctx.Done() delays drain.
type Job interface {
	Run(ctx context.Context)
	Name() string
}

// JobFunc adapts a plain function to Job for simple, anonymous jobs.
type JobFunc struct {
	FuncName string
	Func     func(ctx context.Context)
}

func (f JobFunc) Run(ctx context.Context) { f.Func(ctx) }
func (f JobFunc) Name() string            { return f.FuncName }

// Handle cancels a scheduled job. Cancellation is lazy: the job stays in
// the heap until its time arrives, then is skipped rather than run.
type Handle struct {
	item *timedJob
}

func (h Handle) Cancel() {
	if h.item != nil {
		h.item.mu.Lock()
		h.item.cancelled = true
		h.item.mu.Unlock()
	}
}

type timedJob struct {
	at        time.Time
	seq       uint64
	job       Job
	enqueued  time.Time
	mu        sync.Mutex
	cancelled bool
	index     int // heap.Interface bookkeeping
}

// jobHeap orders timedJob entries by time, then by insertion sequence so
// jobs scheduled for the same instant run in FIFO order — a monotonic heap.
type jobHeap []*timedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x interface{}) {
	tj := x.(*timedJob)
	tj.index = len(*h)
	*h = append(*h, tj)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	tj := old[n-1]
	old[n-1] = nil
	tj.index = -1
	*h = old[:n-1]
	return tj
}

// Scheduler runs timed and immediate jobs on a bounded worker pool.
type Scheduler struct {
	mu       sync.Mutex
	heap     jobHeap
	fifo     []*timedJob
	seq      uint64
	wake     chan struct{}
	workCh   chan *timedJob
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
	queueWarnThreshold int
}

// New creates a Scheduler with the given worker pool size. queueWarnThreshold
// is the FIFO depth past which the scheduler logs a back-pressure warning on
// every subsequent Queue call, rather than silently falling behind.
func New(workers, queueWarnThreshold int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		wake:               make(chan struct{}, 1),
		workCh:             make(chan *timedJob, workers*2),
		stopCh:             make(chan struct{}),
		logger:             log.WithComponent("sched"),
		queueWarnThreshold: queueWarnThreshold,
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the dispatcher and worker goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	workers := cap(s.workCh) / 2
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Shutdown stops accepting new work and waits for in-flight jobs to finish
// or ctx to be cancelled, whichever comes first.
func (s *Scheduler) Shutdown(ctx context.Context) {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline reached with jobs still draining")
	}
}

// ScheduleAt runs job at (or shortly after) t.
func (s *Scheduler) ScheduleAt(t time.Time, job Job) Handle {
	s.mu.Lock()
	s.seq++
	tj := &timedJob{at: t, seq: s.seq, job: job, enqueued: time.Now()}
	heap.Push(&s.heap, tj)
	s.mu.Unlock()
	s.notify()
	return Handle{item: tj}
}

// ScheduleIn runs job after d elapses.
func (s *Scheduler) ScheduleIn(d time.Duration, job Job) Handle {
	return s.ScheduleAt(time.Now().Add(d), job)
}

// Queue runs job as soon as a worker is free, ahead of any timed job whose
// time has not yet arrived.
func (s *Scheduler) Queue(job Job) {
	s.mu.Lock()
	s.seq++
	tj := &timedJob{at: time.Time{}, seq: s.seq, job: job, enqueued: time.Now()}
	s.fifo = append(s.fifo, tj)
	depth := len(s.fifo)
	s.mu.Unlock()
	metrics.SchedulerQueueDepth.Set(float64(depth))
	if s.queueWarnThreshold > 0 && depth > s.queueWarnThreshold {
		s.logger.Warn().Int("depth", depth).Msg("scheduler FIFO depth exceeds back-pressure threshold")
	}
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop wakes whenever the next timed job is due or a new job was
// scheduled/queued, and hands ready jobs to workCh.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	// on stop, run whatever is still waiting in the FIFO rather than drop it
	defer func() {
		s.mu.Lock()
		pending := s.fifo
		s.fifo = nil
		s.mu.Unlock()
		for _, tj := range pending {
			s.run(ctx, tj)
		}
	}()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		// drain the FIFO first: immediate jobs always take priority over
		// timed jobs whose time has not yet arrived.
		for len(s.fifo) > 0 {
			tj := s.fifo[0]
			s.mu.Unlock()
			select {
			case s.workCh <- tj:
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			s.mu.Lock()
			s.fifo = s.fifo[1:]
			metrics.SchedulerQueueDepth.Set(float64(len(s.fifo)))
		}

		var wait time.Duration = time.Hour
		if s.heap.Len() > 0 {
			next := s.heap[0]
			wait = time.Until(next.at)
			if wait <= 0 {
				tj := heap.Pop(&s.heap).(*timedJob)
				s.mu.Unlock()
				select {
				case s.workCh <- tj:
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				}
				continue
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case tj, ok := <-s.workCh:
			if !ok {
				return
			}
			s.run(ctx, tj)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			// keep draining workCh until it's empty, then exit
			select {
			case tj, ok := <-s.workCh:
				if !ok {
					return
				}
				s.run(ctx, tj)
			default:
				return
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, tj *timedJob) {
	tj.mu.Lock()
	cancelled := tj.cancelled
	tj.mu.Unlock()
	if cancelled {
		metrics.JobsExecutedTotal.WithLabelValues("cancelled").Inc()
		return
	}
	metrics.JobLatency.Observe(time.Since(tj.enqueued).Seconds())

	panicked := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("job", tj.job.Name()).Interface("panic", r).Msg("job panicked")
				metrics.JobsExecutedTotal.WithLabelValues("panic").Inc()
				panicked = true
			}
		}()
		tj.job.Run(ctx)
	}()
	<-done
	if !panicked {
		metrics.JobsExecutedTotal.WithLabelValues("ok").Inc()
	}
}
