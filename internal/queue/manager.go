// Package queue admits media transfer jobs, bounds how many run at once and
// drives each one through the session pool and the transfer runner. All job
// state lives in memory; the submitting side is expected to treat an admitted
// job ID as the only durable handle.
package queue

import (
	"context"
	"sync"
	"time"

	"mediarelay/internal/event"
	"mediarelay/internal/session"
	"mediarelay/internal/tier"
	"mediarelay/internal/transfer"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager owns the job registry, the backlog and the dispatch loop.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	backlog []string // queued job IDs in submit order
	running map[string]struct{}
	byOwner map[int64]int // running jobs per owner

	pool        *session.Pool
	resolver    tier.Resolver
	policy      tier.Policy
	bus         *event.Bus
	runTransfer TransferFunc

	maxBacklog     int
	maxActive      int
	acquireTimeout time.Duration

	baseCtx   context.Context
	stop      chan struct{}
	kick      chan struct{}
	closed    bool
	started   bool
	workersWG sync.WaitGroup
	loopWG    sync.WaitGroup
}

// NewManager wires the manager to its collaborators. runner may be nil when
// a test installs its own transfer function.
func NewManager(pool *session.Pool, runner *transfer.Runner, resolver tier.Resolver, policy tier.Policy, bus *event.Bus, opts Options) *Manager {
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = defaultMaxBacklog
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = pool.Capacity()
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	m := &Manager{
		jobs:           make(map[string]*Job),
		running:        make(map[string]struct{}),
		byOwner:        make(map[int64]int),
		pool:           pool,
		resolver:       resolver,
		policy:         policy,
		bus:            bus,
		maxBacklog:     opts.MaxBacklog,
		maxActive:      opts.MaxActive,
		acquireTimeout: opts.AcquireTimeout,
		baseCtx:        context.Background(),
		stop:           make(chan struct{}),
		kick:           make(chan struct{}, 1),
	}
	if runner != nil {
		m.runTransfer = runner.Run
	}
	return m
}

// UseTransferFunc lets tests inject a fake transfer executor. Intended for
// test setup only, before Start.
func (m *Manager) UseTransferFunc(fn TransferFunc) {
	m.mu.Lock()
	m.runTransfer = fn
	m.mu.Unlock()
}

// Start launches the dispatch loop. ctx is the base context for all job
// work; cancelling it aborts running transfers without grace.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.baseCtx = ctx
	m.mu.Unlock()

	m.loopWG.Add(1)
	go m.dispatchLoop()
}

// Submit validates and enqueues a media group for owner. A full backlog
// rejects the job with ErrQueueFull and leaves the queue untouched.
func (m *Manager) Submit(owner int64, items []MediaItem) (Job, error) {
	if len(items) == 0 {
		return Job{}, ErrNoItems
	}

	job := &Job{
		ID:        uuid.NewString(),
		Owner:     owner,
		State:     StateQueued,
		Items:     make([]MediaItem, len(items)),
		CreatedAt: time.Now(),
	}
	for i, item := range items {
		item.Status = ItemPending
		item.Error = ""
		item.Uploaded = ""
		job.Items[i] = item
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Job{}, ErrClosed
	}
	if len(m.backlog) >= m.maxBacklog {
		m.mu.Unlock()
		return Job{}, ErrQueueFull
	}
	m.jobs[job.ID] = job
	m.backlog = append(m.backlog, job.ID)
	snap := job.snapshotLocked()
	m.mu.Unlock()

	m.bus.Publish(job.ID, string(StateQueued), "")
	log.Info().Str("job_id", job.ID).Int64("owner", owner).Int("items", len(items)).Msg("job queued")
	m.kickDispatch()
	return snap, nil
}

// Get returns a snapshot of a job.
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.snapshotLocked(), nil
}

// Cancel stops a job. Queued jobs cancel immediately; running jobs stop
// cooperatively after the item in flight. Finished jobs return
// ErrJobFinished.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	switch job.State {
	case StateQueued:
		m.removeFromBacklogLocked(jobID)
		job.State = StateCancelled
		job.FinishedAt = time.Now()
		job.Error = "cancelled"
		m.mu.Unlock()
		m.bus.Publish(jobID, string(StateCancelled), "cancelled while queued")
		log.Info().Str("job_id", jobID).Msg("queued job cancelled")
		return nil
	case StateRunning:
		job.cancelRequested = true
		cancel := job.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		log.Info().Str("job_id", jobID).Msg("cancel requested for running job")
		return nil
	default:
		m.mu.Unlock()
		return ErrJobFinished
	}
}

// Stats counts jobs by state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, job := range m.jobs {
		switch job.State {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Close stops admission and cancels every queued job. Running jobs keep
// going; the caller decides how long to wait before CancelRunning.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	dropped := make([]string, 0, len(m.backlog))
	now := time.Now()
	for _, id := range m.backlog {
		job := m.jobs[id]
		job.State = StateCancelled
		job.FinishedAt = now
		job.Error = "server shutting down"
		dropped = append(dropped, id)
	}
	m.backlog = nil
	close(m.stop)
	m.mu.Unlock()

	for _, id := range dropped {
		m.bus.Publish(id, string(StateCancelled), "server shutting down")
	}
	if len(dropped) > 0 {
		log.Info().Int("jobs", len(dropped)).Msg("cancelled queued jobs on shutdown")
	}
}

// CancelRunning cancels the context of every running job. Workers observe
// it at the next item boundary.
func (m *Manager) CancelRunning() {
	m.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for id := range m.running {
		if job := m.jobs[id]; job.cancel != nil {
			cancels = append(cancels, job.cancel)
		}
	}
	m.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// WaitAll blocks until all job workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		m.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) kickDispatch() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) removeFromBacklogLocked(jobID string) {
	for i, id := range m.backlog {
		if id == jobID {
			m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
			return
		}
	}
}
