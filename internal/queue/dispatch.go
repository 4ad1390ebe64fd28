package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediarelay/internal/platform"
	"mediarelay/internal/session"
	"mediarelay/internal/tier"
	"mediarelay/internal/transfer"

	"github.com/rs/zerolog/log"
)

// dispatchLoop wakes on submit/finish/requeue kicks and starts every job
// the capacity rules currently allow.
func (m *Manager) dispatchLoop() {
	defer m.loopWG.Done()
	for {
		m.dispatchReady()
		select {
		case <-m.kick:
		case <-m.stop:
			return
		case <-m.baseCtx.Done():
			return
		}
	}
}

func (m *Manager) dispatchReady() {
	for {
		job := m.takeEligible()
		if job == nil {
			return
		}
		m.bus.Publish(job.ID, string(StateRunning), "")
		log.Info().
			Str("job_id", job.ID).
			Int64("owner", job.Owner).
			Str("tier", job.Tier.String()).
			Msg("job started")
		m.workersWG.Add(1)
		go m.runJob(job)
	}
}

// takeEligible picks the next job allowed to run and marks it running.
// Premium backlog goes first, then free, FIFO within each; a job is skipped
// while its owner is at the per-tier active ceiling. Owner tiers are
// resolved once per owner before the write lock is taken, so a slow
// resolver never stalls Submit, Get or Cancel. Returns nil when no capacity
// or no eligible job.
func (m *Manager) takeEligible() *Job {
	m.mu.RLock()
	if len(m.running) >= m.maxActive || len(m.backlog) == 0 {
		m.mu.RUnlock()
		return nil
	}
	owners := make([]int64, 0, len(m.backlog))
	seen := make(map[int64]struct{}, len(m.backlog))
	for _, id := range m.backlog {
		owner := m.jobs[id].Owner
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		owners = append(owners, owner)
	}
	m.mu.RUnlock()

	tiers := make(map[int64]tier.Tier, len(owners))
	for _, owner := range owners {
		tiers[owner] = m.lookupTier(owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.running) >= m.maxActive {
		return nil
	}
	for _, premium := range []bool{true, false} {
		for i, id := range m.backlog {
			job := m.jobs[id]
			t, ok := tiers[job.Owner]
			if !ok {
				// submitted after the snapshot; its own kick covers it
				continue
			}
			job.Tier = t
			if (job.Tier == tier.Premium) != premium {
				continue
			}
			if limit := m.policy.MaxActive(job.Tier); limit > 0 && m.byOwner[job.Owner] >= limit {
				continue
			}
			m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
			job.State = StateRunning
			job.StartedAt = time.Now()
			job.ctx, job.cancel = context.WithCancel(m.baseCtx)
			m.running[id] = struct{}{}
			m.byOwner[job.Owner]++
			return job
		}
	}
	return nil
}

// lookupTier resolves the owner's tier at dispatch time. Resolution failures
// downgrade to free so an unreachable access-control service never blocks
// dispatch.
func (m *Manager) lookupTier(owner int64) tier.Tier {
	t, err := m.resolver.Lookup(m.baseCtx, owner)
	if err != nil {
		log.Warn().Int64("owner", owner).Err(err).Msg("tier lookup failed, treating as free")
		return tier.Free
	}
	return t
}

// runJob takes one running job through session acquire, transfer and
// terminal bookkeeping.
func (m *Manager) runJob(job *Job) {
	defer m.workersWG.Done()
	defer job.cancel()
	defer m.kickDispatch()

	acquireCtx, cancel := context.WithTimeout(job.ctx, m.acquireTimeout)
	sess, err := m.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		m.handleAcquireFailure(job, err)
		return
	}

	items := make([]transfer.Item, len(job.Items))
	for i, it := range job.Items {
		items[i] = transfer.Item{Ref: it.Ref, Target: it.Target, Size: it.Size, Hint: it.Hint}
	}

	fn := m.transferFunc()
	results, runErr := fn(job.ctx, sess.Client, job.ID, items)
	if errors.Is(runErr, platform.ErrSessionInvalid) {
		m.pool.Discard(sess)
	} else {
		m.pool.Release(sess)
	}
	m.finishJob(job, results, runErr)
}

func (m *Manager) transferFunc() TransferFunc {
	m.mu.RLock()
	fn := m.runTransfer
	m.mu.RUnlock()
	if fn == nil {
		return func(context.Context, platform.Client, string, []transfer.Item) ([]transfer.Result, error) {
			return nil, errors.New("no transfer runner configured")
		}
	}
	return fn
}

// handleAcquireFailure decides between cancellation, a single requeue and a
// terminal failure when no session could be acquired.
func (m *Manager) handleAcquireFailure(job *Job, err error) {
	m.mu.RLock()
	cancelRequested := job.cancelRequested
	m.mu.RUnlock()
	if cancelRequested || job.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		m.finish(job, StateCancelled, "cancelled while waiting for a session", nil)
		return
	}
	if errors.Is(err, session.ErrPoolExhausted) && job.Requeues < requeueLimit {
		m.requeue(job)
		return
	}
	m.finish(job, StateFailed, "acquire session: "+err.Error(), nil)
}

// requeue puts a bounced job back at the tail of the backlog. A manager
// that closed in the meantime cancels it instead, as does a cancel that
// arrived after the acquire failure was classified.
func (m *Manager) requeue(job *Job) {
	m.mu.Lock()
	m.releaseRunningLocked(job)
	if m.closed {
		job.State = StateCancelled
		job.FinishedAt = time.Now()
		job.Error = "server shutting down"
		m.mu.Unlock()
		m.bus.Publish(job.ID, string(StateCancelled), "server shutting down")
		return
	}
	if job.cancelRequested {
		job.State = StateCancelled
		job.FinishedAt = time.Now()
		job.Error = "cancelled while waiting for a session"
		m.mu.Unlock()
		m.bus.Publish(job.ID, string(StateCancelled), "cancelled while waiting for a session")
		log.Info().Str("job_id", job.ID).Msg("job cancelled instead of requeued")
		m.kickDispatch()
		return
	}
	job.State = StateQueued
	job.Requeues++
	job.StartedAt = time.Time{}
	job.ctx, job.cancel = nil, nil
	m.backlog = append(m.backlog, job.ID)
	m.mu.Unlock()

	m.bus.Publish(job.ID, string(StateQueued), "requeued: no session available")
	log.Warn().Str("job_id", job.ID).Msg("no session available, job requeued")
	m.kickDispatch()
}

// finishJob merges per-item results and settles the terminal state. Items
// the runner never reached keep their pending status.
func (m *Manager) finishJob(job *Job, results []transfer.Result, runErr error) {
	m.mu.Lock()
	for i, res := range results {
		if i >= len(job.Items) {
			break
		}
		job.Items[i].Status = itemStatus(res.Status)
		job.Items[i].Error = res.Err
		job.Items[i].Uploaded = res.Uploaded
	}
	summary := transfer.Summarize(results)
	job.Summary = summary
	m.mu.Unlock()

	var state State
	var detail string
	switch {
	case errors.Is(runErr, platform.ErrSessionInvalid):
		state = StateFailed
		detail = "session invalidated"
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		state = StateCancelled
		detail = "cancelled"
	case runErr != nil:
		state = StateFailed
		detail = runErr.Error()
	case summary.Transferred > 0:
		state = StateCompleted
		detail = summaryDetail(summary)
	default:
		state = StateFailed
		detail = "no items transferred"
	}
	m.finish(job, state, detail, &summary)
}

func (m *Manager) finish(job *Job, state State, detail string, summary *transfer.Summary) {
	m.mu.Lock()
	m.releaseRunningLocked(job)
	job.State = state
	job.FinishedAt = time.Now()
	if state != StateCompleted {
		job.Error = detail
	}
	m.mu.Unlock()

	m.bus.Publish(job.ID, string(state), detail)
	evt := log.Info()
	if state == StateFailed {
		evt = log.Error()
	}
	ll := evt.Str("job_id", job.ID).Str("state", string(state))
	if summary != nil {
		ll = ll.Int("transferred", summary.Transferred).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped)
	}
	ll.Msg("job finished")
	m.kickDispatch()
}

func (m *Manager) releaseRunningLocked(job *Job) {
	if _, ok := m.running[job.ID]; !ok {
		return
	}
	delete(m.running, job.ID)
	if m.byOwner[job.Owner] > 1 {
		m.byOwner[job.Owner]--
	} else {
		delete(m.byOwner, job.Owner)
	}
}

func itemStatus(s transfer.Status) ItemStatus {
	switch s {
	case transfer.StatusTransferred:
		return ItemTransferred
	case transfer.StatusSkipped:
		return ItemSkipped
	default:
		return ItemFailed
	}
}

func summaryDetail(s transfer.Summary) string {
	return fmt.Sprintf("transferred %d, failed %d, skipped %d", s.Transferred, s.Failed, s.Skipped)
}
