// Package session owns the bounded set of authenticated platform clients.
// Sessions are created lazily up to a fixed capacity, reused across jobs,
// and evicted after sitting idle too long. Acquisition is fair: waiters are
// served strictly in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mediarelay/internal/platform"
)

var (
	ErrPoolExhausted = errors.New("session pool exhausted")
	ErrPoolClosed    = errors.New("session pool closed")
)

const (
	defaultCapacity    = 3
	defaultIdleTimeout = 30 * time.Minute
	logoutTimeout      = 10 * time.Second
)

// Session is one authenticated platform handle. It is either idle in the
// pool or checked out to exactly one job.
type Session struct {
	ID        string
	Client    platform.Client
	CreatedAt time.Time

	lastUsed time.Time
	inUse    bool
}

// Stats is a snapshot of pool activity counters.
type Stats struct {
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Evicted   int64 `json:"evicted"`
	Discarded int64 `json:"discarded"`
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
}

// Options configures a Pool.
type Options struct {
	Capacity    int
	IdleTimeout time.Duration
}

// waiter is one blocked Acquire call. Exactly one of its channels fires:
// ch delivers a released session, grant reserves a creation slot, and a
// closed ch signals pool shutdown.
type waiter struct {
	ch    chan *Session
	grant chan struct{}
}

// Pool issues and reclaims sessions under a hard capacity.
type Pool struct {
	mu      sync.Mutex
	idle    []*Session // LIFO so surplus sessions age toward eviction
	waiters []*waiter  // FIFO
	live    int        // sessions existing or being created
	closed  bool
	drained chan struct{}

	factory     platform.Factory
	capacity    int
	idleTimeout time.Duration

	created   int64
	reused    int64
	evicted   int64
	discarded int64
}

func NewPool(factory platform.Factory, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &Pool{
		factory:     factory,
		capacity:    opts.Capacity,
		idleTimeout: opts.IdleTimeout,
		drained:     make(chan struct{}),
	}
}

// Capacity returns the maximum number of concurrent sessions.
func (p *Pool) Capacity() int { return p.capacity }

// Acquire returns an idle session, creates one below the capacity, or blocks
// in FIFO order until a session frees up. A deadline on ctx bounds the wait;
// expiry yields ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		s.inUse = true
		p.reused++
		p.mu.Unlock()
		return s, nil
	}
	if p.live < p.capacity {
		p.live++
		p.mu.Unlock()
		return p.create(ctx)
	}
	w := &waiter{ch: make(chan *Session, 1), grant: make(chan struct{}, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case s, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-w.grant:
		if err := ctx.Err(); err != nil {
			// the grant raced the deadline; give the slot back
			p.mu.Lock()
			p.dropLocked()
			p.promoteLocked()
			p.mu.Unlock()
			return nil, acquireErr(err)
		}
		return p.create(ctx)
	case <-ctx.Done():
		return nil, p.abandon(w, ctx.Err())
	}
}

// acquireErr maps a dead acquire context onto the pool's error surface:
// deadline expiry means the pool could not supply a session in time.
func acquireErr(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return ErrPoolExhausted
	}
	return fmt.Errorf("acquire session: %w", cause)
}

// abandon removes a timed-out waiter, resolving the race where a session or
// grant arrived at the same instant the context fired.
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	removed := false
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if !removed {
		// Something was already handed to this waiter; give it back.
		select {
		case s, ok := <-w.ch:
			if ok && s != nil {
				p.Release(s)
			}
		case <-w.grant:
			p.mu.Lock()
			p.dropLocked()
			p.promoteLocked()
			p.mu.Unlock()
		default:
		}
	}
	return acquireErr(cause)
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	client, err := p.factory.NewClient(ctx)
	if err != nil {
		p.mu.Lock()
		p.dropLocked()
		p.promoteLocked()
		p.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, acquireErr(ctxErr)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Client:    client,
		CreatedAt: now,
		lastUsed:  now,
		inUse:     true,
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	log.Debug().Str("session_id", s.ID).Msg("session created")
	return s, nil
}

// Release returns a session to the pool, handing it straight to the oldest
// waiter when one is queued. Releasing an already-idle session is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !s.inUse {
		p.mu.Unlock()
		return
	}
	s.lastUsed = time.Now()
	if p.closed {
		s.inUse = false
		p.dropLocked()
		p.mu.Unlock()
		p.logout(s)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- s
		p.mu.Unlock()
		return
	}
	s.inUse = false
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Discard logs a session out and frees its slot instead of re-pooling it.
// Used when the platform invalidated the session mid-job; the next acquire
// authenticates a fresh one.
func (p *Pool) Discard(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !s.inUse {
		p.mu.Unlock()
		return
	}
	s.inUse = false
	p.discarded++
	p.dropLocked()
	p.promoteLocked()
	p.mu.Unlock()
	log.Info().Str("session_id", s.ID).Msg("session discarded")
	p.logout(s)
}

// EvictIdle logs out and removes idle sessions unused for longer than the
// idle timeout. Sessions checked out to a job are never touched. Returns the
// number evicted.
func (p *Pool) EvictIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	var expired []*Session
	kept := p.idle[:0]
	for _, s := range p.idle {
		if s.lastUsed.Before(cutoff) || s.lastUsed.Equal(cutoff) {
			expired = append(expired, s)
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
	p.live -= len(expired)
	p.evicted += int64(len(expired))
	p.promoteLocked()
	p.mu.Unlock()

	for _, s := range expired {
		log.Info().Str("session_id", s.ID).Time("last_used", s.lastUsed).Msg("idle session evicted")
		if err := s.Client.Logout(ctx); err != nil {
			log.Warn().Str("session_id", s.ID).Err(err).Msg("logout of evicted session failed")
		}
	}
	return len(expired)
}

// Shutdown refuses new acquires, fails queued waiters with ErrPoolClosed,
// logs out idle sessions, and waits (bounded by ctx) for checked-out
// sessions to come back.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	if p.live == 0 {
		close(p.drained)
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.logout(s)
	}

	select {
	case <-p.drained:
	case <-ctx.Done():
		p.mu.Lock()
		remaining := p.live
		p.mu.Unlock()
		log.Warn().Int("sessions", remaining).Msg("pool shutdown timed out waiting for checked-out sessions")
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Created:   p.created,
		Reused:    p.reused,
		Evicted:   p.evicted,
		Discarded: p.discarded,
		Active:    p.live - len(p.idle),
		Idle:      len(p.idle),
	}
}

// dropLocked removes one live slot and signals drain completion when the
// pool is closed and empty. Callers hold p.mu.
func (p *Pool) dropLocked() {
	p.live--
	if p.closed && p.live == 0 {
		close(p.drained)
	}
}

// promoteLocked hands freed capacity to the oldest waiter so it can create a
// fresh session. Callers hold p.mu.
func (p *Pool) promoteLocked() {
	for !p.closed && p.live < p.capacity && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.live++
		w.grant <- struct{}{}
	}
}

func (p *Pool) logout(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := s.Client.Logout(ctx); err != nil {
		log.Warn().Str("session_id", s.ID).Err(err).Msg("session logout failed")
	}
}
