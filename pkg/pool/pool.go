// Package pool lends a fixed set of pre-established store sessions to concurrent callers.
//
// Acquire blocks until a session is free; there is no timeout and no queueing order, the first waiter to win the
// lock after a release takes the free slot. Every release wakes exactly one waiter, which rescans the slots.
// A session found unhealthy on acquisition gets one in-place reconnect attempt; if that fails the caller still
// receives it and its queries fail through the normal store error path.
package pool

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/podium/pkg/store"
	"github.com/nobletooth/podium/pkg/utils"
)

var (
	Size = flag.Int("pool_size", 8, "Number of store sessions kept open by the connection pool.")

	acquireWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "pool",
		Name:      "acquire_waits_total",
		Help:      "The total number of times Acquire found every session busy and had to wait.",
	})
	repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "pool",
		Name:      "repairs_total",
		Help:      "The total number of in-place reconnects of unhealthy sessions.",
	}, []string{"result"})
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool is closed")

// PoolInitError reports that the pool could not open all of its sessions.
type PoolInitError struct {
	Opened, Size int // Sessions opened before the failure; all of them were closed again.
	Err          error
}

func (e *PoolInitError) Error() string {
	return fmt.Sprintf("failed to open store session %d of %d: %v", e.Opened+1, e.Size, e.Err)
}

func (e *PoolInitError) Unwrap() error { return e.Err }

// Pool is a bounded set of store sessions.
type Pool struct {
	mux      sync.Mutex
	released *sync.Cond // Signaled once per Release.
	sessions []store.Session
	busy     []bool
	inUse    int
	closed   bool
}

// New dials `size` sessions. If any dial fails the sessions opened so far are closed and a *PoolInitError is
// returned; a partially filled pool is never handed out.
func New(ctx context.Context, size int, dial store.Dialer) (*Pool, error) {
	if size <= 0 {
		utils.RaiseInvariant("pool", "non_positive_size",
			"Invalid size has been given to the connection pool.", "size", size)
		size = 1
	}
	sessions := make([]store.Session, 0, size)
	for range size {
		session, err := dial(ctx)
		if err != nil {
			for _, opened := range sessions {
				if closeErr := opened.Close(); closeErr != nil {
					slog.Warn("Failed to close session after pool init failure.", "error", closeErr)
				}
			}
			return nil, &PoolInitError{Opened: len(sessions), Size: size, Err: err}
		}
		sessions = append(sessions, session)
	}
	pool := &Pool{sessions: sessions, busy: make([]bool, size)}
	pool.released = sync.NewCond(&pool.mux)
	slog.Info("Connection pool is ready.", "size", size)
	return pool, nil
}

// Acquire lends a session, blocking until one is free. The context only bounds the health check and repair.
// The session must be handed back with Release.
func (p *Pool) Acquire(ctx context.Context) (store.Session, error) {
	session, err := p.take()
	if err != nil {
		return nil, err
	}
	if pingErr := session.Ping(ctx); pingErr != nil {
		if repairErr := session.Reconnect(ctx); repairErr != nil {
			repairs.WithLabelValues("failed").Inc()
			slog.Warn("Failed to repair unhealthy store session.", "ping_error", pingErr, "error", repairErr)
		} else {
			repairs.WithLabelValues("ok").Inc()
			slog.Info("Repaired unhealthy store session.", "ping_error", pingErr)
		}
	}
	return session, nil
}

// take marks the first free slot busy, waiting for a release while all slots are taken.
func (p *Pool) take() (store.Session, error) {
	p.mux.Lock()
	defer p.mux.Unlock()

	waited := false
	for {
		if p.closed {
			return nil, ErrClosed
		}
		for i, busy := range p.busy {
			if !busy {
				p.busy[i] = true
				p.inUse++
				return p.sessions[i], nil
			}
		}
		if !waited {
			acquireWaits.Inc()
			waited = true
		}
		p.released.Wait() // Wakeups may be spurious or lost to another taker; rescan.
	}
}

// Release hands a session back and wakes one waiter.
func (p *Pool) Release(session store.Session) {
	p.mux.Lock()
	defer p.mux.Unlock()

	for i, owned := range p.sessions {
		if owned == session {
			if !p.busy[i] {
				utils.RaiseInvariant("pool", "double_release", "Released a session that was not acquired.", "slot", i)
				return
			}
			p.busy[i] = false
			p.inUse--
			p.released.Signal()
			return
		}
	}
	utils.RaiseInvariant("pool", "foreign_session", "Released a session the pool doesn't own.")
}

// Do runs fn with an acquired session and releases it afterwards.
func (p *Pool) Do(ctx context.Context, fn func(session store.Session) error) error {
	session, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(session)
	return fn(session)
}

// Stats describes current pool usage.
type Stats struct {
	Size, InUse int
}

// Stats returns the pool size and the number of lent sessions.
func (p *Pool) Stats() Stats {
	p.mux.Lock()
	defer p.mux.Unlock()
	return Stats{Size: len(p.sessions), InUse: p.inUse}
}

// Close closes every session and fails pending and future Acquire calls with ErrClosed. Sessions still lent
// out are closed as well.
func (p *Pool) Close() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.released.Broadcast()

	var errs []error
	for _, session := range p.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
