// Package pool manages a bounded set of reusable browser sessions.
//
// Sessions are created up front to a warm minimum, grown lazily to a maximum,
// handed to callers in arrival order, and recycled once they have served a
// configured number of captures or failed fatally.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolExhausted is returned when no session became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("no session available")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool closed")
)

const createTimeout = 60 * time.Second

// Resource is the heavyweight object a session wraps.
type Resource interface {
	Close() error
	Healthy() bool
}

// Factory creates resources.
type Factory interface {
	New(ctx context.Context) (Resource, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Resource, error)

// New calls f.
func (f FactoryFunc) New(ctx context.Context) (Resource, error) {
	return f(ctx)
}

// Outcome tells Release how the borrowed session fared.
type Outcome int

// Release outcomes.
const (
	OutcomeOK Outcome = iota
	OutcomeFatal
)

// Observer receives pool telemetry. Implementations must be cheap.
type Observer interface {
	ObservePool(stats Stats)
	ObserveAcquireWait(d time.Duration)
	ObserveSessionRetired(reason string)
}

// Config bounds the pool.
type Config struct {
	Min            int
	Max            int
	RecycleAfter   int
	AcquireTimeout time.Duration
	RetryDelay     time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Creating int `json:"creating"`
	Total    int `json:"total"`
	Waiting  int `json:"waiting"`
}

// Session is one pooled resource. It is owned by the pool and borrowed by a
// single caller between Acquire and Release.
type Session struct {
	id        string
	createdAt time.Time
	resource  Resource
	pool      *Pool

	// guarded by pool.mu
	useCount int
	busy     bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Resource returns the wrapped resource.
func (s *Session) Resource() Resource { return s.resource }

// UseCount returns how many acquire/release cycles the session completed.
func (s *Session) UseCount() int {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.useCount
}

// Busy reports whether the session is currently borrowed.
func (s *Session) Busy() bool {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.busy
}

type acquireResult struct {
	session *Session
	err     error
}

type waiter struct {
	ch     chan acquireResult
	served bool
}

// Pool hands out sessions. It is safe for concurrent use.
type Pool struct {
	cfg      Config
	factory  Factory
	logger   *zap.Logger
	observer Observer

	mu           sync.Mutex
	sessions     map[string]*Session
	idle         []*Session
	waiters      *list.List
	creating     int
	bgCreating   int
	closed       bool
	stop         chan struct{}
	backgroundWG sync.WaitGroup
}

// New validates cfg, creates the warm minimum concurrently and returns the
// pool. Warm sessions that fail to start are retried in the background.
func New(ctx context.Context, cfg Config, factory Factory, logger *zap.Logger, observer Observer) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("pool max must be > 0")
	}
	if cfg.Min < 0 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("pool min must be between 0 and max")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		observer: observer,
		sessions: make(map[string]*Session),
		waiters:  list.New(),
		stop:     make(chan struct{}),
	}
	p.warm(ctx)
	return p, nil
}

func (p *Pool) warm(ctx context.Context) {
	if p.cfg.Min == 0 {
		return
	}
	created := make([]*Session, p.cfg.Min)
	var g errgroup.Group
	for i := 0; i < p.cfg.Min; i++ {
		i := i
		g.Go(func() error {
			s, err := p.create(ctx)
			if err != nil {
				return err
			}
			created[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("warm session creation failed; retrying in background", zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range created {
		if s == nil {
			continue
		}
		p.sessions[s.id] = s
		p.idle = append(p.idle, s)
	}
	p.replenishLocked()
	p.observeLocked()
}

// Acquire returns an idle session, creating one when below Max, or waits in
// FIFO order for a release. Waiting longer than AcquireTimeout returns
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	start := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.waiters.Len() == 0 {
		if s := p.popIdleLocked(); s != nil {
			s.busy = true
			p.observeLocked()
			p.mu.Unlock()
			p.observeWait(start)
			return s, nil
		}
		if p.totalLocked() < p.cfg.Max {
			return p.createForCaller(ctx, start)
		}
	}

	w := &waiter{ch: make(chan acquireResult, 1)}
	elem := p.waiters.PushBack(w)
	p.replenishLocked()
	p.observeLocked()
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-w.ch:
		p.observeWait(start)
		return res.session, res.err
	case <-ctx.Done():
		return p.abandon(elem, w, fmt.Errorf("acquire session: %w", ctx.Err()))
	case <-timeout:
		return p.abandon(elem, w, fmt.Errorf("%w after %s", ErrPoolExhausted, p.cfg.AcquireTimeout))
	}
}

// createForCaller is entered with p.mu held and returns with it released.
func (p *Pool) createForCaller(ctx context.Context, start time.Time) (*Session, error) {
	p.creating++
	p.mu.Unlock()

	s, err := p.create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.replenishLocked()
		p.observeLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeResource(s, "closed")
		return nil, ErrPoolClosed
	}
	s.busy = true
	p.sessions[s.id] = s
	p.observeLocked()
	p.mu.Unlock()
	p.observeWait(start)
	return s, nil
}

func (p *Pool) abandon(elem *list.Element, w *waiter, err error) (*Session, error) {
	p.mu.Lock()
	if !w.served {
		p.waiters.Remove(elem)
		p.observeLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	// Served concurrently with the timeout: put the session back untouched,
	// unless Close already drained the idle list.
	res := <-w.ch
	if res.session == nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		delete(p.sessions, res.session.id)
		res.session.busy = false
		p.observeLocked()
		p.mu.Unlock()
		p.closeResource(res.session, "closed")
		return nil, err
	}
	p.handOffLocked(res.session)
	p.observeLocked()
	p.mu.Unlock()
	return nil, err
}

// Release returns a borrowed session. The use count grows by one; the session
// is retired and replaced when the outcome is fatal, the resource reports
// itself unhealthy, or the recycle threshold is reached.
func (p *Pool) Release(s *Session, outcome Outcome) {
	if s == nil || s.pool != p {
		return
	}
	p.mu.Lock()
	if !s.busy {
		p.mu.Unlock()
		p.logger.Warn("release of idle session ignored", zap.String("session_id", s.id))
		return
	}
	s.busy = false
	s.useCount++

	reason := ""
	switch {
	case p.closed:
		reason = "closed"
	case outcome == OutcomeFatal:
		reason = "fatal"
	case !s.resource.Healthy():
		reason = "unhealthy"
	case p.cfg.RecycleAfter > 0 && s.useCount >= p.cfg.RecycleAfter:
		reason = "recycled"
	}
	if reason == "" {
		p.handOffLocked(s)
		p.observeLocked()
		p.mu.Unlock()
		return
	}

	delete(p.sessions, s.id)
	p.replenishLocked()
	p.observeLocked()
	useCount := s.useCount
	closed := p.closed
	if !closed {
		p.backgroundWG.Add(1)
	}
	p.mu.Unlock()

	p.logger.Debug("retiring session",
		zap.String("session_id", s.id),
		zap.Int("use_count", useCount),
		zap.String("reason", reason),
	)
	if closed {
		p.closeResource(s, reason)
		return
	}
	go func() {
		defer p.backgroundWG.Done()
		p.closeResource(s, reason)
	}()
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Close shuts the pool down. Idle sessions are closed immediately, waiters
// receive ErrPoolClosed and busy sessions are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		delete(p.sessions, s.id)
	}
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.served = true
		w.ch <- acquireResult{err: ErrPoolClosed}
	}
	p.waiters.Init()
	p.observeLocked()
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.resource.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.id, err))
		}
	}
	p.backgroundWG.Wait()
	return errors.Join(errs...)
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	res, err := p.factory.New(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        uuid.NewString(),
		createdAt: time.Now().UTC(),
		resource:  res,
		pool:      p,
	}, nil
}

// handOffLocked gives s to the oldest waiter, or parks it as idle.
func (p *Pool) handOffLocked(s *Session) {
	if e := p.waiters.Front(); e != nil {
		w := p.waiters.Remove(e).(*waiter)
		w.served = true
		s.busy = true
		w.ch <- acquireResult{session: s}
		return
	}
	s.busy = false
	p.idle = append(p.idle, s)
}

func (p *Pool) popIdleLocked() *Session {
	if len(p.idle) == 0 {
		return nil
	}
	s := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	return s
}

func (p *Pool) totalLocked() int {
	return len(p.sessions) + p.creating
}

// replenishLocked starts background creations for waiters not yet covered
// and to restore the warm minimum.
func (p *Pool) replenishLocked() {
	if p.closed {
		return
	}
	capacity := p.cfg.Max - p.totalLocked()
	need := p.waiters.Len() - p.bgCreating
	if need > capacity {
		need = capacity
	}
	if floor := p.cfg.Min - p.totalLocked(); floor > need {
		need = floor
	}
	for i := 0; i < need; i++ {
		p.creating++
		p.bgCreating++
		p.backgroundWG.Add(1)
		go p.createInBackground()
	}
}

func (p *Pool) createInBackground() {
	defer p.backgroundWG.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
		s, err := p.create(ctx)
		cancel()

		p.mu.Lock()
		p.creating--
		p.bgCreating--
		if err == nil {
			if p.closed {
				p.mu.Unlock()
				p.closeResource(s, "closed")
				return
			}
			p.sessions[s.id] = s
			p.handOffLocked(s)
			p.observeLocked()
			p.mu.Unlock()
			return
		}

		p.logger.Warn("background session creation failed", zap.Error(err))
		if e := p.waiters.Front(); e != nil {
			w := p.waiters.Remove(e).(*waiter)
			w.served = true
			w.ch <- acquireResult{err: fmt.Errorf("create session: %w", err)}
		}
		retry := !p.closed && p.totalLocked() < p.cfg.Min
		if retry {
			p.creating++
			p.bgCreating++
		}
		p.observeLocked()
		p.mu.Unlock()
		if !retry {
			return
		}

		select {
		case <-p.stop:
			p.mu.Lock()
			p.creating--
			p.bgCreating--
			p.mu.Unlock()
			return
		case <-time.After(p.cfg.RetryDelay):
		}
	}
}

func (p *Pool) closeResource(s *Session, reason string) {
	if err := s.resource.Close(); err != nil {
		p.logger.Warn("session close failed", zap.String("session_id", s.id), zap.Error(err))
	}
	if p.observer != nil {
		p.observer.ObserveSessionRetired(reason)
	}
}

func (p *Pool) statsLocked() Stats {
	idle := len(p.idle)
	return Stats{
		Idle:     idle,
		Busy:     len(p.sessions) - idle,
		Creating: p.creating,
		Total:    len(p.sessions),
		Waiting:  p.waiters.Len(),
	}
}

func (p *Pool) observeLocked() {
	if p.observer != nil {
		p.observer.ObservePool(p.statsLocked())
	}
}

func (p *Pool) observeWait(start time.Time) {
	if p.observer != nil {
		p.observer.ObserveAcquireWait(time.Since(start))
	}
}
