// Package reconcile turns discovered identities into durable friendship
// edges and interaction records.
//
// All engine state (readiness, the last known local profile, the pending
// queue and the in-flight set) is owned by one goroutine. Store calls run on
// worker goroutines and post their results back to it.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/metrics"
	"github.com/unipass/backend/internal/retry"
	"github.com/unipass/backend/internal/socialgraph"
)

const (
	outcomeAdded     = "added"
	outcomeSkipped   = "skipped"
	outcomeAbandoned = "abandoned"
	outcomeDropped   = "dropped"

	directionLocal      = "local"
	directionReciprocal = "reciprocal"

	commandBuffer = 64
)

// ErrClosed is returned by queries made after Close.
var ErrClosed = errors.New("reconcile: engine closed")

// Store is the slice of the social graph client the engine writes through.
type Store interface {
	MutateProfile(ctx context.Context, identity string, fn socialgraph.Mutation) (domain.Profile, bool, error)
	AppendInteraction(ctx context.Context, owner, peer string, at time.Time) (domain.Interaction, error)
}

// Options configures an Engine.
type Options struct {
	Policy  retry.Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnEdgeAdded receives the saved local profile after every new local
	// edge. It runs on a worker goroutine.
	OnEdgeAdded func(domain.Profile)
	// OnAbandon is told about a peer whose local edge could not be written
	// within the retry budget.
	OnAbandon func(peer string)
}

// Engine reconciles peers for one local identity.
type Engine struct {
	store   Store
	self    string
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	cmds      chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	work      sync.WaitGroup

	// actor state
	ready    bool
	closing  bool
	local    domain.Profile
	pending  []string
	inflight map[string]struct{}
	timers   map[string]*clock.Timer
}

type outcome struct {
	peer    string
	attempt int
	profile domain.Profile
	added   bool
	err     error
}

// New builds an engine for self. Call Start before use.
func New(store Store, self string, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		self:     domain.NormalizeIdentity(self),
		policy:   opts.Policy,
		logger:   logging.OrDiscard(opts.Logger).With("component", "reconcile"),
		metrics:  opts.Metrics,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan func(), commandBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*clock.Timer),
	}
}

// Start launches the actor goroutine.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.loop()
	})
}

// AddFriendIfNeeded offers a discovered peer. Peers arriving before the
// local profile is ready wait on the pending queue.
func (e *Engine) AddFriendIfNeeded(peer string) {
	peer = domain.NormalizeIdentity(peer)
	e.post(func() { e.offer(peer) })
}

// LocalProfileReady marks the local profile as created and visible and
// flushes the pending queue.
func (e *Engine) LocalProfileReady(p domain.Profile) {
	e.post(func() {
		e.ready = true
		e.adopt(p)
		queued := e.pending
		e.pending = nil
		e.metrics.PendingPeers(0)
		if len(queued) > 0 {
			e.logger.Info("local profile ready, flushing pending peers", "count", len(queued))
		}
		for _, peer := range queued {
			e.offer(peer)
		}
	})
}

// UpdateLocalProfile refreshes the in-memory copy used for the cheap
// already-friends check.
func (e *Engine) UpdateLocalProfile(p domain.Profile) {
	e.post(func() { e.adopt(p) })
}

// Pending returns the peers waiting for the local profile.
func (e *Engine) Pending() []string {
	reply := make(chan []string, 1)
	if !e.post(func() { reply <- append([]string(nil), e.pending...) }) {
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-e.loopDone:
		return nil
	}
}

// InFlight returns how many peers are being reconciled or awaiting a retry.
func (e *Engine) InFlight() (int, error) {
	reply := make(chan int, 1)
	if !e.post(func() { reply <- len(e.inflight) }) {
		return 0, ErrClosed
	}
	select {
	case n := <-reply:
		return n, nil
	case <-e.loopDone:
		return 0, ErrClosed
	}
}

// Close stops accepting peers and waits for in-flight runs and scheduled
// retries. If ctx ends first, remaining work is cancelled and ctx's error
// returned.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.Start()
		e.call(func() { e.closing = true })

		drained := make(chan struct{})
		go func() {
			e.work.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			e.cancel()
			e.call(e.stopTimers)
		}
		close(e.quit)
		<-e.loopDone
		e.cancel()
	})
	return err
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post hands fn to the actor. It reports false once the engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.cmds <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// call runs fn on the actor and waits for it.
func (e *Engine) call(fn func()) bool {
	done := make(chan struct{})
	if !e.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-e.loopDone:
		return false
	}
}

func (e *Engine) adopt(p domain.Profile) {
	if p.Identity == "" || p.Identity != e.self {
		return
	}
	if p.Version != 0 && p.Version < e.local.Version {
		return
	}
	e.local = p.Clone()
}

func (e *Engine) offer(peer string) {
	if e.closing {
		e.metrics.Reconciliation(outcomeDropped)
		e.logger.Debug("engine closing, dropping peer", "peer", peer)
		return
	}
	if !domain.ValidIdentity(peer) || domain.IsTruncated(peer) {
		e.logger.Debug("ignoring peer without a full identity", "peer", peer)
		return
	}
	if !e.ready {
		for _, p := range e.pending {
			if p == peer {
				return
			}
		}
		e.pending = append(e.pending, peer)
		e.metrics.PendingPeers(len(e.pending))
		e.logger.Debug("local profile not ready, queueing peer", "peer", peer)
		return
	}
	if peer == e.self || e.local.HasFriend(peer) {
		e.metrics.Reconciliation(outcomeSkipped)
		return
	}
	if _, busy := e.inflight[peer]; busy {
		return
	}
	e.inflight[peer] = struct{}{}
	e.work.Add(1)
	go e.run(peer, 0)
}

// run executes one attempt for peer. The work count it holds is released by
// finish on the actor, or here if the actor is gone.
func (e *Engine) run(peer string, attempt int) {
	res := e.reconcile(peer, attempt)
	if !e.post(func() { e.finish(res) }) {
		e.work.Done()
	}
}

func (e *Engine) reconcile(peer string, attempt int) outcome {
	res := outcome{peer: peer, attempt: attempt}
	ctx := e.ctx

	local, added, err := e.store.MutateProfile(ctx, e.self, func(p *domain.Profile) (bool, error) {
		return p.AddFriend(peer), nil
	})
	if err != nil {
		res.err = err
		return res
	}
	res.profile = local
	res.added = added
	if !added {
		return res
	}

	// Both rows of one friendship share a timestamp.
	at := e.policy.Now()
	e.metrics.EdgeAdded(directionLocal)
	e.logger.Info("friend added", "peer", peer)
	e.appendInteraction(ctx, e.self, peer, at)
	if e.opts.OnEdgeAdded != nil {
		e.opts.OnEdgeAdded(local)
	}

	var reciprocal bool
	err = e.policy.Do(ctx, func(ctx context.Context) error {
		_, changed, err := e.store.MutateProfile(ctx, peer, func(p *domain.Profile) (bool, error) {
			return p.AddFriend(e.self), nil
		})
		if err != nil {
			e.metrics.StoreRetry()
			return err
		}
		reciprocal = changed
		return nil
	})
	if err != nil {
		e.logger.Warn("reciprocal edge not written, leaving one-sided friendship",
			"peer", peer, "error", err)
		return res
	}
	if reciprocal {
		e.metrics.EdgeAdded(directionReciprocal)
		e.appendInteraction(ctx, peer, e.self, at)
	}
	return res
}

func (e *Engine) appendInteraction(ctx context.Context, owner, peer string, at time.Time) {
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		_, err := e.store.AppendInteraction(ctx, owner, peer, at)
		return err
	})
	if err != nil {
		e.logger.Warn("interaction not recorded", "owner", owner, "peer", peer, "error", err)
	}
}

func (e *Engine) finish(res outcome) {
	defer e.work.Done()

	if res.err == nil {
		delete(e.inflight, res.peer)
		e.adopt(res.profile)
		if res.added {
			e.metrics.Reconciliation(outcomeAdded)
		} else {
			e.metrics.Reconciliation(outcomeSkipped)
		}
		return
	}

	if e.retryable(res.err) && !e.policy.Exhausted(res.attempt) && e.ctx.Err() == nil {
		delay := e.policy.Delay(res.attempt)
		next := res.attempt + 1
		e.logger.Debug("local edge failed, retrying",
			"peer", res.peer, "attempt", next, "delay", delay, "error", res.err)
		e.work.Add(1)
		e.timers[res.peer] = e.policy.AfterFunc(delay, func() {
			ok := e.post(func() {
				delete(e.timers, res.peer)
				go e.run(res.peer, next)
			})
			if !ok {
				e.work.Done()
			}
		})
		return
	}

	delete(e.inflight, res.peer)
	e.metrics.Reconciliation(outcomeAbandoned)
	e.logger.Warn("giving up on peer", "peer", res.peer, "attempts", res.attempt+1, "error", res.err)
	if e.opts.OnAbandon != nil {
		e.opts.OnAbandon(res.peer)
	}
}

func (e *Engine) retryable(err error) bool {
	return errors.Is(err, domain.ErrTransient) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrNotFound)
}

func (e *Engine) stopTimers() {
	for peer, t := range e.timers {
		if t.Stop() {
			e.work.Done()
		}
		delete(e.timers, peer)
	}
}
