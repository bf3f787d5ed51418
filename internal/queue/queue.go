package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/observability"
	"github.com/slimta/slimta-go/internal/policy"
	"github.com/slimta/slimta-go/internal/relay"
)

// BackoffFunc computes the delay before the next delivery attempt given an
// envelope and its current attempt count. Returning ok=false means the
// message should be permanently failed instead of retried. Grounded on the
// `backoff` constructor argument of slimta.queue.Queue, whose default
// (Queue._default_backoff) always returns None — i.e. never retry.
type BackoffFunc func(env *envelope.Envelope, attempts int) (wait time.Duration, ok bool)

// NoRetryBackoff is the default BackoffFunc: never retry.
func NoRetryBackoff(*envelope.Envelope, int) (time.Duration, bool) { return 0, false }

// BounceFactory builds a bounce envelope for a failed recipient, or returns
// nil to suppress the bounce entirely. Grounded on the `bounce_factory`
// constructor argument of slimta.queue.Queue, defaulting to Bounce.
type BounceFactory func(orig *envelope.Envelope, rcpt string, reply *relay.RelayError) *envelope.Envelope

// Queue schedules envelopes for delivery and reacts to relay results,
// grounded on original_source/slimta/queue/__init__.py's Queue. Unlike a
// FIFO queue, a message's position depends entirely on the timestamp of
// its next delivery attempt.
type Queue struct {
	store Storage
	rel   relay.Relay

	backoff       BackoffFunc
	bounceFactory BounceFactory
	policies      []policy.QueuePolicy

	storePool *boundedPool
	relayPool *boundedPool
	bouncePool *boundedPool

	mu     sync.Mutex
	queued []ScheduledEntry
	wake   chan struct{}

	metrics Metrics

	logger Logger
}

// Storage is an alias kept for readability at call sites; it is exactly
// QueueStorage.
type Storage = QueueStorage

// Logger is the narrow structured-logging surface the Queue depends on,
// satisfied by *slog.Logger. Kept as an interface here so the package does
// not force a concrete logger on callers that embed Queue in tests.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics is the narrow observability surface a Queue reports through,
// satisfied by an adapter over observability.Metrics. Kept as an interface
// so tests can run without any metrics backend (the package imports
// observability only for tracing spans). SetDepth is called after every schedule
// mutation; Enqueued/AttemptResult/Bounced are called at the points
// SPEC_FULL §11 names: "Queue depth, relay pool in-flight count, SMTP
// command counters".
type Metrics interface {
	SetDepth(n int)
	Enqueued()
	AttemptResult(result string)
	Bounced(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetDepth(int)         {}
func (noopMetrics) Enqueued()            {}
func (noopMetrics) AttemptResult(string) {}
func (noopMetrics) Bounced(string)       {}

// Config configures pool sizing for a Queue; zero values mean unbounded.
type Config struct {
	StorePoolSize  int
	RelayPoolSize  int
	BouncePoolSize int
	Backoff        BackoffFunc
	BounceFactory  BounceFactory
	Logger         Logger
	Metrics        Metrics
}

// New builds a Queue bound to store and rel. A nil Backoff never retries; a
// nil BounceFactory uses envelope.NewBounce.
func New(store QueueStorage, rel relay.Relay, cfg Config) *Queue {
	if cfg.Backoff == nil {
		cfg.Backoff = NoRetryBackoff
	}
	if cfg.BounceFactory == nil {
		cfg.BounceFactory = defaultBounceFactory
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Queue{
		store:         store,
		rel:           rel,
		backoff:       cfg.Backoff,
		bounceFactory: cfg.BounceFactory,
		storePool:     newBoundedPool(cfg.StorePoolSize),
		relayPool:     newBoundedPool(cfg.RelayPoolSize),
		bouncePool:    newBoundedPool(cfg.BouncePoolSize),
		wake:          make(chan struct{}, 1),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

func defaultBounceFactory(orig *envelope.Envelope, rcpt string, reply *relay.RelayError) *envelope.Envelope {
	code, esc := "550", "5.0.0"
	msg := "delivery failed"
	if reply != nil && reply.Reply != nil {
		code = reply.Reply.Code()
		esc = reply.Reply.ESC()
		msg = reply.Reply.Message()
	}
	return envelope.NewBounce(orig, rcpt, code, esc, msg)
}

// AddPolicy registers a QueuePolicy run against every envelope before it is
// persisted to storage.
func (q *Queue) AddPolicy(p policy.QueuePolicy) {
	q.policies = append(q.policies, p)
}

func (q *Queue) runPolicies(env *envelope.Envelope) ([]*envelope.Envelope, error) {
	return policy.Chain(q.policies, []*envelope.Envelope{env})
}

// EnqueueResult reports the outcome of persisting one (possibly
// policy-split) envelope.
type EnqueueResult struct {
	Envelope *envelope.Envelope
	ID       string
	Err      error
}

// Enqueue runs the registered policies over env, writes each resulting
// envelope to storage, and spawns an immediate delivery attempt for each
// one successfully written. Grounded on Queue.enqueue.
func (q *Queue) Enqueue(ctx context.Context, env *envelope.Envelope) ([]EnqueueResult, error) {
	now := time.Now()
	envelopes, err := q.runPolicies(env)
	if err != nil {
		return nil, err
	}

	results := make([]EnqueueResult, len(envelopes))
	var wg sync.WaitGroup
	for i, e := range envelopes {
		i, e := i, e
		wg.Add(1)
		q.storePool.spawn(func() {
			defer wg.Done()
			id, err := q.store.Write(e, now)
			results[i] = EnqueueResult{Envelope: e, ID: id, Err: err}
		})
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			var qerr *QueueError
			if !errors.As(r.Err, &qerr) {
				return results, r.Err
			}
			continue
		}
		q.metrics.Enqueued()
		id, e := r.ID, r.Envelope
		_, enqSpan := observability.StartEnqueue(ctx, id)
		enqSpan.End()
		q.relayPool.spawn(func() { q.attempt(ctx, id, e, identityIndices(len(e.Recipients)), 0) })
	}
	return results, nil
}

func (q *Queue) addQueued(entry ScheduledEntry) {
	q.mu.Lock()
	i := sort.Search(len(q.queued), func(i int) bool { return q.queued[i].Due.After(entry.Due) })
	q.queued = append(q.queued, ScheduledEntry{})
	copy(q.queued[i+1:], q.queued[i:])
	q.queued[i] = entry
	depth := len(q.queued)
	q.mu.Unlock()
	q.metrics.SetDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loadAll() {
	entries, err := q.store.Load()
	if err != nil {
		q.logger.Error("queue: failed to load storage", "err", err)
		return
	}
	for _, e := range entries {
		q.addQueued(e)
	}
}

func (q *Queue) bounce(ctx context.Context, orig *envelope.Envelope, rcpt string, relayErr *relay.RelayError) {
	b := q.bounceFactory(orig, rcpt, relayErr)
	if b == nil {
		return
	}
	reason := "expired"
	if relayErr != nil {
		reason = string(relay.ClassifyBounceReply(relayErr.Reply))
	}
	q.metrics.Bounced(reason)
	if _, err := q.Enqueue(ctx, b); err != nil {
		q.logger.Error("queue: failed to enqueue bounce", "err", err, "recipient", rcpt)
	}
}

// permFail removes id from storage and bounces its (remaining) recipients,
// since sender-null messages are never bounced. Grounded on Queue._perm_fail.
func (q *Queue) permFail(ctx context.Context, id string, env *envelope.Envelope, reply *relay.RelayError) {
	q.storePool.spawn(func() {
		if err := q.store.Remove(id); err != nil {
			q.logger.Error("queue: failed to remove storage entry", "err", err, "storage_id", id)
		}
	})
	if env.Sender == "" {
		return
	}
	for _, rcpt := range env.Recipients {
		rcpt := rcpt
		q.bouncePool.spawn(func() { q.bounce(ctx, env, rcpt, reply) })
	}
}

// retryLater increments id's attempt counter and reschedules env (which
// should already be scoped to only its still-pending recipients), or
// permanently fails it if the backoff function declines a retry. Grounded
// on Queue._retry_later.
func (q *Queue) retryLater(ctx context.Context, id string, env *envelope.Envelope, reply *relay.RelayError) {
	attempts, err := q.store.IncrementAttempts(id)
	if err != nil {
		q.logger.Error("queue: failed to increment attempts", "err", err, "storage_id", id)
		return
	}
	wait, ok := q.backoff(env, attempts)
	if !ok {
		if reply != nil && reply.Reply != nil {
			reply.Reply.SetMessage(reply.Reply.RawMessage() + " (too many retries)")
		}
		q.permFail(ctx, id, env, reply)
		return
	}
	when := time.Now().Add(wait)
	if err := q.store.SetTimestamp(id, when); err != nil {
		q.logger.Error("queue: failed to set timestamp", "err", err, "storage_id", id)
		return
	}
	q.addQueued(ScheduledEntry{Due: when, ID: id})
}

// identityIndices returns [0, 1, ..., n-1], the original-index mapping for
// an envelope fresh off Enqueue, where every recipient is still pending and
// its position in env.Recipients is also its storage identity.
func identityIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// attempt performs one delivery attempt for id/env and dispatches the
// per-recipient or whole-envelope result. indices maps each position in
// env.Recipients back to that recipient's original storage index, so
// Resolve can be called unambiguously even when the same address appears
// more than once in the envelope. Grounded on Queue._attempt, extended to
// route the per-recipient RelayError results the relay package can now
// report (see ARCHITECTURE §4.9 / §4.9.1's LMTP contract).
func (q *Queue) attempt(ctx context.Context, id string, env *envelope.Envelope, indices []int, attempts int) {
	ctx, span := observability.StartDeliveryAttempt(ctx, id, len(env.Recipients), attempts)
	defer span.End()
	results, err := q.rel.Attempt(ctx, env, attempts)
	if err != nil {
		q.metrics.AttemptResult("error")
		q.handleWholeEnvelopeError(ctx, id, env, err)
		return
	}
	q.metrics.AttemptResult("ok")
	if len(results) == 0 {
		q.storePool.spawn(func() {
			if err := q.store.Remove(id); err != nil {
				q.logger.Error("queue: failed to remove storage entry", "err", err, "storage_id", id)
			}
		})
		return
	}

	var deliveredIdx, permFailedIdx, transFailedIdx []int
	var permFailedAddr, transFailedAddr []string
	var permReply, transReply *relay.RelayError
	for _, r := range results {
		origIdx := indices[r.Index]
		addr := env.Recipients[r.Index]
		if r.Err == nil {
			deliveredIdx = append(deliveredIdx, origIdx)
			continue
		}
		var perm *relay.PermanentRelayError
		var trans *relay.TransientRelayError
		switch {
		case errors.As(r.Err, &perm):
			permFailedIdx = append(permFailedIdx, origIdx)
			permFailedAddr = append(permFailedAddr, addr)
			permReply = perm.RelayError
		case errors.As(r.Err, &trans):
			transFailedIdx = append(transFailedIdx, origIdx)
			transFailedAddr = append(transFailedAddr, addr)
			transReply = trans.RelayError
		default:
			transFailedIdx = append(transFailedIdx, origIdx)
			transFailedAddr = append(transFailedAddr, addr)
		}
	}

	if len(permFailedIdx) == 0 && len(transFailedIdx) == 0 {
		q.storePool.spawn(func() {
			if err := q.store.Remove(id); err != nil {
				q.logger.Error("queue: failed to remove storage entry", "err", err, "storage_id", id)
			}
		})
		return
	}

	resolvedIdx := append(append([]int{}, deliveredIdx...), permFailedIdx...)
	if len(resolvedIdx) > 0 {
		q.storePool.spawn(func() {
			if err := q.store.Resolve(id, resolvedIdx); err != nil {
				q.logger.Error("queue: failed to resolve recipients", "err", err, "storage_id", id)
			}
		})
	}
	if len(permFailedAddr) > 0 {
		bounced := env.Copy(permFailedAddr)
		for _, rcpt := range permFailedAddr {
			rcpt := rcpt
			q.bouncePool.spawn(func() { q.bounce(ctx, bounced, rcpt, permReply) })
		}
	}
	if len(transFailedIdx) == 0 {
		q.storePool.spawn(func() {
			if err := q.store.Remove(id); err != nil {
				q.logger.Error("queue: failed to remove storage entry", "err", err, "storage_id", id)
			}
		})
		return
	}
	pending := env.Copy(transFailedAddr)
	q.storePool.spawn(func() { q.retryLater(ctx, id, pending, transReply) })
}

func (q *Queue) handleWholeEnvelopeError(ctx context.Context, id string, env *envelope.Envelope, err error) {
	var perm *relay.PermanentRelayError
	var trans *relay.TransientRelayError
	switch {
	case errors.As(err, &perm):
		q.permFail(ctx, id, env, perm.RelayError)
	case errors.As(err, &trans):
		q.storePool.spawn(func() { q.retryLater(ctx, id, env, trans.RelayError) })
	default:
		q.storePool.spawn(func() {
			q.retryLater(ctx, id, env, &relay.RelayError{Msg: err.Error()})
		})
	}
}

// dequeue loads id's current envelope and attempts it. Grounded on
// Queue._dequeue. Scheduled redeliveries have no live caller context to
// inherit a trace from, so each one roots a fresh span via context.Background.
func (q *Queue) dequeue(id string) {
	msg, err := q.store.Get(id)
	if err != nil {
		q.logger.Warn("queue: failed to load scheduled entry", "err", err, "storage_id", id)
		return
	}
	q.relayPool.spawn(func() { q.attempt(context.Background(), id, msg.Envelope, msg.Indices, msg.Attempts) })
}

// checkReady dequeues every scheduled entry whose due time has passed and
// trims them from q.queued in place. Grounded on Queue._check_ready.
func (q *Queue) checkReady(now time.Time) {
	q.mu.Lock()
	i := 0
	for ; i < len(q.queued); i++ {
		if q.queued[i].Due.After(now) {
			break
		}
		id := q.queued[i].ID
		q.storePool.spawn(func() { q.dequeue(id) })
	}
	q.queued = q.queued[i:]
	depth := len(q.queued)
	q.mu.Unlock()
	q.metrics.SetDepth(depth)
}

// nextWait returns how long to wait before the next scheduled entry is
// due, or -1 if the schedule is empty. Grounded on Queue._wait_ready.
func (q *Queue) nextWait(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return -1
	}
	if d := q.queued[0].Due.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Flush immediately dequeues every scheduled entry regardless of its due
// time. Grounded on Queue.flush.
func (q *Queue) Flush() {
	q.mu.Lock()
	entries := q.queued
	q.queued = nil
	q.mu.Unlock()
	q.metrics.SetDepth(0)
	for _, e := range entries {
		id := e.ID
		q.storePool.spawn(func() { q.dequeue(id) })
	}
}

// Run loads the persisted schedule and drives the wake/check-ready loop
// until ctx is cancelled. Grounded on Queue._run.
func (q *Queue) Run(ctx context.Context) error {
	q.storePool.spawn(q.loadAll)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		now := time.Now()
		q.checkReady(now)
		wait := q.nextWait(now)
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
