package relay

import (
	"context"
	"sync"

	"github.com/slimta/slimta-go/internal/envelope"
)

// StaticSmtpRelay manages relaying to one fixed host:port, recycling
// connections across messages where possible. Grounded on
// original_source/slimta/relay/smtp/static.py.
type StaticSmtpRelay struct {
	Base

	address   string
	poolSize  int
	newConfig func() ClientConfig
	lmtp      bool

	queue *workQueue

	mu      sync.Mutex
	workers map[*SmtpRelayClient]context.CancelFunc
}

// NewStaticSmtpRelay builds a relay against address ("host:port"). poolSize
// of 0 means unlimited concurrent connections. configFn customizes each
// worker's ClientConfig (TLS, timeouts, dialer); Address and LMTP fields
// are overwritten by the pool.
func NewStaticSmtpRelay(address string, poolSize int, lmtp bool, configFn func() ClientConfig) *StaticSmtpRelay {
	if configFn == nil {
		configFn = func() ClientConfig { return ClientConfig{} }
	}
	return &StaticSmtpRelay{
		address:   address,
		poolSize:  poolSize,
		newConfig: configFn,
		lmtp:      lmtp,
		queue:     newWorkQueue(),
		workers:   make(map[*SmtpRelayClient]context.CancelFunc),
	}
}

// checkIdle spawns a new worker if none of the current pool is idle and the
// pool has room, mirroring StaticSmtpRelay._check_idle.
func (s *StaticSmtpRelay) checkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.workers {
		if w.Idle() {
			return
		}
	}
	if s.poolSize > 0 && len(s.workers) >= s.poolSize {
		return
	}
	s.addWorker()
}

// addWorker must be called with s.mu held.
func (s *StaticSmtpRelay) addWorker() {
	cfg := s.newConfig()
	cfg.Address = s.address
	cfg.LMTP = s.lmtp
	w := NewSmtpRelayClient(cfg, s.queue)
	ctx, cancel := context.WithCancel(context.Background())
	s.workers[w] = cancel
	go func() {
		w.Run(ctx)
		s.removeWorker(w)
	}()
}

func (s *StaticSmtpRelay) removeWorker(w *SmtpRelayClient) {
	s.mu.Lock()
	delete(s.workers, w)
	empty := len(s.workers) == 0
	hasWork := s.queue.len() > 0
	s.mu.Unlock()
	if hasWork && empty {
		s.mu.Lock()
		s.addWorker()
		s.mu.Unlock()
	}
}

// Attempt implements Relay by enqueueing env for delivery by a pool worker
// and blocking for its result, applying relay policies first. Grounded on
// StaticSmtpRelay.attempt.
func (s *StaticSmtpRelay) Attempt(ctx context.Context, env *envelope.Envelope, attempts int) ([]RecipientResult, error) {
	if err := s.RunPolicies(env); err != nil {
		return nil, err
	}
	s.checkIdle()
	j := &job{env: env, attempts: attempts, result: make(chan jobResult, 1)}
	s.queue.push(j)
	select {
	case res := <-j.result:
		return res.perRecipient, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every active worker. Grounded on Relay.kill.
func (s *StaticSmtpRelay) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.workers {
		cancel()
	}
}

// InFlight reports the number of pool workers currently delivering a job
// (not idle, not a spare connection waiting for work), satisfying
// PoolStater for the relay pool in-flight gauge.
func (s *StaticSmtpRelay) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for w := range s.workers {
		if !w.Idle() {
			n++
		}
	}
	return n
}
