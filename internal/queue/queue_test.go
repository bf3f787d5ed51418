package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/relay"
	"github.com/slimta/slimta-go/internal/smtpproto"
)

// discardCtx returns a context cancelled automatically when the test ends,
// for Queue.Run goroutines that only need to live for the test's duration.
func discardCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// fakeRelay lets tests script per-call results for relay.Relay.Attempt.
type fakeRelay struct {
	mu    sync.Mutex
	calls int
	fn    func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error)
}

func (f *fakeRelay) Attempt(ctx context.Context, env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(env, attempts)
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestQueueEnqueueSuccessRemovesStorage(t *testing.T) {
	store := NewMemStorage()
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		return nil, nil
	}}
	q := New(store, r, Config{})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	results, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, results, 1)

	waitFor(t, time.Second, func() bool {
		_, err := store.Get(results[0].ID)
		return err != nil
	})
}

func TestQueuePermanentFailureBounces(t *testing.T) {
	store := NewMemStorage()
	failReply := smtpproto.NewReply("550", "5.1.1 no such user")
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		if env.Sender == "" {
			return nil, nil // the bounce itself "delivers" successfully
		}
		return nil, relay.NewPermanentRelayError("no such user", failReply)
	}}
	q := New(store, r, Config{})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	results, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		return r.callCount() >= 2 // original attempt + bounce delivery attempt
	})
	_, err = store.Get(results[0].ID)
	assert.Error(t, err, "original message should have been removed after permanent failure")
}

func TestQueueTransientFailureRetriesViaBackoff(t *testing.T) {
	store := NewMemStorage()
	failReply := smtpproto.NewReply("450", "4.3.0 try again")

	var attemptCount int
	var mu sync.Mutex
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		mu.Lock()
		attemptCount++
		n := attemptCount
		mu.Unlock()
		if n == 1 {
			return nil, relay.NewTransientRelayError("try again", failReply)
		}
		return nil, nil
	}}

	backoffCalled := make(chan struct{}, 1)
	cfg := Config{Backoff: func(env *envelope.Envelope, attempts int) (time.Duration, bool) {
		select {
		case backoffCalled <- struct{}{}:
		default:
		}
		return time.Millisecond, true
	}}
	q := New(store, r, cfg)

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	results, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		select {
		case <-backoffCalled:
			return true
		default:
			return false
		}
	})

	go func() {
		_ = q.Run(discardCtx(t))
	}()

	waitFor(t, 2*time.Second, func() bool {
		_, err := store.Get(results[0].ID)
		return err != nil
	})
}

func TestQueueNoRetryBackoffPermFailsAfterTransient(t *testing.T) {
	store := NewMemStorage()
	failReply := smtpproto.NewReply("450", "4.3.0 try again")
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		if env.Sender == "" {
			return nil, nil
		}
		return nil, relay.NewTransientRelayError("try again", failReply)
	}}
	q := New(store, r, Config{}) // default backoff never retries

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	results, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		_, err := store.Get(results[0].ID)
		return err != nil
	})
}

func TestQueueLMTPPartialFailureRetriesOnlyFailedRecipient(t *testing.T) {
	store := NewMemStorage()
	failReply := smtpproto.NewReply("450", "4.3.0 try again")

	var mu sync.Mutex
	seenRecipientSets := [][]string{}
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		if env.Sender == "" {
			return nil, nil
		}
		mu.Lock()
		seenRecipientSets = append(seenRecipientSets, append([]string(nil), env.Recipients...))
		mu.Unlock()
		results := make([]relay.RecipientResult, len(env.Recipients))
		for i, rcpt := range env.Recipients {
			results[i] = relay.RecipientResult{Recipient: rcpt, Index: i}
			if rcpt == "carol@example.com" {
				results[i].Err = relay.NewTransientRelayError("try again", failReply)
			}
		}
		return results, nil
	}}
	cfg := Config{Backoff: func(env *envelope.Envelope, attempts int) (time.Duration, bool) {
		return time.Millisecond, attempts < 2
	}}
	q := New(store, r, cfg)

	env := envelope.New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	results, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	go func() { _ = q.Run(discardCtx(t)) }()

	waitFor(t, 2*time.Second, func() bool {
		_, err := store.Get(results[0].ID)
		return err != nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seenRecipientSets)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, seenRecipientSets[0])
	for _, set := range seenRecipientSets[1:] {
		assert.Equal(t, []string{"carol@example.com"}, set)
	}
}

// recordingMetrics implements Metrics, recording every call for assertions
// instead of writing into a Prometheus collector.
type recordingMetrics struct {
	mu       sync.Mutex
	depths   []int
	enqueued int
	attempts []string
	bounces  []string
}

func (m *recordingMetrics) SetDepth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths = append(m.depths, n)
}

func (m *recordingMetrics) Enqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued++
}

func (m *recordingMetrics) AttemptResult(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, result)
}

func (m *recordingMetrics) Bounced(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounces = append(m.bounces, reason)
}

func (m *recordingMetrics) snapshot() (depths []int, enqueued int, attempts, bounces []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.depths...), m.enqueued, append([]string(nil), m.attempts...), append([]string(nil), m.bounces...)
}

func TestQueueReportsMetricsOnSuccessfulDelivery(t *testing.T) {
	store := NewMemStorage()
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		return nil, nil
	}}
	m := &recordingMetrics{}
	q := New(store, r, Config{Metrics: m})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	_, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		_, enqueued, attempts, _ := m.snapshot()
		return enqueued == 1 && len(attempts) == 1
	})

	_, enqueued, attempts, _ := m.snapshot()
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, []string{"ok"}, attempts)
}

func TestQueueReportsBounceMetricOnPermanentFailure(t *testing.T) {
	store := NewMemStorage()
	failReply := smtpproto.NewReply("550", "5.1.1 no such user")
	r := &fakeRelay{fn: func(env *envelope.Envelope, attempts int) ([]relay.RecipientResult, error) {
		if env.Sender == "" {
			return nil, nil
		}
		return nil, relay.NewPermanentRelayError("no such user", failReply)
	}}
	m := &recordingMetrics{}
	q := New(store, r, Config{Metrics: m})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	_, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		_, _, _, bounces := m.snapshot()
		return len(bounces) == 1
	})

	_, _, _, bounces := m.snapshot()
	assert.Equal(t, []string{"hard"}, bounces)
}
