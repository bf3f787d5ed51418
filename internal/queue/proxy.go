package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/relay"
)

// ProxyQueue implements the same Enqueue contract as Queue but never
// touches storage: each call attempts delivery immediately on the calling
// goroutine and reports the outcome synchronously. An Edge enqueuing
// through a ProxyQueue blocks the client's SMTP session on the relay
// attempt completing rather than trusting store-and-forward delivery.
// Grounded on slimta.queue.proxy.ProxyQueue.
type ProxyQueue struct {
	rel relay.Relay
}

// NewProxyQueue returns a ProxyQueue that attempts delivery through rel.
func NewProxyQueue(rel relay.Relay) *ProxyQueue {
	return &ProxyQueue{rel: rel}
}

// Enqueue attempts env immediately, returning a single EnqueueResult: the
// relay error on failure, or a freshly generated id on success. Unlike
// Queue.Enqueue it never runs policies, since a proxied message has no
// retry state for a split envelope to track separately.
func (p *ProxyQueue) Enqueue(ctx context.Context, env *envelope.Envelope) ([]EnqueueResult, error) {
	if _, err := p.rel.Attempt(ctx, env, 0); err != nil {
		return []EnqueueResult{{Envelope: env, Err: err}}, nil
	}
	return []EnqueueResult{{Envelope: env, ID: uuid.New().String()}}, nil
}
