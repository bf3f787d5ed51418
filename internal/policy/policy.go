// Package policy implements the pluggable transformations applied to an
// envelope before it is queued (QueuePolicy) or before a relay attempt
// (RelayPolicy). Grounded on original_source/slimta/policy/__init__.py.
package policy

import "github.com/slimta/slimta-go/internal/envelope"

// QueuePolicy inspects or transforms an envelope as it enters the queue.
// Apply may return a non-nil slice of replacement envelopes (e.g. to split
// one multi-recipient envelope into several single-recipient ones); a nil
// slice with a nil error means the original envelope is queued unchanged.
type QueuePolicy interface {
	Apply(env *envelope.Envelope) ([]*envelope.Envelope, error)
}

// RelayPolicy mutates an envelope in place immediately before a relay
// attempt. Unlike QueuePolicy it has no persisted effect on what is
// stored in the queue; it runs fresh on every attempt.
type RelayPolicy interface {
	Apply(env *envelope.Envelope) error
}

// Chain runs a sequence of QueuePolicy instances over an initial batch of
// envelopes, feeding each policy's output as the next policy's input.
func Chain(policies []QueuePolicy, envs []*envelope.Envelope) ([]*envelope.Envelope, error) {
	current := envs
	for _, p := range policies {
		var next []*envelope.Envelope
		for _, env := range current {
			replacements, err := p.Apply(env)
			if err != nil {
				return nil, err
			}
			if replacements == nil {
				next = append(next, env)
			} else {
				next = append(next, replacements...)
			}
		}
		current = next
	}
	return current, nil
}

// RunRelayPolicies applies each RelayPolicy to env in order, stopping and
// returning the first error encountered.
func RunRelayPolicies(policies []RelayPolicy, env *envelope.Envelope) error {
	for _, p := range policies {
		if err := p.Apply(env); err != nil {
			return err
		}
	}
	return nil
}
