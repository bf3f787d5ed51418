// Package relay implements the egress side of message delivery: given an
// envelope, attempt to hand it off to its next hop and report per-recipient
// success or failure. Grounded on original_source/slimta/relay/__init__.py.
package relay

import (
	"context"
	"fmt"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/policy"
	"github.com/slimta/slimta-go/internal/smtpproto"
)

// RelayError is the base type for errors returned by a Relay's Attempt.
// Errors built by NewPermanentRelayError, NewTransientRelayError and
// FromReply always carry a Reply describing the failure in SMTP terms,
// mirroring slimta.relay.RelayError carrying self.reply; a RelayError
// built directly as a struct literal may leave Reply nil.
type RelayError struct {
	Msg   string
	Reply *smtpproto.Reply
}

func (e *RelayError) Error() string { return e.Msg }

func newRelayError(msg, defaultCode, defaultESC string) *RelayError {
	reply := smtpproto.NewReply(defaultCode, defaultESC+" "+msg)
	return &RelayError{Msg: msg, Reply: reply}
}

// PermanentRelayError indicates delivery will never succeed no matter how
// many times it is retried.
type PermanentRelayError struct{ *RelayError }

// Unwrap exposes the embedded RelayError to errors.As/errors.Is callers
// that only care about the Reply, not the permanent/transient distinction.
func (e *PermanentRelayError) Unwrap() error { return e.RelayError }

// NewPermanentRelayError builds a PermanentRelayError defaulting to a 550
// reply unless reply is non-nil.
func NewPermanentRelayError(msg string, reply *smtpproto.Reply) *PermanentRelayError {
	re := newRelayError(msg, "550", "5.0.0")
	if reply != nil {
		re.Reply = reply
	}
	return &PermanentRelayError{re}
}

// TransientRelayError indicates delivery may succeed if retried later.
type TransientRelayError struct{ *RelayError }

// Unwrap exposes the embedded RelayError to errors.As/errors.Is callers
// that only care about the Reply, not the permanent/transient distinction.
func (e *TransientRelayError) Unwrap() error { return e.RelayError }

// NewTransientRelayError builds a TransientRelayError defaulting to a 450
// reply unless reply is non-nil.
func NewTransientRelayError(msg string, reply *smtpproto.Reply) *TransientRelayError {
	re := newRelayError(msg, "450", "4.0.0")
	if reply != nil {
		re.Reply = reply
	}
	return &TransientRelayError{re}
}

// FromReply classifies an SMTP Reply into a Permanent or Transient relay
// error, using the standard "5xx is permanent" SMTP convention. Grounded on
// SmtpRelayError.factory in original_source/slimta/relay/smtp/__init__.py.
func FromReply(command string, reply *smtpproto.Reply) error {
	msg := fmt.Sprintf("failure on %s: %s", command, reply.String())
	if len(reply.Code()) > 0 && reply.Code()[0] == '5' {
		return NewPermanentRelayError(msg, reply)
	}
	return NewTransientRelayError(msg, reply)
}

// RecipientResult holds the per-recipient outcome of a relay attempt. Err
// is nil for a successfully delivered recipient, or a *PermanentRelayError
// / *TransientRelayError for a failed one. Index is the recipient's
// position within the Envelope.Recipients slice passed to Attempt, not a
// position in the original enqueued envelope: callers that need the
// original recipient identity (to handle duplicate addresses correctly)
// must translate Index back themselves, since Attempt only ever sees the
// recipients it was asked to deliver to.
type RecipientResult struct {
	Recipient string
	Index     int
	Err       error
}

// Relay is implemented by objects that can attempt delivery of an envelope.
// Attempt may return a single error applying to every recipient, or a
// non-nil per-recipient slice (one RecipientResult per envelope recipient,
// in the same order as env.Recipients, with Index set to that position)
// when the underlying protocol reports results individually (as LMTP
// does). Grounded on original_source/slimta/relay/__init__.py's Relay.
type Relay interface {
	Attempt(ctx context.Context, env *envelope.Envelope, attempts int) ([]RecipientResult, error)
}

// PoolStater is implemented by relays backed by a cached connection pool
// that can report how many of those connections are currently checked out,
// satisfied by StaticSmtpRelay and MxSmtpRelay. A caller samples InFlight
// on an interval to drive the relay pool in-flight gauge; relays that
// don't pool connections simply don't implement it.
type PoolStater interface {
	InFlight() int
}

// Base provides the relay policy machinery shared by relay implementations:
// a chain of RelayPolicy objects run against the envelope immediately
// before every delivery attempt. Embed it and call RunPolicies from
// Attempt.
type Base struct {
	Policies []policy.RelayPolicy
}

// AddPolicy registers a RelayPolicy to run before every delivery attempt.
func (b *Base) AddPolicy(p policy.RelayPolicy) {
	b.Policies = append(b.Policies, p)
}

// RunPolicies executes the registered RelayPolicy chain against env.
func (b *Base) RunPolicies(env *envelope.Envelope) error {
	return policy.RunRelayPolicies(b.Policies, env)
}
