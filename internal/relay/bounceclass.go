package relay

import (
	"strconv"
	"strings"

	"github.com/slimta/slimta-go/internal/smtpproto"
)

// BounceClass refines the plain permanent/transient split FromReply makes
// with the reason categories an operator cares about when a message dead-
// letters: a 5xx from a full mailbox is worth a different alert than a 5xx
// for an unknown user, and a spam complaint should probably suppress the
// address rather than retry it. Grounded on
// original_source/slimta's use of enhanced status codes for bounce handling,
// adapted here from teacher internal/engine/bounce.go's ClassifyBounce.
type BounceClass string

const (
	BounceHard      BounceClass = "hard"
	BounceSoft      BounceClass = "soft"
	BounceComplaint BounceClass = "complaint"
)

// ClassifyBounceReply inspects an SMTP reply's code and message text and
// returns the BounceClass it represents. Unlike FromReply's strict "5xx is
// permanent" convention (used to decide whether to retry), this is for
// reporting: a 552 over-quota reply is still classified PermanentRelayError
// by FromReply since retrying immediately won't help, but ClassifyBounceReply
// reports it as BounceSoft because the condition is expected to clear.
func ClassifyBounceReply(reply *smtpproto.Reply) BounceClass {
	if reply == nil {
		return BounceHard
	}
	code, _ := strconv.Atoi(reply.Code())
	message := strings.ToLower(reply.Message())

	if containsAny(message, "spam", "unsolicited", "abuse", "complaint", "blocked for spam") {
		return BounceComplaint
	}

	switch {
	case code >= 500 && code < 600:
		if code == 552 && containsAny(message, "quota", "mailbox full", "over quota", "storage") {
			return BounceSoft
		}
		return BounceHard
	case code >= 400 && code < 500:
		return BounceSoft
	default:
		return BounceSoft
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
