// Package auth implements the SASL mechanisms used by the SMTP server and
// client AUTH command: PLAIN, LOGIN, CRAM-MD5 and XOAUTH2. It is grounded
// on slimta.smtp.auth.{__init__,standard,oauth}.py. It has no dependency on
// package smtpproto to avoid an import cycle (smtpproto/server.go imports
// this package to drive the AUTH command); callers translate between this
// package's plain string/error vocabulary and smtpproto.Reply.
package auth

import "fmt"

// ServerAuthError carries the SMTP reply a failed/canceled authentication
// attempt should produce.
type ServerAuthError struct {
	Code    string
	Message string
}

func (e *ServerAuthError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

func newServerAuthError(code, message string) *ServerAuthError {
	return &ServerAuthError{Code: code, Message: message}
}

// InvalidMechanismError is returned when the client names an unsupported
// or disallowed (e.g. insecure-on-cleartext) mechanism.
func InvalidMechanismError() *ServerAuthError {
	return newServerAuthError("504", "5.5.4 Invalid authentication mechanism")
}

// AuthenticationCanceled is returned when the client sends "*" at any
// challenge/response step.
func AuthenticationCanceled() *ServerAuthError {
	return newServerAuthError("501", "5.7.0 Authentication canceled by client")
}

// CredentialsInvalidError is returned when verification of supplied
// credentials fails.
func CredentialsInvalidError() *ServerAuthError {
	return newServerAuthError("535", "5.7.8 Authentication credentials invalid")
}

// invalidArgument is returned for malformed base64 or missing fields in a
// mechanism's wire format.
func invalidArgument(mech string) *ServerAuthError {
	return newServerAuthError("501", fmt.Sprintf("5.5.2 Invalid %s argument", mech))
}

// Transport is the narrow server-side channel a ServerMechanism needs: it
// can emit a base64-encoded interim challenge and read the client's raw
// response line back.
type Transport interface {
	// WriteChallenge sends a "334 <b64>" interim reply and flushes it.
	WriteChallenge(b64 string) error
	// ReadResponse reads one line of client input (still base64-encoded,
	// or the literal "*" cancellation token).
	ReadResponse() (string, error)
}

// ClientTransport is the narrow client-side channel a ClientMechanism
// needs to drive its half of the exchange.
type ClientTransport interface {
	// WriteLine sends a raw continuation line (base64 payload).
	WriteLine(line string) error
	// ReadChallenge reads the next server reply, returning its code and
	// message body (without the code). A "334" code means more exchange
	// is expected; any other code is final.
	ReadChallenge() (code, message string, err error)
}

// ServerCallbacks supplies the credential hooks a ServerMechanism needs.
// VerifySecret is used by mechanisms that receive the plaintext secret
// from the wire (PLAIN, LOGIN). GetSecret is used by mechanisms that must
// compute a challenge response locally to compare against the client's
// (CRAM-MD5).
type ServerCallbacks struct {
	VerifySecret func(authcid, secret, authzid string) (identity string, ok bool)
	GetSecret    func(authcid, authzid string) (secret string, ok bool)
}

// Mechanism describes a SASL mechanism's name and whether it is considered
// secure to offer over a cleartext (non-TLS) connection.
type Mechanism interface {
	Name() string
	Secure() bool
}

// ServerMechanism implements the server half of a mechanism.
type ServerMechanism interface {
	Mechanism
	// ServerAttempt drives the exchange. initialResponse is the base64
	// payload supplied inline with the AUTH command, if any ("" if none).
	// It returns the authenticated identity on success.
	ServerAttempt(t Transport, initialResponse string, cb ServerCallbacks) (identity string, err error)
}

// ClientMechanism implements the client half of a mechanism.
type ClientMechanism interface {
	Mechanism
	// ClientAttempt drives the exchange and returns the final reply code
	// and message (e.g. "235", "Authentication successful").
	ClientAttempt(t ClientTransport, authcid, secret, authzid string) (code, message string, err error)
}
