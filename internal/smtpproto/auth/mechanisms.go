package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Plain implements SASL PLAIN (RFC 4616). Not secure on cleartext; needs
// only the ability to verify a plaintext secret.
type Plain struct{}

func (Plain) Name() string { return "PLAIN" }
func (Plain) Secure() bool { return false }

func (Plain) ServerAttempt(t Transport, initial string, cb ServerCallbacks) (string, error) {
	resp := initial
	if resp == "" {
		if err := t.WriteChallenge(""); err != nil {
			return "", err
		}
		line, err := t.ReadResponse()
		if err != nil {
			return "", err
		}
		if line == "*" {
			return "", AuthenticationCanceled()
		}
		resp = line
	}
	raw, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		return "", invalidArgument("PLAIN")
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", invalidArgument("PLAIN")
	}
	authzid, authcid, secret := parts[0], parts[1], parts[2]
	identity, ok := cb.VerifySecret(authcid, secret, authzid)
	if !ok {
		return "", CredentialsInvalidError()
	}
	return identity, nil
}

func (Plain) ClientAttempt(t ClientTransport, authcid, secret, authzid string) (string, string, error) {
	payload := fmt.Sprintf("%s\x00%s\x00%s", authzid, authcid, secret)
	line := base64.StdEncoding.EncodeToString([]byte(payload))
	if err := t.WriteLine(line); err != nil {
		return "", "", err
	}
	return t.ReadChallenge()
}

// Login implements SASL LOGIN via "Username:"/"Password:" base64
// challenges. Not secure on cleartext.
type Login struct{}

func (Login) Name() string { return "LOGIN" }
func (Login) Secure() bool { return false }

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func unb64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (Login) ServerAttempt(t Transport, initial string, cb ServerCallbacks) (string, error) {
	authcid := initial
	if authcid == "" {
		if err := t.WriteChallenge(b64("Username:")); err != nil {
			return "", err
		}
		line, err := t.ReadResponse()
		if err != nil {
			return "", err
		}
		if line == "*" {
			return "", AuthenticationCanceled()
		}
		authcid = line
	}
	decodedUser, err := unb64(authcid)
	if err != nil {
		return "", invalidArgument("LOGIN")
	}

	if err := t.WriteChallenge(b64("Password:")); err != nil {
		return "", err
	}
	passLine, err := t.ReadResponse()
	if err != nil {
		return "", err
	}
	if passLine == "*" {
		return "", AuthenticationCanceled()
	}
	secret, err := unb64(passLine)
	if err != nil {
		return "", invalidArgument("LOGIN")
	}

	identity, ok := cb.VerifySecret(decodedUser, secret, "")
	if !ok {
		return "", CredentialsInvalidError()
	}
	return identity, nil
}

func (Login) ClientAttempt(t ClientTransport, authcid, secret, authzid string) (string, string, error) {
	if err := t.WriteLine(b64(authcid)); err != nil {
		return "", "", err
	}
	code, _, err := t.ReadChallenge()
	if err != nil {
		return "", "", err
	}
	if code != "334" {
		return code, "", nil
	}
	if err := t.WriteLine(b64(secret)); err != nil {
		return "", "", err
	}
	return t.ReadChallenge()
}

// CramMD5 implements SASL CRAM-MD5 (RFC 2195). Secure on cleartext; needs
// the plaintext secret server-side to compute the expected digest.
type CramMD5 struct {
	// NewChallenge produces the server challenge text (without base64
	// encoding), normally "<rand.timestamp@hostname>". Exposed for tests.
	NewChallenge func() string
}

func (CramMD5) Name() string { return "CRAM-MD5" }
func (CramMD5) Secure() bool { return true }

func (m CramMD5) ServerAttempt(t Transport, initial string, cb ServerCallbacks) (string, error) {
	challenge := m.NewChallenge()
	if err := t.WriteChallenge(b64(challenge)); err != nil {
		return "", err
	}
	line, err := t.ReadResponse()
	if err != nil {
		return "", err
	}
	if line == "*" {
		return "", AuthenticationCanceled()
	}
	decoded, err := unb64(line)
	if err != nil {
		return "", invalidArgument("CRAM-MD5")
	}
	parts := strings.SplitN(decoded, " ", 2)
	if len(parts) != 2 {
		return "", invalidArgument("CRAM-MD5")
	}
	authcid, digest := parts[0], parts[1]

	secret, ok := cb.GetSecret(authcid, "")
	if !ok {
		return "", CredentialsInvalidError()
	}
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return "", CredentialsInvalidError()
	}
	return authcid, nil
}

func (CramMD5) ClientAttempt(t ClientTransport, authcid, secret, authzid string) (string, string, error) {
	code, message, err := t.ReadChallenge()
	if err != nil {
		return "", "", err
	}
	if code != "334" {
		return code, message, nil
	}
	challenge, err := unb64(message)
	if err != nil {
		return "", "", invalidArgument("CRAM-MD5")
	}
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	digest := hex.EncodeToString(mac.Sum(nil))
	resp := authcid + " " + digest
	if err := t.WriteLine(b64(resp)); err != nil {
		return "", "", err
	}
	return t.ReadChallenge()
}

// StandardMechanisms returns the default server-side mechanism registry,
// in the order slimta.smtp.auth.standard.standard_mechanisms advertises
// them.
func StandardMechanisms(newChallenge func() string) []ServerMechanism {
	return []ServerMechanism{
		CramMD5{NewChallenge: newChallenge},
		Plain{},
		Login{},
	}
}
