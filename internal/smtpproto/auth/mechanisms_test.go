package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	challenges []string
	responses  []string
	idx        int
}

func (f *fakeTransport) WriteChallenge(b64 string) error {
	f.challenges = append(f.challenges, b64)
	return nil
}

func (f *fakeTransport) ReadResponse() (string, error) {
	if f.idx >= len(f.responses) {
		return "", errors.New("no more responses")
	}
	r := f.responses[f.idx]
	f.idx++
	return r, nil
}

func TestPlainServerAttemptInline(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	cb := ServerCallbacks{
		VerifySecret: func(authcid, secret, authzid string) (string, bool) {
			return authcid, authcid == "alice" && secret == "secret"
		},
	}
	identity, err := Plain{}.ServerAttempt(&fakeTransport{}, payload, cb)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)
}

func TestPlainServerAttemptBadSecret(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	cb := ServerCallbacks{
		VerifySecret: func(authcid, secret, authzid string) (string, bool) {
			return "", secret == "secret"
		},
	}
	_, err := Plain{}.ServerAttempt(&fakeTransport{}, payload, cb)
	assertAuthCode(t, err, "535")
}

func TestPlainServerAttemptMalformed(t *testing.T) {
	cb := ServerCallbacks{VerifySecret: func(a, s, z string) (string, bool) { return "", true }}
	_, err := Plain{}.ServerAttempt(&fakeTransport{}, "not-base64!!", cb)
	assert.Error(t, err)
}

func TestLoginServerAttemptTwoStep(t *testing.T) {
	ft := &fakeTransport{responses: []string{
		base64.StdEncoding.EncodeToString([]byte("bob")),
		base64.StdEncoding.EncodeToString([]byte("hunter2")),
	}}
	cb := ServerCallbacks{
		VerifySecret: func(authcid, secret, authzid string) (string, bool) {
			return authcid, authcid == "bob" && secret == "hunter2"
		},
	}
	identity, err := Login{}.ServerAttempt(ft, "", cb)
	require.NoError(t, err)
	assert.Equal(t, "bob", identity)
	require.Len(t, ft.challenges, 2)
}

func TestCramMD5ServerAttempt(t *testing.T) {
	challenge := "<1234.test@mx.example.com>"
	secret := "hunter2"
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	digest := hex.EncodeToString(mac.Sum(nil))
	resp := base64.StdEncoding.EncodeToString([]byte("carol " + digest))

	ft := &fakeTransport{responses: []string{resp}}
	mech := CramMD5{NewChallenge: func() string { return challenge }}
	cb := ServerCallbacks{
		GetSecret: func(authcid, authzid string) (string, bool) {
			require.Equal(t, "carol", authcid)
			return secret, true
		},
	}
	identity, err := mech.ServerAttempt(ft, "", cb)
	require.NoError(t, err)
	assert.Equal(t, "carol", identity)
}

func TestCramMD5ServerAttemptBadDigest(t *testing.T) {
	challenge := "<1234.test@mx.example.com>"
	resp := base64.StdEncoding.EncodeToString([]byte("carol deadbeef"))
	ft := &fakeTransport{responses: []string{resp}}
	mech := CramMD5{NewChallenge: func() string { return challenge }}
	cb := ServerCallbacks{GetSecret: func(a, z string) (string, bool) { return "hunter2", true }}
	_, err := mech.ServerAttempt(ft, "", cb)
	assertAuthCode(t, err, "535")
}

func TestAuthenticationCanceled(t *testing.T) {
	ft := &fakeTransport{responses: []string{"*"}}
	cb := ServerCallbacks{VerifySecret: func(a, s, z string) (string, bool) { return "", true }}
	_, err := Plain{}.ServerAttempt(ft, "", cb)
	assertAuthCode(t, err, "501")
}

func assertAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	var ae *ServerAuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, code, ae.Code)
}
