package auth

import (
	"encoding/base64"
	"fmt"
)

// XOAuth2 implements the client-only XOAUTH2 mechanism (Google's OAuth2
// SASL bridge), grounded on slimta.smtp.auth.oauth.OAuth2. There is no
// server-side implementation: verifying a bearer token against an OAuth2
// provider is a credential-store concern out of scope per the
// specification's non-goals.
type XOAuth2 struct{}

func (XOAuth2) Name() string { return "XOAUTH2" }
func (XOAuth2) Secure() bool { return false }

func (XOAuth2) ClientAttempt(t ClientTransport, authcid, secret, authzid string) (string, string, error) {
	response := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", authcid, secret)
	line := base64.StdEncoding.EncodeToString([]byte(response))
	if err := t.WriteLine(line); err != nil {
		return "", "", err
	}
	code, message, err := t.ReadChallenge()
	if err != nil {
		return "", "", err
	}
	if code == "334" {
		// The interim carries a JSON error payload; send an empty line to
		// retrieve the final error reply.
		if err := t.WriteLine(""); err != nil {
			return "", "", err
		}
		return t.ReadChallenge()
	}
	return code, message, nil
}
