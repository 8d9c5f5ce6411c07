package auth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// PendingLogin is the per-attempt secret material of an OAuth redirect.
type PendingLogin struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
}

// NewPendingLogin generates fresh state, nonce and PKCE verifier values.
func NewPendingLogin() (PendingLogin, error) {
	state, err := generateNonce()
	if err != nil {
		return PendingLogin{}, err
	}
	nonce, err := generateNonce()
	if err != nil {
		return PendingLogin{}, err
	}
	return PendingLogin{
		State:    state,
		Nonce:    nonce,
		Verifier: oauth2.GenerateVerifier(),
	}, nil
}

// Challenge returns the S256 PKCE challenge for the pending verifier.
func (p PendingLogin) Challenge() string {
	return oauth2.S256ChallengeFromVerifier(p.Verifier)
}

func generateNonce() (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(random), nil
}
