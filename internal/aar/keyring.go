// Package aar folds a completed session and its audit trail into a
// signed, independently verifiable after-action report.
package aar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"tabletop/internal/domain"
)

// Keyring stores HMAC signing keys and the active key id. Old keys stay
// on the ring so historical reports remain verifiable after rotation.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
	Now         func() time.Time
}

// NewKeyring constructs a keyring for AAR signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("signing keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active signing key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active signing key id is not configured")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID, Now: time.Now}, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

func (k *Keyring) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// Sign hashes the canonical form of the content and MACs that hash with
// the active key. GeneratedAt sits outside the hashed payload.
func (k *Keyring) Sign(content domain.AARContent) (domain.AARSignature, error) {
	if k == nil {
		return domain.AARSignature{}, fmt.Errorf("signing keyring is not configured")
	}
	canonical, err := Canonical(content)
	if err != nil {
		return domain.AARSignature{}, err
	}
	contentHash := sha256Hex(canonical)
	key := k.keys[k.activeKeyID]
	return domain.AARSignature{
		ContentHash:  contentHash,
		SignedHash:   hmacSHA256Hex(key, contentHash),
		SigningKeyID: k.activeKeyID,
		GeneratedAt:  domain.RFC3339(k.now()),
	}, nil
}

// Verify recomputes both hashes and reports whether the content matches
// the signature. Tampering and unknown keys are a false return, never an
// error: callers can distinguish "invalid" from "system failure".
func (k *Keyring) Verify(content domain.AARContent, sig domain.AARSignature) bool {
	if k == nil {
		return false
	}
	key, ok := k.keys[sig.SigningKeyID]
	if !ok {
		return false
	}
	canonical, err := Canonical(content)
	if err != nil {
		return false
	}
	contentHash := sha256Hex(canonical)
	if !hmac.Equal([]byte(contentHash), []byte(sig.ContentHash)) {
		return false
	}
	expected := hmacSHA256Hex(key, contentHash)
	if !hmac.Equal([]byte(expected), []byte(sig.SignedHash)) {
		return false
	}
	// A MAC equal to its input means the keyed step never ran.
	return sig.SignedHash != sig.ContentHash
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256Hex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
