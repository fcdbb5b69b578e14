// Package token issues and verifies bearer credentials for runners and
// tasks. A credential is generated once, handed to the caller raw exactly
// once, and persisted only as a one-way hash plus a displayable suffix.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// rawBytes gives 256 bits of entropy before hashing.
const rawBytes = 32

// Credential is the result of issuing a token. Raw must not be stored or
// logged; LastEight is safe to display so a holder can confirm which token
// they have without re-exposing it.
type Credential struct {
	Raw       string
	Hash      string
	LastEight string
}

// Issue generates a new bearer credential.
func Issue() (Credential, error) {
	var buf [rawBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Credential{}, err
	}
	raw := hex.EncodeToString(buf[:])
	return Credential{
		Raw:       raw,
		Hash:      Hash(raw),
		LastEight: LastEight(raw),
	}, nil
}

// Hash derives the stored one-way hash of a raw token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// LastEight returns the displayable suffix of a raw token.
func LastEight(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[len(raw)-8:]
}

// HashesEqual compares two token hashes in constant time.
func HashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
