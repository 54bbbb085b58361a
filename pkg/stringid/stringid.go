// Package stringid generates and validates the random string identifiers
// used for sessions, credential records and transfer progress.
package stringid

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// SIDLength is the length of a session identifier.
const SIDLength = 33

const sidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateSID returns a new random session identifier: SIDLength characters
// drawn from [A-Za-z0-9].
func GenerateSID() string {
	var sb strings.Builder
	sb.Grow(SIDLength)
	buf := make([]byte, 64)
	for sb.Len() < SIDLength {
		if _, err := cryptorand.Read(buf); err != nil {
			panic(err) // the platform random source is gone
		}
		for _, b := range buf {
			// Reject bytes outside the largest multiple of the alphabet
			// size so every character is equally likely.
			if b >= byte(len(sidAlphabet))*4 {
				continue
			}
			sb.WriteByte(sidAlphabet[int(b)%len(sidAlphabet)])
			if sb.Len() == SIDLength {
				break
			}
		}
	}
	return sb.String()
}

// IsValidSID reports whether id has the shape of a generated session
// identifier.
func IsValidSID(id string) bool {
	if len(id) != SIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// GenerateID returns a unique 32-character hex identifier. IDs sort roughly
// by creation time.
func GenerateID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// HexToken returns a random 32-character hex string for use as an
// authentication token.
func HexToken() string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(err) // the platform random source is gone
	}
	return hex.EncodeToString(buf)
}
