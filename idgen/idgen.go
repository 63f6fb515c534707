// Package idgen provides pluggable ID generation.
//
// Constructors that mint identifiers (trace ids, event ids, tab ids) accept a
// Generator, so tests can substitute a deterministic sequence.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Hex returns a Generator of lower-case hex strings encoding n random bytes.
func Hex(n int) Generator {
	return func() string {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		return hex.EncodeToString(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7: time-sortable and globally unique.
var Default Generator = UUIDv7()

// TraceID mints backend correlation ids of the form pdp-<16 hex>.
var TraceID Generator = Prefixed("pdp-", Hex(8))

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
