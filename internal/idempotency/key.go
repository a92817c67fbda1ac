// Package idempotency provides the operation key used to apply a ledger
// mutation at most once, and its Postgres storage.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/verdictmarket/backend/internal/apperr"
)

const maxKeyLen = 128

// SystemPrefix marks keys the services derive for themselves. Callers cannot
// submit keys in this namespace, so a client key never collides with a
// settlement or a compensation.
const SystemPrefix = "sys:"

var (
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9_:.\-]{1,128}$`)
	unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
)

// Key identifies one logical mutation. Replaying a Key returns the first
// result without touching balances.
type Key string

func (k Key) String() string { return string(k) }

// Parse validates a caller supplied key.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if !keyPattern.MatchString(s) {
		return "", apperr.Validation("idempotency.parse", "idempotency key must be 1-%d characters of [A-Za-z0-9_:.-]", maxKeyLen)
	}
	return Key(s), nil
}

// ParseClient validates a key supplied over the API or CLI and rejects the
// system namespace.
func ParseClient(s string) (Key, error) {
	k, err := Parse(s)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(string(k), SystemPrefix) {
		return "", apperr.Validation("idempotency.parse", "idempotency key must not start with %q", SystemPrefix)
	}
	return k, nil
}

// Derive builds a stable key from a scope and its identifying parts, e.g.
// Derive("deduct", submissionID). Parts are sanitised and joined with ':'
// behind SystemPrefix; keys that would exceed the length limit are hashed.
func Derive(scope string, parts ...string) Key {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, unsafeKeyChars.ReplaceAllString(scope, "_"))
	for _, p := range parts {
		clean = append(clean, unsafeKeyChars.ReplaceAllString(p, "_"))
	}
	k := SystemPrefix + strings.Join(clean, ":")
	if len(k) <= maxKeyLen {
		return Key(k)
	}
	sum := sha256.Sum256([]byte(strings.Join(append([]string{scope}, parts...), "\x00")))
	return Key(SystemPrefix + clean[0] + ":" + hex.EncodeToString(sum[:]))
}

// ForPayment is the key every settlement path uses for a provider payment, so
// a webhook and a reconciliation fix for the same charge collapse into one.
func ForPayment(providerID string) Key {
	return Derive("payment", providerID)
}
