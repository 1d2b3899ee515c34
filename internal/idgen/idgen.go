// Package idgen mints the random identifiers used across the platform.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randBytes is the entropy per ID; 12 bytes keeps IDs short enough to
// read in logs while making collisions a non-concern.
const randBytes = 12

// WithPrefix returns prefix + 24 hex chars. The prefix names the
// entity kind: ord_ orders, wal_ wallets, esc_ escrow locks, dsp_
// disputes, ent_ journal entries, evt_ events, out_ payouts, ak_/sk_
// API key IDs and secrets.
func WithPrefix(prefix string) string {
	b := make([]byte, randBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
