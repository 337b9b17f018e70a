package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// taskHash returns a stable content fingerprint for a task definition.
// The reconciler (internal/manager) uses it to tell "unchanged" apart
// from "changed" without a field-by-field diff.
func taskHash(t Task) string {
	// Marshaling a value we control never fails; ignoring the error keeps
	// Hash() usable in map keys and log fields without error plumbing.
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
