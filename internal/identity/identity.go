// Package identity generates the 16-byte site identifiers and general
// UUIDs the engine needs, per spec.md §3 "Site identity" and §6 uuid().
// UUID v7 generation is treated as the black-box primitive spec.md §1 calls
// out; github.com/google/uuid is the concrete generator.
package identity

import "github.com/google/uuid"

// NewSiteID generates a fresh 16-byte site identifier. UUID v7 is
// recommended by spec so that site ids sort roughly by creation time,
// which is convenient for debugging the site-id dictionary but is not
// otherwise load-bearing for merge correctness.
func NewSiteID() ([16]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(id), nil
}

// NewUUIDText generates a random UUID (v4) formatted as text, backing the
// uuid() SQL function exposed to the host layer (§6).
func NewUUIDText() string {
	return uuid.NewString()
}

// ParseSiteID validates a 16-byte blob as a site id, returning it as-is.
func ParseSiteID(b []byte) ([16]byte, bool) {
	var out [16]byte
	if len(b) != 16 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}
