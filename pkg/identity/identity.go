// Package identity defines the opaque identifier kinds used across the
// coordination core. Handles, UIDs, swarm IDs and team names are distinct
// types so they cannot be cross-passed at API boundaries.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Handle is a human-readable agent name, unique within a team.
type Handle string

// TeamName is an organizational bucket, orthogonal to swarm membership.
type TeamName string

// SwarmID groups collaborating workers sharing a blackboard.
type SwarmID string

// UID is a 24-hex-char deterministic hash of (team, handle).
type UID string

func (h Handle) String() string   { return string(h) }
func (t TeamName) String() string { return string(t) }
func (s SwarmID) String() string  { return string(s) }
func (u UID) String() string      { return string(u) }

// DeriveUID returns the stable UID for a (team, handle) pair. Identical
// inputs always yield identical UIDs, so agent re-registration is
// idempotent. The mapping is pinned: sha256 over team, a NUL separator,
// and handle, truncated to 24 hex chars.
func DeriveUID(team TeamName, handle Handle) UID {
	sum := sha256.Sum256([]byte(string(team) + "\x00" + string(handle)))
	return UID(hex.EncodeToString(sum[:])[:24])
}
