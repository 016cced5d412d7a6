// Package slot implements the Slot Lease Manager: atomic acquisition,
// heartbeat, release, and TTL-based reaping of a fixed, configured pool of
// preview slots.
package slot

import "time"

// LeaseState is the state of a single slot's lease.
type LeaseState string

const (
	LeaseStateLeased   LeaseState = "leased"
	LeaseStateReleased LeaseState = "released"
	LeaseStateExpired  LeaseState = "expired"
)

// Lease is one row of the fixed slot set, cycled in place as runs acquire
// and release it.
type Lease struct {
	SlotID      string     `json:"slot_id"`
	RunID       *string    `json:"run_id,omitempty"`
	LeaseState  LeaseState `json:"lease_state"`
	LeasedAt    *time.Time `json:"leased_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// IsFree reports whether a lease is available for acquisition: either never
// leased/released, or leased but past its expiry (to be reaped on sight).
func (l Lease) IsFree(now time.Time) bool {
	if l.LeaseState != LeaseStateLeased {
		return true
	}
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// selectFree scans leases in configured slot order and returns the first
// free one. It is a pure function so the first-fit selection policy can be
// unit tested without a database.
func selectFree(leases []Lease, now time.Time) (Lease, bool) {
	for _, l := range leases {
		if l.IsFree(now) {
			return l, true
		}
	}
	return Lease{}, false
}

// occupiedSlotIDs returns the slot IDs of every currently-leased (non-free)
// lease, in configured order, for the WAITING_FOR_SLOT response payload.
func occupiedSlotIDs(leases []Lease, now time.Time) []string {
	occupied := make([]string, 0, len(leases))
	for _, l := range leases {
		if !l.IsFree(now) {
			occupied = append(occupied, l.SlotID)
		}
	}
	return occupied
}
