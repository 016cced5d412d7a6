package slot

import (
	"testing"
	"time"
)

func leaseAt(id string, state LeaseState, expiresIn time.Duration, now time.Time) Lease {
	l := Lease{SlotID: id, LeaseState: state}
	if state == LeaseStateLeased {
		exp := now.Add(expiresIn)
		l.ExpiresAt = &exp
		runID := "run-" + id
		l.RunID = &runID
	}
	return l
}

func TestLease_IsFree(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		l    Lease
		want bool
	}{
		{"released", leaseAt("a", LeaseStateReleased, 0, now), true},
		{"expired state", leaseAt("a", LeaseStateExpired, 0, now), true},
		{"leased not yet expired", leaseAt("a", LeaseStateLeased, time.Hour, now), false},
		{"leased past expiry", leaseAt("a", LeaseStateLeased, -time.Hour, now), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.l.IsFree(now); got != tt.want {
				t.Errorf("IsFree() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectFree_FirstFit(t *testing.T) {
	now := time.Now()
	leases := []Lease{
		leaseAt("slot-1", LeaseStateLeased, time.Hour, now),
		leaseAt("slot-2", LeaseStateReleased, 0, now),
		leaseAt("slot-3", LeaseStateReleased, 0, now),
	}

	got, ok := selectFree(leases, now)
	if !ok {
		t.Fatal("expected a free slot")
	}
	if got.SlotID != "slot-2" {
		t.Errorf("selected %q, want slot-2 (first free in configured order)", got.SlotID)
	}
}

func TestSelectFree_NoneFree(t *testing.T) {
	now := time.Now()
	leases := []Lease{
		leaseAt("slot-1", LeaseStateLeased, time.Hour, now),
		leaseAt("slot-2", LeaseStateLeased, time.Hour, now),
	}

	_, ok := selectFree(leases, now)
	if ok {
		t.Error("expected no free slot")
	}
}

func TestSelectFree_ExpiredLeaseIsSelectable(t *testing.T) {
	now := time.Now()
	leases := []Lease{
		leaseAt("slot-1", LeaseStateLeased, -time.Minute, now),
		leaseAt("slot-2", LeaseStateLeased, time.Hour, now),
	}

	got, ok := selectFree(leases, now)
	if !ok {
		t.Fatal("expected slot-1's stale lease to be selectable")
	}
	if got.SlotID != "slot-1" {
		t.Errorf("selected %q, want slot-1", got.SlotID)
	}
}

func TestOccupiedSlotIDs(t *testing.T) {
	now := time.Now()
	leases := []Lease{
		leaseAt("slot-1", LeaseStateLeased, time.Hour, now),
		leaseAt("slot-2", LeaseStateReleased, 0, now),
		leaseAt("slot-3", LeaseStateLeased, time.Hour, now),
	}

	got := occupiedSlotIDs(leases, now)
	want := []string{"slot-1", "slot-3"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOccupiedSlotIDs_AllFree(t *testing.T) {
	now := time.Now()
	leases := []Lease{
		leaseAt("slot-1", LeaseStateReleased, 0, now),
		leaseAt("slot-2", LeaseStateExpired, 0, now),
	}

	got := occupiedSlotIDs(leases, now)
	if len(got) != 0 {
		t.Errorf("expected no occupied slots, got %v", got)
	}
}
