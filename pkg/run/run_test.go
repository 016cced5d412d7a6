package run

import "testing"

func TestIsAllowedTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusPlanning, true},
		{StatusQueued, StatusMerged, false},
		{StatusApproved, StatusMerging, true},
		{StatusMerging, StatusDeploying, true},
		{StatusMerging, StatusExpired, false},
		{StatusDeploying, StatusMerged, true},
		{StatusMerged, StatusQueued, false},
	}
	for _, tt := range tests {
		if got := IsAllowedTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsAllowedTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminalStates := []Status{StatusMerged, StatusFailed, StatusCanceled, StatusExpired}
	for _, s := range terminalStates {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	nonTerminal := []Status{StatusQueued, StatusPlanning, StatusEditing, StatusApproved}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestIsValidFailureReason(t *testing.T) {
	if !IsValidFailureReason(ReasonDeployPushFailed) {
		t.Error("expected DEPLOY_PUSH_FAILED to be valid")
	}
	if IsValidFailureReason(FailureReason("NOT_A_REAL_REASON")) {
		t.Error("expected unknown reason to be invalid")
	}
}

func TestContract(t *testing.T) {
	contract := Contract()
	if len(contract) == 0 {
		t.Fatal("expected non-empty contract")
	}
	if _, ok := contract[StatusQueued]; !ok {
		t.Error("expected queued to appear in contract")
	}
}
