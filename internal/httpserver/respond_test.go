package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/forgebay/internal/apierr"
)

func TestRespondAPIError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", apierr.NotFound("run", "R1"), http.StatusNotFound, "not_found"},
		{"conflict", apierr.Conflict("terminal state"), http.StatusConflict, "conflict"},
		{"lease mismatch", apierr.LeaseMismatch("held elsewhere"), http.StatusConflict, "lease_mismatch"},
		{"validation", apierr.Validation("bad field"), http.StatusUnprocessableEntity, "validation"},
		{"unsafe db", apierr.UnsafeDatabaseTarget("postgres"), http.StatusUnprocessableEntity, "unsafe_database_target"},
		{"waiting", apierr.AllocationWaiting("pool saturated"), http.StatusAccepted, "allocation_waiting"},
		{"timeout", apierr.Timeout("deploy step"), http.StatusGatewayTimeout, "timeout"},
		{"driver", apierr.DriverFailed("git", errors.New("exit 1")), http.StatusBadGateway, "driver_failed"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RespondAPIError(w, slog.Default(), tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var body ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("error code = %q, want %q", body.Error, tt.wantCode)
			}
		})
	}
}

func TestRespondAPIError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	RespondAPIError(w, slog.Default(), errors.New("password=hunter2 leaked"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Message != "an internal error occurred" {
		t.Errorf("message = %q, internal detail must not leak", body.Message)
	}
}
