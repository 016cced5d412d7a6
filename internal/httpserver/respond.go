package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/forgebay/internal/apierr"
)

// Respond writes data as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("encoding response body", "error", err)
	}
}

// ErrorResponse is the JSON envelope returned for error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError writes an ErrorResponse with the given status code.
func RespondError(w http.ResponseWriter, status int, errCode, message string) {
	Respond(w, status, ErrorResponse{Error: errCode, Message: message})
}

// apierrStatus maps an apierr.Kind to the HTTP status code the transport
// layer should return for it.
func apierrStatus(kind apierr.Kind) int {
	switch kind {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict, apierr.KindLeaseMismatch:
		return http.StatusConflict
	case apierr.KindValidation, apierr.KindUnsafeDatabaseTarget:
		return http.StatusUnprocessableEntity
	case apierr.KindAllocationWaiting:
		return http.StatusAccepted
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout
	case apierr.KindDriverFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondAPIError inspects err for a wrapped *apierr.Error and writes the
// matching HTTP status and error code. Unrecognized errors are reported as
// internal errors without leaking their detail to the client.
func RespondAPIError(w http.ResponseWriter, logger *slog.Logger, err error) {
	e, ok := apierr.As(err)
	if !ok {
		logger.Error("unhandled internal error", "error", err)
		RespondError(w, http.StatusInternalServerError, string(apierr.KindInternal), "an internal error occurred")
		return
	}

	status := apierrStatus(e.Kind)
	if status == http.StatusInternalServerError {
		logger.Error("internal error", "error", err, "kind", e.Kind)
	}
	RespondError(w, status, string(e.Kind), e.Message)
}
