package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// BridgeRequestError is a rejected HTTP request. It never changes the job;
// the status and reason go back to the caller.
type BridgeRequestError struct {
	Status int
	Reason string
	Err    error
}

func (e *BridgeRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Reason)
}

func (e *BridgeRequestError) Unwrap() error { return e.Err }

func badRequest(reason string, err error) *BridgeRequestError {
	return &BridgeRequestError{Status: http.StatusBadRequest, Reason: reason, Err: err}
}

// ErrorResponse is the body of every non-2xx response from the command
// endpoint
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
	ID     string `json:"id,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var berr *BridgeRequestError
	if !errors.As(err, &berr) {
		berr = &BridgeRequestError{Status: http.StatusInternalServerError, Reason: "internal error", Err: err}
	}
	writeJSON(w, berr.Status, ErrorResponse{Error: berr.Reason, Status: "rejected"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
