// Package handlers provides the HTTP handlers of the pharmacy API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var statusByKind = map[string]int{
	"NotFound":           http.StatusNotFound,
	"LineNotFound":       http.StatusNotFound,
	"InvalidDraft":       http.StatusUnprocessableEntity,
	"InvalidQuantity":    http.StatusUnprocessableEntity,
	"MissingNotes":       http.StatusUnprocessableEntity,
	"AlreadyValidated":   http.StatusConflict,
	"NotApproved":        http.StatusConflict,
	"AlreadyFulfilled":   http.StatusConflict,
	"ExceedsPrescribed":  http.StatusConflict,
	"InsufficientStock":  http.StatusConflict,
	"StorageUnavailable": http.StatusServiceUnavailable,
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByKind[domain.Kind(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusFor(err)
	kind := domain.Kind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("unexpected error", zap.Error(err))
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: "BadRequest"})
}

// decode reads a JSON body. An empty body leaves v untouched when optional.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
