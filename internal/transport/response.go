// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/rcmflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:     http.StatusConflict,
	model.ErrInternalError:         http.StatusInternalServerError,
	model.ErrTemplateNotFound:      http.StatusNotFound,
	model.ErrTemplateIntegrity:     http.StatusUnprocessableEntity,
	model.ErrInstanceNotFound:      http.StatusNotFound,
	model.ErrStepNotActive:         http.StatusConflict,
	model.ErrInsufficientRole:      http.StatusForbidden,
	model.ErrStepRequired:          http.StatusUnprocessableEntity,
	model.ErrInstanceBlocked:       http.StatusConflict,
	model.ErrInstanceNotBlocked:    http.StatusConflict,
	model.ErrInstanceClosed:        http.StatusConflict,
	model.ErrInvalidRecoveryAction: http.StatusBadRequest,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": ErrorEnvelope} with the status mapped
// from its code. Errors that do not wrap an *ErrorEnvelope become a generic
// 500 so internal detail never reaches the caller.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
