package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"shopmesh/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// JSON writes v with the given status. Encoding failures are already past the
// status line, so they are swallowed.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Fail writes the error envelope.
func Fail(w http.ResponseWriter, status int, code, message string, meta map[string]string) {
	JSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Meta: meta}})
}

// Err maps an application error onto a status code and the error envelope.
// Unknown errors become an opaque 500.
func Err(w http.ResponseWriter, err error) {
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		Fail(w, http.StatusInternalServerError, string(apperr.CodeInternal), "internal error", nil)
		return
	}
	status := http.StatusInternalServerError
	switch ae.Code {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	Fail(w, status, string(ae.Code), ae.Message, ae.Meta)
}
