package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a structured error onto an HTTP status by category.
// Conflicts surface as 500 because the operator must rebuild under a
// new embedding version; there is nothing the caller can change.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	detail := errorDetail{
		Code:    dferrors.ErrCodeInternal,
		Message: err.Error(),
	}

	var fe *dferrors.FactoryError
	if errors.As(err, &fe) {
		detail.Code = fe.Code
		detail.Message = fe.Message
		detail.Details = fe.Details
		switch fe.Category {
		case dferrors.CategoryValidation, dferrors.CategoryConfig:
			status = http.StatusBadRequest
		case dferrors.CategoryNotFound:
			status = http.StatusNotFound
		case dferrors.CategoryDependency:
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request_failed",
			slog.String("code", detail.Code),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON reads a request body into dst with unknown fields allowed.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dferrors.ValidationError("malformed JSON body", err)
	}
	return nil
}
