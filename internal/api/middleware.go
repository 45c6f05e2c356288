package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
)

// WithMethod is a middleware that checks if the endpoint was called using a
// specific HTTP method and rejects it otherwise.
func WithMethod(next http.HandlerFunc, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, fmt.Sprintf("Only %s method is allowed", method), http.StatusMethodNotAllowed)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// WithJSONResponse wraps an APIHandler and handles JSON response formatting
func WithJSONResponse(handler APIHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		data, err := handler(w, r)

		if err != nil {
			status, errorResponse := toErrorResponse(err)
			if status >= http.StatusInternalServerError {
				slog.Error("API error", "path", r.URL.Path, "error", err)
			} else {
				slog.Debug("API error", "path", r.URL.Path, "error", err)
			}

			w.WriteHeader(status)
			if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
				slog.Error("failed to encode error response", "error", err)
			}
			return
		}

		successResponse := SuccessResponse{
			Ok:   true,
			Data: data,
		}

		if err := json.NewEncoder(w).Encode(successResponse); err != nil {
			http.Error(w, `{"ok": false, "errorCode": "internal_error", "errorDescription": "Failed to encode success response"}`, http.StatusInternalServerError)
			return
		}
	}
}

func toErrorResponse(err error) (int, *ErrorResponse) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.status(), &ErrorResponse{
			ErrorCode:        string(apiErr.Code),
			ErrorDescription: apiErr.Description,
		}
	}

	var se svcerr.ServiceError
	if errors.As(err, &se) {
		resp := &ErrorResponse{
			ErrorCode:        string(se.Code),
			ErrorDescription: se.Message,
			Details:          se.Details,
		}
		if se.Code == svcerr.CodeInternal {
			// internal messages may carry driver details
			resp.ErrorDescription = "internal error"
		}
		return statusOf(se.Code), resp
	}

	return http.StatusInternalServerError, &ErrorResponse{
		ErrorCode:        string(svcerr.CodeInternal),
		ErrorDescription: "internal error",
	}
}
