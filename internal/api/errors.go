package api

import (
	"net/http"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
)

type APIErrorCode string

const (
	InvalidRequest  APIErrorCode = "invalid_request"
	EnqueueingError APIErrorCode = "enqueueing_error"
)

// APIError is a transport level failure that never reached a service.
type APIError struct {
	Code        APIErrorCode
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Description
}

func (e *APIError) status() int {
	if e.Code == InvalidRequest {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func statusOf(code svcerr.ErrorCode) int {
	switch code {
	case svcerr.CodeValidation:
		return http.StatusBadRequest
	case svcerr.CodeNotFound:
		return http.StatusNotFound
	case svcerr.CodeConflict, svcerr.CodeInFlight, svcerr.CodeInvalidState,
		svcerr.CodeTooLateToCancel, svcerr.CodeNotSubmitted:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
