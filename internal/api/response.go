package api

import (
	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
)

// SuccessResponse represents a successful API response
type SuccessResponse struct {
	Ok   bool `json:"ok"`
	Data any  `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Ok               bool              `json:"ok"`
	ErrorCode        string            `json:"errorCode"`
	ErrorDescription string            `json:"errorDescription,omitempty"`
	Details          []svcerr.Offender `json:"details,omitempty"`
}
