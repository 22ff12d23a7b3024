package services

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is a stable machine-readable admission rejection code.
type ErrorCode string

const (
	CodeMaxRoundsExceeded  ErrorCode = "MAX_ROUNDS_EXCEEDED"
	CodeMaxTokensExceeded  ErrorCode = "MAX_TOKENS_EXCEEDED"
	CodeModelNotAllowed    ErrorCode = "MODEL_NOT_ALLOWED"
	CodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	CodeCharacterNotFound  ErrorCode = "CHARACTER_NOT_FOUND"
	CodeCharacterForbidden ErrorCode = "CHARACTER_FORBIDDEN"
)

// QuotaState is the quota snapshot attached to QUOTA_EXCEEDED rejections.
type QuotaState struct {
	Used    int       `json:"used"`
	Total   int       `json:"total"`
	ResetAt time.Time `json:"reset_at"`
}

// AdmissionError is a synchronous rejection raised before any model call.
// Admission errors are never retried automatically and always reach the
// caller with their code intact.
type AdmissionError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Quota   *QuotaState `json:"quota,omitempty"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the rejection code to the response status used by the
// synchronous (non-stream) error path.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Code {
	case CodeMaxRoundsExceeded, CodeMaxTokensExceeded:
		return http.StatusTooManyRequests
	case CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case CodeModelNotAllowed, CodeCharacterForbidden:
		return http.StatusForbidden
	case CodeCharacterNotFound:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
