package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"paygate/internal/types"
)

// maxRequestBodySize caps client request bodies at 1 MB. Webhook bodies have
// their own, tighter limit at the dispatcher.
const maxRequestBodySize = 1 << 20

// APIErrorResponse is the envelope for every error response the API emits.
// Handlers never write error JSON by hand; they go through Error.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible error payload. RequestID lets a caller
// quote the exact request when reporting a problem.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// marshalFailureBody is written verbatim when a response value cannot be
// marshalled. Precomputed so the failure path cannot itself fail.
const marshalFailureBody = `{"error":{"code":"internal_unexpected_error","message":"failed to marshal response","request_id":""}}`

// JSON marshals data and writes it with the given status. Payment providers
// and API clients both consume this path, so the Content-Type is always set
// before the status line.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, marshalFailureBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error translates err into an HTTP error response. An error that is (or
// wraps) a *types.AppError keeps its code, message, and details; anything
// else becomes a plain 500 with a fixed message so wrapped internals
// (driver errors, SQL text, upstream bodies) never reach the client.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}

	JSON(w, r, status, APIErrorResponse{Error: detail})
}

// errCodeValidationInvalidJSON covers every way a request body can be
// malformed. It is local to the chassis; domain validation has its own codes.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// DecodeJSON reads the request body into dst. The body must be a single JSON
// value no larger than 1 MB, with no fields outside dst's schema. Any
// violation returns a *types.AppError carrying errCodeValidationInvalidJSON.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"request body must contain a single JSON object",
			nil,
		)
	}
	return nil
}

// decodeError maps a json.Decoder failure onto a client-safe AppError.
func decodeError(err error) *types.AppError {
	var (
		maxBytesErr      *http.MaxBytesError
		syntaxErr        *json.SyntaxError
		unmarshalTypeErr *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"request body must not exceed 1MB",
			err,
		)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"malformed JSON in request body",
			err,
		)
	case errors.As(err, &unmarshalTypeErr):
		return types.NewAppErrorWithDetails(
			errCodeValidationInvalidJSON,
			"invalid value for field",
			err,
			map[string]any{
				"field":    unmarshalTypeErr.Field,
				"expected": unmarshalTypeErr.Type.String(),
			},
		)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "),
			err,
		)
	case errors.Is(err, io.EOF):
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"request body must not be empty",
			err,
		)
	default:
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"invalid JSON in request body",
			err,
		)
	}
}
