package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const maxActorIDLength = 64

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a validator with the actor_id tag registered.
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterValidation("actor_id", validateActorID)
	return &ValidationHelper{
		validator: v,
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// ValidateVar validates a single value against a tag, e.g. a path parameter.
func (vh *ValidationHelper) ValidateVar(value any, tag string) error {
	return vh.validator.Var(value, tag)
}

// validateActorID accepts game UUIDs and other printable ids without whitespace.
func validateActorID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" || len(id) > maxActorIDLength {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) < 0
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	errorResp := ErrorResponse{Error: message}

	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	SendJSON(w, statusCode, errorResp)
}

// SendJSON writes v as the JSON response body.
func SendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// StatusForError maps core errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotLinked):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyUsed), errors.Is(err, ErrActorAlreadyLinked),
		errors.Is(err, ErrTransactionConflict), errors.Is(err, ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, ErrRejectedData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
