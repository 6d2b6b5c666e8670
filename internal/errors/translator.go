package errors

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// ErrorTranslator 错误转换器
type ErrorTranslator struct{}

func NewErrorTranslator() *ErrorTranslator {
	return &ErrorTranslator{}
}

// Translate 将各种类型的错误转换为AppError
func (t *ErrorTranslator) Translate(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return t.translateValidationErrors(validationErrors)
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return NewUnauthorizedError("Invalid username or password").WithCause(err)
	case errors.Is(err, ErrUserExists):
		return NewBusinessError(ErrCodeConflict, "Username already exists").WithCause(err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return NewBusinessError(ErrCodeConflict, "Resource already exists").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewSystemError(ErrCodeTimeout, "Operation timed out").WithCause(err)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return NewSystemError(ErrCodeExternalService, "Internal server error").WithCause(err)
	}

	// PostgreSQL唯一约束
	msg := err.Error()
	if strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "violates unique constraint") {
		return NewBusinessError(ErrCodeConflict, "Resource already exists").WithCause(err)
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}

func (t *ErrorTranslator) translateValidationErrors(validationErrors validator.ValidationErrors) *AppError {
	var details []map[string]interface{}
	for _, fieldError := range validationErrors {
		details = append(details, map[string]interface{}{
			"field":   fieldError.Field(),
			"tag":     fieldError.Tag(),
			"message": t.getValidationErrorMessage(fieldError),
		})
	}

	return NewValidationError("Validation failed").
		WithDetails(map[string]interface{}{
			"errors": details,
		})
}

func (t *ErrorTranslator) getValidationErrorMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + fieldError.Param()
	case "max":
		return field + " must be at most " + fieldError.Param()
	case "oneof":
		return field + " must be one of: " + fieldError.Param()
	case "alphanum":
		return field + " must contain only letters and digits"
	default:
		return field + " is invalid"
	}
}
