package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"drawclub/internal/types"
)

// Validator wraps go-playground/validator for request payload validation.
// A single instance is shared by all handlers; it is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct validates the struct's `validate` tags and converts failures
// into a 400 AppError with per-field details.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			"request validation failed",
			err,
		)
	}

	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		details,
	)
}
