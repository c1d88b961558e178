package core

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"seatsync/internal/types"
)

// ValidationError describes one failed field constraint.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the seatsync rules. Field
// names in errors are the JSON names of the request DTO.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers custom validation tags:
//
//   - seat_quantity: an integer seat count of at least 1.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	// RegisterValidation only fails for an empty tag or nil func.
	_ = v.RegisterValidation("seat_quantity", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() >= 1
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. On failure it returns an AppError whose code is
// that of the first failing field and whose details list every failure under
// "validation_errors".
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		v.logger.Error("validator rejected input type", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request could not be validated", err)
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Code:    string(codeForTag(fe.Tag())),
			Message: messageFor(fe),
		})
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(errs[0].Code),
		errs[0].Message,
		err,
		map[string]any{"validation_errors": errs},
	)
}

func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "seat_quantity":
		return types.ErrCodeValidationInvalidQuantity
	default:
		return types.ErrCodeValidationFailed
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "seat_quantity":
		return fmt.Sprintf("%s must be a whole number of seats of at least 1", fe.Field())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
