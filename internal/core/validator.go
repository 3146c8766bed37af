package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"vegwatch/internal/types"
)

// Validator wraps go-playground/validator for request bodies. Field names in
// error details use the json tag.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// Struct validates s. A failure is a validation AppError whose details map
// each failing field to the rule it broke; a missing required field uses
// validation_missing_required_field, anything else
// validation_value_out_of_range.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	code := types.ErrCodeValidationOutOfRange
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", err, map[string]any{"fields": fields})
}
