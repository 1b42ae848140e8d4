// Package paramschema validates method params against a registered
// struct shape, grounded on the teacher's internal/validator package
// (go-playground/validator/v10), adapted from gin request binding to
// Helene's decoded-params map.
package paramschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/heleneproject/helene/internal/wire"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("password", validatePassword)
	v.RegisterValidation("username", validateUsername)
	return v
}

// Schema validates a METHOD frame's params against shape, a pointer to a
// zero-value struct describing the expected fields and their
// validator tags (e.g. `validate:"required,min=3"`).
type Schema struct {
	shape interface{}
}

// New builds a Schema from a prototype; pass a pointer to a zero value,
// e.g. New(&LoginParams{}).
func New(shape interface{}) *Schema {
	return &Schema{shape: shape}
}

// Validate decodes params into a fresh instance of the schema's shape and
// runs struct validation, returning a structured field-error list on
// failure per spec.md §4.3 step 4 ("INVALID_PARAMS with a structured
// error list").
func (s *Schema) Validate(params map[string]interface{}) []wire.FieldError {
	target := reflect.New(reflect.TypeOf(s.shape).Elem()).Interface()

	raw, err := json.Marshal(params)
	if err != nil {
		return []wire.FieldError{{Field: "params", Message: "malformed parameters"}}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return []wire.FieldError{{Field: "params", Message: "malformed parameters"}}
	}

	err = validate.Struct(target)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []wire.FieldError{{Field: "params", Message: err.Error()}}
	}

	fields := make([]wire.FieldError, 0, len(validationErrs))
	for _, e := range validationErrs {
		fields = append(fields, wire.FieldError{
			Field:   strings.ToLower(e.Field()),
			Message: formatValidationError(e),
		})
	}
	return fields
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "email":
		return "invalid email format"
	case "min":
		return fmt.Sprintf("must be at least %s characters", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "uuid":
		return "must be a valid uuid"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "password":
		return "password must be at least 8 characters with uppercase, lowercase, number, and special character"
	case "username":
		return "username must be 3-50 characters, alphanumeric with hyphens/underscores only"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

func validatePassword(fl validator.FieldLevel) bool {
	password := fl.Field().String()
	if len(password) < 8 {
		return false
	}
	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case 'A' <= char && char <= 'Z':
			hasUpper = true
		case 'a' <= char && char <= 'z':
			hasLower = true
		case '0' <= char && char <= '9':
			hasNumber = true
		case strings.ContainsRune("!@#$%^&*()_+-=[]{}|;:,.<>?", char):
			hasSpecial = true
		}
	}
	return hasUpper && hasLower && hasNumber && hasSpecial
}

func validateUsername(fl validator.FieldLevel) bool {
	username := fl.Field().String()
	if len(username) < 3 || len(username) > 50 {
		return false
	}
	for _, char := range username {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '-' || char == '_') {
			return false
		}
	}
	return true
}
