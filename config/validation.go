package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/upb/llm-model-router/services"
)

// validate is the singleton validator instance. Field names in errors come
// from the yaml tag so they match what operators wrote in the file.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
}

// ValidateStruct validates a struct against its validate tags using
// go-playground/validator, mapping failures into a domain validation error
// with one detail entry per offending field.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return newValidationError(validationErrors)
	}
	return err
}

// newValidationError maps validator.ValidationErrors into a DomainError
// whose details carry a message per field, keyed by the yaml field path.
func newValidationError(errs validator.ValidationErrors) error {
	paths := make([]string, 0, len(errs))
	domainErr := services.NewDomainError(services.ErrorTypeValidation, "", nil)
	for _, err := range errs {
		path := fieldPath(err.Namespace())
		domainErr.WithDetail(path, messageFor(path, err))
		paths = append(paths, path)
	}

	domainErr.Message = fmt.Sprintf("validation failed: %s", strings.Join(paths, ", "))
	return domainErr
}

// fieldPath strips the root struct name from a validator namespace, leaving
// the yaml path ("Config.store.path" becomes "store.path").
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func messageFor(path string, err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must be at least %s", path, err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", path, err.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", path, err.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", path, err.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", path, err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", path, err.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, err.Param())
	default:
		return fmt.Sprintf("%s validation failed on '%s' tag", path, err.Tag())
	}
}

// IsValidationError checks if an error is a schema validation error
func IsValidationError(err error) bool {
	return services.GetErrorType(err) == services.ErrorTypeValidation
}

// GetValidationFields extracts the field-keyed messages from a validation
// error, or nil for any other error.
func GetValidationFields(err error) map[string]interface{} {
	if !IsValidationError(err) {
		return nil
	}
	return services.GetErrorDetails(err)
}
