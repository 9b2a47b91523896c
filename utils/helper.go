package utils

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// ProcessValidationErrors flattens gin binding failures into a
// field -> message map for the API response. Returns false when the
// error is not a validation error.
func ProcessValidationErrors(err error) (map[string]string, bool) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil, false
	}
	out := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		out[fieldErr.Field()] = fmt.Sprintf("failed %q validation", fieldErr.Tag())
	}
	return out, true
}
