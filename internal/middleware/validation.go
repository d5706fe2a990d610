package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct checks the validate tags of v and returns a readable error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds maximum length", strings.ToLower(fe.Field())))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", strings.ToLower(fe.Field()), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field())))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ValidateContent validates free text typed by a user.
func ValidateContent(content string) error {
	if len(content) > 100000 {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a resource identifier.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}
