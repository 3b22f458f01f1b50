package validation

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEmail validates email format and length. Display-name forms such
// as "Bob <bob@example.com>" are rejected.
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email address is required")
	}

	// RFC 5321: total max 254 with @
	if len(email) > 254 {
		return errors.New("email address is too long (max 254 characters)")
	}

	if err := validate.Var(email, "email"); err != nil {
		return errors.New("invalid email address format")
	}

	return nil
}
