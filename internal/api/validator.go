package api

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// requestValidator runs struct tag validation for c.Validate.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{v: validator.New()}
}

// Validate implements echo.Validator.
func (rv *requestValidator) Validate(i interface{}) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return BadRequestError("Invalid request", err.Error())
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = "failed on the '" + fe.Tag() + "' rule"
	}
	return ValidationError("Validation failed", fields)
}
