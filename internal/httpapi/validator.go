package httpapi

import (
	"strings"

	"github.com/go-playground/validator/v10"

	apperr "github.com/whisper/friendchat/pkg/errors"
)

// requestValidator adapts go-playground/validator to echo.Validator. Failures
// become INVALID_ARGUMENT errors naming the offending fields.
type requestValidator struct {
	cli *validator.Validate
}

func newValidator() *requestValidator {
	return &requestValidator{cli: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *requestValidator) Validate(i interface{}) error {
	err := v.cli.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid request", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return apperr.InvalidArg("invalid request: " + strings.Join(fields, ", "))
}

// checkVar validates a single value against tag.
func (v *requestValidator) checkVar(name string, value interface{}, tag string) error {
	if err := v.cli.Var(value, tag); err != nil {
		return apperr.InvalidArg("invalid " + name)
	}
	return nil
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}
