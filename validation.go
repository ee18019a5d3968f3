package tally

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/types"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

// initValidator configures the struct validator. Amounts are validated
// through their decimal string form.
func initValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	vld.RegisterCustomTypeFunc(func(v reflect.Value) any {
		if a, ok := v.Interface().(types.Amount); ok {
			return a.String()
		}
		return nil
	}, types.Amount{})

	if err := vld.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		a, err := types.NewAmount(fl.Field().String())
		if err != nil {
			return false
		}
		return a.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("tally: register positive_amount: %w", err)
	}

	return vld, nil
}

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	return validate, errValidate
}

// validateStruct validates v and reports the first failing field as a
// ValidationError.
func validateStruct(v any) error {
	vld, err := getValidator()
	if err != nil {
		return err
	}

	if err := vld.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0])
		}
		return ValidationError{Field: "request", Message: err.Error()}
	}
	return nil
}

func fieldError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return ValidationError{Field: field, Message: "is required"}
	case "max":
		return ValidationError{Field: field, Message: "must be at most " + fe.Param()}
	case "min":
		return ValidationError{Field: field, Message: "must be at least " + fe.Param()}
	case "positive_amount":
		return ValidationError{Field: field, Message: "must be a positive amount"}
	default:
		return ValidationError{Field: field, Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
}

// validateEntryInput checks an owner-submitted entry before any write.
func validateEntryInput(ownerID string, kind entry.Kind, f entry.Fields) error {
	if strings.TrimSpace(ownerID) == "" {
		return ValidationError{Field: "owner_id", Message: "is required"}
	}
	if !kind.IsValid() || kind.Synthetic() {
		return ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported kind %q", kind)}
	}
	return validateStruct(&f)
}

// validatePatch checks an edit before any write.
func validatePatch(p entry.Patch) error {
	if p.IsEmpty() {
		return ValidationError{Field: "patch", Message: "no fields to update"}
	}
	return validateStruct(&p)
}
