// Package customer builds and validates Customer records from extracted
// fields.
package customer

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"github.com/sells-group/eml-intake/internal/model"
)

// ValidationError lists every rule a candidate customer broke.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "failed to create customer: " + strings.Join(e.Problems, ", ")
}

type candidate struct {
	Name  string `validate:"required"`
	Email string `validate:"omitempty,email"`
	Phone string `validate:"required_without=Email"`
}

// Builder turns extracted fields into a validated Customer.
type Builder struct {
	validate *validator.Validate
	region   string
}

// NewBuilder creates a Builder. region is the ISO 3166 default region used
// to normalize phone numbers to E.164.
func NewBuilder(region string) *Builder {
	return &Builder{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		region:   strings.ToUpper(strings.TrimSpace(region)),
	}
}

// Build validates fields and returns the customer to persist. The error is a
// *ValidationError when a rule fails.
func (b *Builder) Build(fields model.Fields) (*model.Customer, error) {
	in := candidate{
		Name:  strings.TrimSpace(fields.Get(model.FieldName)),
		Email: strings.TrimSpace(fields.Get(model.FieldEmail)),
		Phone: strings.TrimSpace(fields.Get(model.FieldPhone)),
	}

	if err := b.validate.Struct(in); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, message(fe))
		}
		return nil, &ValidationError{Problems: problems}
	}

	return &model.Customer{
		Name:         in.Name,
		Email:        in.Email,
		Phone:        in.Phone,
		PhoneE164:    b.E164(in.Phone),
		ProductCode:  fields.Get(model.FieldProductCode),
		EmailSubject: fields.Get(model.FieldSubject),
	}, nil
}

// E164 formats digits as an E.164 number, or returns "" when the number is
// not plausible for the default region or as an international number.
func (b *Builder) E164(digits string) string {
	if digits == "" {
		return ""
	}
	if num, err := libphonenumber.Parse(digits, b.region); err == nil && libphonenumber.IsPossibleNumber(num) {
		return libphonenumber.Format(num, libphonenumber.E164)
	}
	if num, err := libphonenumber.Parse("+"+digits, ""); err == nil && libphonenumber.IsPossibleNumber(num) {
		return libphonenumber.Format(num, libphonenumber.E164)
	}
	return ""
}

func message(fe validator.FieldError) string {
	switch fe.Field() {
	case "Name":
		return "Name can't be blank"
	case "Email":
		return "Email is invalid"
	case "Phone":
		return "At least one contact method (email or phone) is required"
	}
	return fe.Error()
}
