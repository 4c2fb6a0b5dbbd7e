package submission

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"studio-intake/internal/util"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// Deadlines validate as their normalised ISO form; unparsable input
		// becomes a value the datetime rule rejects.
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			d, ok := field.Interface().(Deadline)
			if !ok || d.IsZero() {
				return ""
			}
			iso, err := d.ISO()
			if err != nil {
				return "invalid"
			}
			return iso
		}, Deadline{})

		mustRegister(v, "budget", func(fl validator.FieldLevel) bool {
			return Budget(fl.Field().String()).Valid()
		})
		mustRegister(v, "urgency", func(fl validator.FieldLevel) bool {
			return Urgency(fl.Field().String()).Valid()
		})
		mustRegister(v, "timeline", func(fl validator.FieldLevel) bool {
			return PreferredTimeline(fl.Field().String()).Valid()
		})
		mustRegister(v, "project_type", func(fl validator.FieldLevel) bool {
			return ProjectType(fl.Field().String()).Valid()
		})

		validate = v
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// Validate checks a submission against the form rules. Failures wrap
// ErrInvalidInput and name every offending field.
func Validate(sub Submission) error {
	if IsNil(sub) {
		return fmt.Errorf("%w: empty submission", ErrInvalidInput)
	}

	err := validatorInstance().Struct(sub)
	if err == nil {
		return rejectScripts(sub)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	case "min", "max":
		return fmt.Sprintf("%s must be %s %s", fe.Field(), map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	case "datetime":
		return fe.Field() + " must be a valid date"
	default:
		return fmt.Sprintf("%s is not a valid %s", fe.Field(), fe.Tag())
	}
}

func rejectScripts(sub Submission) error {
	d := sub.Details()
	fields := []struct{ name, value string }{
		{"projectName", d.ProjectName},
		{"description", d.Description},
		{"keyFeatures", d.KeyFeatures},
		{"integrations", d.Integrations},
		{"requirements", d.Requirements},
	}
	for _, f := range fields {
		if util.ContainsSuspicious(f.value) {
			return fmt.Errorf("%w: %s contains markup", ErrInvalidInput, f.name)
		}
	}
	return nil
}
