// Package validation wraps go-playground/validator with the custom tags used by the
// CI config document and by trait attributes.
package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	instance *validator.Validate
	once     sync.Once
)

// Get returns the shared validator instance
func Get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(tagName)
		registerValidators(v)
		instance = v
	})
	return instance
}

// Struct validates s and formats the first failures into a single validation error
func Struct(s interface{}) error {
	if err := Get().Struct(s); err != nil {
		return format(err)
	}
	return nil
}

// ParseCron parses a standard five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// tagName reports fields by their yaml, mapstructure or koanf key, in that order
func tagName(fld reflect.StructField) string {
	for _, key := range []string{"yaml", "mapstructure", "koanf"} {
		name := strings.SplitN(fld.Tag.Get(key), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return fld.Name
}

func registerValidators(v *validator.Validate) {
	_ = v.RegisterValidation("cron_expression", func(fl validator.FieldLevel) bool {
		_, err := ParseCron(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("go_duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
}

func format(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ValidationError(err.Error())
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, message(fe))
	}
	return errors.ValidationError(strings.Join(messages, "; "))
}

func message(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "cron_expression":
		return fmt.Sprintf("%s must be a valid cron expression, got %q", field, fmt.Sprint(fe.Value()))
	case "go_duration":
		return fmt.Sprintf("%s must be a positive duration such as 5m, got %q", field, fmt.Sprint(fe.Value()))
	case "regexp":
		return fmt.Sprintf("%s must be a valid regular expression", field)
	case "required_without", "excluded_with":
		return fmt.Sprintf("%s: %s", field, fe.Tag()+" "+fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
