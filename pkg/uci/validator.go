package uci

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("%s: %s", e.Option, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Section, e.Option, e.Message)
}

// ValidationErrors collects every failed option
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report UCI option names rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateEstimation, EstimationConfig{})
	return v
}

// validateEstimation checks constraints spanning several options
func validateEstimation(sl validator.StructLevel) {
	e := sl.Current().Interface().(EstimationConfig)
	if e.SatelliteWeight+e.NetworkWeight > 1 {
		sl.ReportError(e.NetworkWeight, "network_weight", "NetworkWeight", "weightsum", "")
	}
	if e.MaxDriftS < e.GapTimeoutS {
		sl.ReportError(e.MaxDriftS, "max_drift_s", "MaxDriftS", "gtefield", "gap_timeout_s")
	}
	if e.MaxGapS < e.GapTimeoutS {
		sl.ReportError(e.MaxGapS, "max_gap_s", "MaxGapS", "gtefield", "gap_timeout_s")
	}
}

// Validate checks cfg and returns ValidationErrors describing every
// offending option
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is Config.<section>.<option> or Config.<option>
		parts := strings.Split(fe.Namespace(), ".")
		ve := ValidationError{
			Option:  fe.Field(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Message: describe(fe),
		}
		if len(parts) > 2 {
			ve.Section = parts[1]
		}
		out = append(out, ve)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "required_with":
		return "is required with " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url":
		return "must be a valid URL"
	case "startswith":
		return "must start with " + fe.Param()
	case "weightsum":
		return "satellite_weight + network_weight must not exceed 1"
	case "gtefield":
		return "must not be shorter than " + fe.Param()
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
