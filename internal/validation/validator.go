// Package validation checks request bodies and machine records before they
// reach the registry.
//
// Struct-level rules are declared with go-playground/validator tags on the
// request types; machine records get additional checks that validator tags
// cannot express (at most one boot disk, unique interface names).
//
// # Usage Example
//
//	v := validation.New()
//	result := v.ValidateMachine(machine)
//	if !result.Valid {
//	    for _, e := range result.Errors {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
//
// Validator also satisfies echo.Validator, so handlers can call c.Validate.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/models"
)

// Validator validates request bodies and machine records.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the JSON path of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a Validator that reports fields by their JSON names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{structValidator: v}
}

// Check validates a tagged struct and returns every failure.
func (v *Validator) Check(i interface{}) *ValidationResult {
	err := v.structValidator.Struct(i)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationResult{Errors: []ValidationError{{Field: "document", Message: err.Error()}}}
	}

	result := &ValidationResult{}
	for _, fe := range fieldErrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fieldPath(fe),
			Message: message(fe),
			Value:   fe.Value(),
		})
	}
	return result
}

// Validate implements echo.Validator. The first failure becomes a
// bad-request error naming its field.
func (v *Validator) Validate(i interface{}) error {
	result := v.Check(i)
	if result.Valid {
		return nil
	}
	first := result.Errors[0]
	return errs.Invalid(first.Field, "%s: %s", first.Field, first.Message)
}

// ValidateMachine checks a machine record about to be enlisted.
func (v *Validator) ValidateMachine(m *models.Machine) *ValidationResult {
	result := &ValidationResult{}
	add := func(field, msg string, value interface{}) {
		result.Errors = append(result.Errors, ValidationError{Field: field, Message: msg, Value: value})
	}

	if m.Hostname == "" {
		add("hostname", "Hostname is required", nil)
	} else if err := v.structValidator.Var(m.Hostname, "hostname_rfc1123"); err != nil {
		add("hostname", "Hostname must be a valid RFC 1123 host name", m.Hostname)
	}
	if m.Architecture != "" && !strings.Contains(m.Architecture, "/") {
		add("architecture", "Architecture must be in arch/subarch form", m.Architecture)
	}
	if m.CPUCount < 0 {
		add("cpu_count", "CPU count cannot be negative", m.CPUCount)
	}
	if m.Memory < 0 {
		add("memory", "Memory size cannot be negative", m.Memory)
	}
	if m.PowerState != "" && !m.PowerState.Valid() {
		add("power_state", "Invalid power state", m.PowerState)
	}

	boot := 0
	for i, d := range m.StorageDevices {
		if d.Name == "" {
			add(fmt.Sprintf("storage_devices[%d].name", i), "Device name is required", nil)
		}
		if d.Size < 0 {
			add(fmt.Sprintf("storage_devices[%d].size", i), "Device size cannot be negative", d.Size)
		}
		if d.BootDisk {
			boot++
		}
	}
	if boot > 1 {
		add("storage_devices", "At most one storage device may be the boot disk", boot)
	}

	names := make(map[string]bool, len(m.Interfaces))
	for i, iface := range m.Interfaces {
		if names[iface.Name] {
			add(fmt.Sprintf("interfaces[%d].name", i), "Duplicate interface name", iface.Name)
		}
		names[iface.Name] = true
		if err := v.structValidator.Var(iface.MACAddress, "required,mac"); err != nil {
			add(fmt.Sprintf("interfaces[%d].mac_address", i), "Invalid MAC address", iface.MACAddress)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return fmt.Sprintf("Must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "url":
		return "Must be a valid URL"
	case "mac":
		return "Must be a valid MAC address"
	case "hostname_rfc1123":
		return "Must be a valid host name"
	}
	return fmt.Sprintf("Failed the %s check", fe.Tag())
}
