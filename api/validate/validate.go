package validate

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"skuld/api/model"
)

var (
	validFunctionID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	validRuntime    = regexp.MustCompile(`^[a-z][a-z0-9]*([.-][a-z0-9]+)*$`)
)

const (
	minMemoryMB = 64
	maxMemoryMB = 10240
)

var packageSchemes = []string{"s3://", "https://", "http://", "file://"}

// SecretKeys lists the decrypted secret names of a function.
type SecretKeys interface {
	Keys(ctx context.Context, functionID string) ([]string, error)
}

type Validator struct {
	Secrets SecretKeys
	// Runtimes restricts accepted runtimes when non-empty.
	Runtimes []string
}

func (v *Validator) Validate(ctx context.Context, fn *model.Function) *model.ValidationResult {
	result := &model.ValidationResult{Function: fn.ID}
	v.checkStructure(fn, result)
	v.checkSecrets(ctx, fn, result)
	return result
}

func (v *Validator) checkStructure(fn *model.Function, r *model.ValidationResult) {
	if fn.ID == "" {
		r.Add(model.ValidationFinding{
			Check:    "function.id.required",
			Severity: model.SeverityError,
			Message:  "function id is required",
			Field:    "id",
		})
	} else if !validFunctionID.MatchString(fn.ID) {
		r.Add(model.ValidationFinding{
			Check:    "function.id.format",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("function id %q must match [a-z0-9][a-z0-9_-]*", fn.ID),
			Field:    "id",
		})
	}

	switch {
	case fn.Runtime == "":
		r.Add(model.ValidationFinding{
			Check:    "function.runtime.required",
			Severity: model.SeverityError,
			Message:  "runtime is required",
			Field:    "runtime",
		})
	case !validRuntime.MatchString(fn.Runtime):
		r.Add(model.ValidationFinding{
			Check:    "function.runtime.format",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("runtime %q is not a valid queue name", fn.Runtime),
			Field:    "runtime",
		})
	case len(v.Runtimes) > 0 && !slices.Contains(v.Runtimes, fn.Runtime):
		r.Add(model.ValidationFinding{
			Check:    "function.runtime.unknown",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("runtime %q is not served by any worker pool (known: %s)", fn.Runtime, strings.Join(v.Runtimes, ", ")),
			Field:    "runtime",
		})
	}

	if fn.MemoryMB < minMemoryMB || fn.MemoryMB > maxMemoryMB {
		r.Add(model.ValidationFinding{
			Check:    "function.memory.range",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("memory %dMB must be between %d and %d", fn.MemoryMB, minMemoryMB, maxMemoryMB),
			Field:    "memory",
		})
	}

	if fn.PackageURI == "" {
		r.Add(model.ValidationFinding{
			Check:    "function.package.recommended",
			Severity: model.SeverityWarning,
			Message:  "no package location; workers must already have the code",
			Field:    "package",
		})
	} else if !hasScheme(fn.PackageURI) {
		r.Add(model.ValidationFinding{
			Check:    "function.package.scheme",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("package %q must start with one of %s", fn.PackageURI, strings.Join(packageSchemes, ", ")),
			Field:    "package",
		})
	}
}

func (v *Validator) checkSecrets(ctx context.Context, fn *model.Function, r *model.ValidationResult) {
	if v.Secrets == nil || fn.ID == "" {
		return
	}
	keys, err := v.Secrets.Keys(ctx, fn.ID)
	if err != nil {
		r.Add(model.ValidationFinding{
			Check:    "secrets.decrypt.error",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("cannot decrypt secrets: %v", err),
		})
		return
	}
	for _, k := range keys {
		if _, ok := fn.Env[k]; ok {
			r.Add(model.ValidationFinding{
				Check:    "secrets.env.shadowed",
				Severity: model.SeverityInfo,
				Message:  fmt.Sprintf("secret %s overrides the manifest env value", k),
				Field:    "env." + k,
			})
		}
	}
}

func hasScheme(uri string) bool {
	for _, s := range packageSchemes {
		if strings.HasPrefix(uri, s) {
			return true
		}
	}
	return false
}
