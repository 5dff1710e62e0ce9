package model

import "fmt"

// Severity grades a manifest finding. Only errors keep a function out of the
// metadata store; warnings and infos are reported and seeding goes ahead.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidationFinding is one check outcome for a function manifest, e.g.
// "function.memory.range" on field "memoryMb".
type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

// ValidationResult collects the findings for one function.yaml.
type ValidationResult struct {
	Function string              `json:"function"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	case SeverityInfo:
		r.Infos++
	}
}

// Valid reports whether the function can be dispatched.
func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// Notable drops info findings, which are worth printing on demand but not
// logging on every startup.
func (r *ValidationResult) Notable() []ValidationFinding {
	var out []ValidationFinding
	for _, f := range r.Findings {
		if f.Severity != SeverityInfo {
			out = append(out, f)
		}
	}
	return out
}

// Summary is the one-line verdict printed by the validate command.
func (r *ValidationResult) Summary() string {
	status := "ok"
	if !r.Valid() {
		status = "FAIL"
	}
	return fmt.Sprintf("%s (%d errors, %d warnings)", status, r.Errors, r.Warnings)
}
