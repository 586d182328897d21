package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operation is the kind of action being gated.
type Operation string

const (
	// OperationInvoke starts a script.
	OperationInvoke Operation = "invoke"

	// OperationFetch retrieves script content from a location.
	OperationFetch Operation = "fetch"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with webscript.
	Builtin bool `json:"builtin,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Operation Operation `json:"operation"`

	// Identifier is the reference being invoked.
	Identifier string `json:"identifier"`

	// Caller is the script that issued a nested invocation, or "request"
	// and "timer" for top-level ones.
	Caller string `json:"caller,omitempty"`

	// Depth is the nesting level of an invocation; top-level calls are 0.
	Depth int `json:"depth"`

	// Location and Scheme describe a fetch.
	Location string `json:"location,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy.
type Decision struct {
	// Allowed indicates if the operation is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the operation.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	reasons := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		reasons[i] = v.Policy + ": " + v.Message
	}
	return reasons
}
