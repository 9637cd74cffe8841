package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid         = "invalid"
	IssueTypeStructure       = "structure"
	IssueTypeRequired        = "required"
	IssueTypeValue           = "value"
	IssueTypeNotFound        = "not-found"
	IssueTypeDeleted         = "deleted"
	IssueTypeConflict        = "conflict"
	IssueTypeMultipleMatches = "multiple-matches"
	IssueTypeProcessing      = "processing"
	IssueTypeNotSupported    = "not-supported"
	IssueTypeBusinessRule    = "business-rule"
	IssueTypeException       = "exception"
	IssueTypeTransient       = "transient"
)

// OperationOutcome is the FHIR error body carried on every 4xx/5xx response.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome creates an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// OutcomeFromIssues wraps a set of issues into an OperationOutcome.
func OutcomeFromIssues(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}

// HasErrors reports whether the outcome carries any error or fatal issue.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// ValidationOutcome creates an outcome for a validation failure at a path.
func ValidationOutcome(path, message string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvalid,
				Diagnostics: fmt.Sprintf("%s: %s", path, message),
				Expression:  []string{path},
			},
		},
	}
}
