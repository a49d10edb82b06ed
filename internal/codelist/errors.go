package codelist

import "fmt"

// ValidationError reports a structurally invalid specification. It is always
// raised before any collaborator call, so a failed validation has no side
// effects and is never worth retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid codelist specification: " + e.Reason
}

func validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CollaboratorError wraps a failure from the terminology graph or the drug
// product service with the operation and leaf that triggered it. The core
// never retries these; retry policy belongs to the collaborator or caller.
type CollaboratorError struct {
	Op      string // collaborator operation, e.g. "ExpandExpression"
	System  string // leaf system when the failure is leaf-scoped
	Pattern string // leaf pattern when the failure is leaf-scoped
	Err     error
}

func (e *CollaboratorError) Error() string {
	if e.System != "" {
		return fmt.Sprintf("collaborator %s failed for %s leaf %q: %v", e.Op, e.System, e.Pattern, e.Err)
	}
	return fmt.Sprintf("collaborator %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func collaboratorErr(op string, leaf *Leaf, err error) error {
	ce := &CollaboratorError{Op: op, Err: err}
	if leaf != nil {
		ce.System = leaf.System.String()
		if len(leaf.Patterns) == 1 {
			ce.Pattern = leaf.Patterns[0]
		} else if len(leaf.Patterns) > 1 {
			ce.Pattern = fmt.Sprintf("%v", leaf.Patterns)
		}
	}
	return ce
}
