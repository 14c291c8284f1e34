package lens

import "fmt"

// Validation gate codes, in the order gates run. Loading stops at the first
// failing gate.
const (
	CodeSchema       = "schema"
	CodeEngine       = "engine"
	CodeCanonicalRef = "canonical_ref"
	CodeConnectorRef = "connector_ref"
	CodeRuleID       = "rule_id"
	CodePattern      = "pattern"
	CodeSmoke        = "smoke"
)

// ValidationError reports which gate rejected a lens and why. A lens that
// fails validation is never partially applied.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lens validation failed [%s]: %s", e.Code, e.Detail)
}

func validationErrorf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
