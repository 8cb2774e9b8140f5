package template

import (
	"errors"
	"fmt"
)

// ErrTemplateNotFound is returned when a render names an unknown template.
var ErrTemplateNotFound = errors.New("template not found")

// ValidationError reports a caller-supplied parameter that could not be
// coerced to its declared type, or a missing required parameter.
type ValidationError struct {
	Param    string
	Expected ParamType
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %q (expected %s): %s", e.Param, e.Expected, e.Reason)
}

// IncompleteTemplateError reports a placeholder token that survived
// substitution. It signals drift between the parameter schema and the raw
// template rather than caller error.
type IncompleteTemplateError struct {
	Template string
	Token    string
}

func (e *IncompleteTemplateError) Error() string {
	return fmt.Sprintf("template %q rendered with unresolved token %q", e.Template, e.Token)
}

// DefinitionConflictError reports a template whose placeholder tokens
// disagree on the inferred type of the same logical parameter.
type DefinitionConflictError struct {
	Template string
	Param    string
	Tokens   []string
}

func (e *DefinitionConflictError) Error() string {
	return fmt.Sprintf("template %q declares parameter %q with conflicting tokens %v", e.Template, e.Param, e.Tokens)
}
