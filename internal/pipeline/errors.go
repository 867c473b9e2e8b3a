package pipeline

import "fmt"

// ErrorCode classifies pipeline failures for transport mapping.
type ErrorCode string

const (
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeRejected         ErrorCode = "rejected"
	CodeBudgetDenied     ErrorCode = "budget_denied"
	CodeApprovalRequired ErrorCode = "approval_required"
	CodeNoCandidates     ErrorCode = "no_candidates"
	CodeOverloaded       ErrorCode = "overloaded"
	CodeUpstream         ErrorCode = "upstream_error"
	CodeTimeout          ErrorCode = "timeout"
	CodeCancelled        ErrorCode = "cancelled"
)

// Error is a pipeline failure with enough context for the caller to build a
// response without guessing.
type Error struct {
	Code          ErrorCode
	Message       string
	Status        int
	Suggestions   []string
	OverrideRoles []string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to a transport status, honoring an explicit one.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeInvalidRequest:
		return 400
	case CodeRejected:
		return 400
	case CodeBudgetDenied:
		return 402
	case CodeApprovalRequired:
		return 403
	case CodeNoCandidates:
		return 503
	case CodeOverloaded:
		return 429
	case CodeTimeout:
		return 504
	case CodeCancelled:
		return 499
	default:
		return 502
	}
}
