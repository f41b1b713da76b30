package workflow

import "errors"

var (
	ErrNoWorkflow             = errors.New("no workflow is being edited")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrUnknownTask            = errors.New("unknown task")
	ErrNodeNotFound           = errors.New("node not found")
	ErrConnectionNotFound     = errors.New("connection not found")
	ErrDanglingConnection     = errors.New("connection endpoint does not exist")
	ErrDeclarationsIncomplete = errors.New("all declarations must be acknowledged")
	ErrApprovalNotConfirmed   = errors.New("approval checkbox must be confirmed")
	ErrIllegalTransition      = errors.New("illegal status transition")
	ErrSimulationInFlight     = errors.New("a simulation is already running")
	ErrSimulationCanceled     = errors.New("simulation canceled")
	ErrCycle                  = errors.New("workflow graph contains a cycle")
	ErrUnsupportedFormat      = errors.New("unsupported export format version")
)

// ValidationError reports a missing or invalid field before any state is changed.
type ValidationError struct {
	Field string
	Kind  string
}

func (e *ValidationError) Error() string {
	if e.Kind == "missing" {
		return e.Field + " is required"
	}
	return e.Field + " is invalid"
}

func errMissing(field string) error { return &ValidationError{Field: field, Kind: "missing"} }
func errInvalid(field string) error { return &ValidationError{Field: field, Kind: "invalid"} }

// IsValidation reports whether err is a ValidationError or a sentinel that callers
// should surface as a user-correctable input problem.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range []error{ErrUnknownTask, ErrDanglingConnection, ErrDeclarationsIncomplete, ErrApprovalNotConfirmed, ErrUnsupportedFormat, ErrCycle} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
