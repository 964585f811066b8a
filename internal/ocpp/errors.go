package ocpp

import "fmt"

// ErrorCode is an OCPP-J error code carried in a CALLERROR frame.
type ErrorCode string

const (
	ErrorNotImplemented                ErrorCode = "NotImplemented"
	ErrorNotSupported                  ErrorCode = "NotSupported"
	ErrorInternalError                 ErrorCode = "InternalError"
	ErrorProtocolError                 ErrorCode = "ProtocolError"
	ErrorSecurityError                 ErrorCode = "SecurityError"
	ErrorFormationViolation            ErrorCode = "FormationViolation"
	ErrorPropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	ErrorOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	ErrorTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	ErrorGenericError                  ErrorCode = "GenericError"

	// Local error codes, never sent on the wire.
	ErrorRequestTimeout ErrorCode = "RequestTimeout"
)

// Error is a structured OCPP error, either received in a CALLERROR frame or
// raised locally (timeouts, guard violations, closed connections).
type Error struct {
	Code        ErrorCode
	Description string
	Details     map[string]interface{}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds an Error with the given code and description.
func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// ErrTimeout builds the error delivered to a caller whose cached request
// passed its deadline without a response.
func ErrTimeout(action string) *Error {
	return &Error{
		Code:        ErrorRequestTimeout,
		Description: fmt.Sprintf("timed out waiting for %s response", action),
	}
}
