package funcruntime

import (
	"errors"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

// InvalidPayloadError marks an event payload that could not be decoded into
// the handler's input type.
type InvalidPayloadError struct {
	cause error
}

func (e *InvalidPayloadError) Error() string {
	return "invalid invocation payload: " + e.cause.Error()
}

func (e *InvalidPayloadError) Unwrap() error { return e.cause }

// ErrorFrom converts a handler error into the structured wire payload: the Go
// type name as errorType, the unwrap chain as the nested cause, and the
// current stack.
func ErrorFrom(err error) *rtapi.ErrorResponse {
	er := shape(err)
	er.StackTrace = stack()
	return er
}

func shape(err error) *rtapi.ErrorResponse {
	if er, ok := err.(*rtapi.ErrorResponse); ok {
		return er
	}
	er := &rtapi.ErrorResponse{
		ErrorType:    errorType(err),
		ErrorMessage: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		er.Cause = shape(cause)
	}
	return er
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

func stack() []string {
	return strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
}
