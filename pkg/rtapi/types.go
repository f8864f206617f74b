package rtapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the structured error payload posted on the error routes.
// Cause carries the unwrap chain of the originating error, outermost first.
type ErrorResponse struct {
	ErrorType    string         `json:"errorType"`
	ErrorMessage string         `json:"errorMessage"`
	StackTrace   []string       `json:"stackTrace,omitempty"`
	Cause        *ErrorResponse `json:"cause,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}

func (e *ErrorResponse) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// StatusResponse is the lightweight acknowledgement body returned on the
// result and error posts.
type StatusResponse struct {
	Status string `json:"status"`
}

const StatusOK = "OK"

// Invocation is the synthetic event served to the runtime on a next poll:
// the payload body plus the protocol response headers.
type Invocation struct {
	CorrelationID string
	Payload       []byte
	// Deadline is the absolute function deadline surfaced to the runtime.
	Deadline    time.Time
	FunctionARN string
	TraceID     string
}

// Response frames the invocation as the poll's HTTP response.  now feeds the
// Date header so callers control the clock.
func (i Invocation) Response(now time.Time) *http.Response {
	header := http.Header{}
	header.Set(HeaderRequestID, i.CorrelationID)
	header.Set(HeaderDeadlineMS, strconv.FormatInt(i.Deadline.UnixMilli(), 10))
	header.Set(HeaderFunctionARN, i.FunctionARN)
	header.Set(HeaderTraceID, i.TraceID)
	header.Set("Content-Type", "application/json")
	header.Set("Date", now.UTC().Format(http.TimeFormat))
	header.Set("Transfer-Encoding", "chunked")

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(i.Payload)),
		ContentLength: -1,
	}
}

// AcceptedResponse is the 202 returned when a result or error post has been
// recorded.
func AcceptedResponse() *http.Response {
	return JSONResponse(http.StatusAccepted, StatusResponse{Status: StatusOK})
}

// JSONResponse builds a synthetic response with a JSON body.
func JSONResponse(status int, v any) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		// Marshalling our own response types never fails.
		body = []byte(`{"status":"InternalError"}`)
		status = http.StatusInternalServerError
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
