package rtapi

const (
	// HeaderRequestID carries the correlation id for one invocation.  The
	// same id appears in the path of the matching response or error post.
	HeaderRequestID = "Lambda-Runtime-Aws-Request-Id"

	// HeaderDeadlineMS is the absolute function deadline as epoch millis.
	HeaderDeadlineMS = "Lambda-Runtime-Deadline-Ms"

	HeaderFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID     = "Lambda-Runtime-Trace-Id"
)
