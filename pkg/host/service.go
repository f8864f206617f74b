package host

import (
	"context"
	"time"
)

// Service is the contract between the test host and the hosted runtime
// process.  The host calls Pre to initialize the service, Run to drive its
// polling loop as a blocking operation until the given context is cancelled,
// and Stop to shut it down.  The service performs all of its protocol calls
// against the pluggable transport handed to it at construction; it never
// opens a real connection.
type Service interface {
	// Name returns the service name, used in logs.
	Name() string
	// Pre initializes the service, returning an error if it cannot run.  A
	// runtime that fails initialization reports through the init-error route
	// before returning.
	Pre(ctx context.Context) error
	// Run runs the service as a blocking operation until ctx is cancelled.
	Run(ctx context.Context) error
	// Stop is called to gracefully shut down the service.
	Stop(ctx context.Context) error
}

// StopTimeouter lets a Service define how long the host waits for Stop.
type StopTimeouter interface {
	Service
	StopTimeout() time.Duration
}
