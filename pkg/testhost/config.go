package testhost

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/lambdahost/lambdahost/pkg/logger"
	"github.com/lambdahost/lambdahost/pkg/router"
)

const (
	DefaultInvokeTimeout   = 15 * time.Second
	DefaultFunctionTimeout = 30 * time.Second
	DefaultStartTimeout    = 30 * time.Second
	DefaultFunctionARN     = "arn:aws:lambda:us-east-1:000000000000:function:test-function"
)

type Config struct {
	// InvokeTimeout bounds how long Invoke waits for a completion before
	// giving up and orphaning the ledger entry.
	InvokeTimeout time.Duration

	// FunctionTimeout feeds the synthetic deadline header handed to the
	// runtime on each poll.
	FunctionTimeout time.Duration

	// StartTimeout bounds how long Start waits for the startup race to
	// resolve.
	StartTimeout time.Duration

	// APIVersion is the version segment of the emulated routes.
	APIVersion string

	FunctionARN string

	// TraceID generates the trace header value for each invocation.
	TraceID func() string

	// CorrelationID generates invocation correlation ids.  The default is
	// monotonic and zero-padded for reproducible assertions.
	CorrelationID func() string

	Clock clockwork.Clock
	Log   *slog.Logger

	// OnDesync receives protocol desync reports from the dispatcher.
	OnDesync router.DesyncObserver
}

func (c Config) withDefaults() Config {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.FunctionTimeout <= 0 {
		c.FunctionTimeout = DefaultFunctionTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.FunctionARN == "" {
		c.FunctionARN = DefaultFunctionARN
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TraceID == nil {
		c.TraceID = XRayTraceIDs(c.Clock)
	}
	if c.CorrelationID == nil {
		c.CorrelationID = MonotonicIDs()
	}
	if c.Log == nil {
		c.Log = logger.Discard()
	}
	return c
}

// MonotonicIDs returns a correlation id generator producing zero-padded,
// monotonically increasing ids.
func MonotonicIDs() func() string {
	var n uint64
	return func() string {
		return fmt.Sprintf("%012d", atomic.AddUint64(&n, 1))
	}
}

// XRayTraceIDs returns an X-Ray style trace header generator.  The root
// segment's epoch comes from clock, so fake-clock tests get deterministic
// timestamps.
func XRayTraceIDs(clock clockwork.Clock) func() string {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func() string {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")
		return fmt.Sprintf("Root=1-%08x-%s;Parent=%s;Sampled=0",
			clock.Now().Unix(), id[:24], id[8:24])
	}
}

// envConfig is the koanf shape of the environment surface.
type envConfig struct {
	InvokeTimeout   string `koanf:"invoke-timeout"`
	FunctionTimeout string `koanf:"function-timeout"`
	StartTimeout    string `koanf:"start-timeout"`
	APIVersion      string `koanf:"api-version"`
	FunctionARN     string `koanf:"function-arn"`
}

// EnvPrefix is the prefix of all environment variables FromEnv reads.
const EnvPrefix = "LAMBDAHOST_"

// FromEnv builds a Config from LAMBDAHOST_* environment variables, e.g.
// LAMBDAHOST_INVOKE_TIMEOUT=50ms or LAMBDAHOST_API_VERSION=2018-06-01.
// Unset variables keep their defaults.
func FromEnv() (Config, error) {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		// LAMBDAHOST_INVOKE_TIMEOUT -> invoke-timeout
		return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "-")), value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("testhost: loading environment: %w", err)
	}

	ec := envConfig{}
	if err := k.Unmarshal("", &ec); err != nil {
		return Config{}, fmt.Errorf("testhost: unmarshalling environment: %w", err)
	}

	cfg := Config{
		APIVersion:  ec.APIVersion,
		FunctionARN: ec.FunctionARN,
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{ec.InvokeTimeout, &cfg.InvokeTimeout, "invoke-timeout"},
		{ec.FunctionTimeout, &cfg.FunctionTimeout, "function-timeout"},
		{ec.StartTimeout, &cfg.StartTimeout, "start-timeout"},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("testhost: parsing %s%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(d.key, "-", "_")), err)
		}
		*d.dst = dur
	}
	return cfg, nil
}
