package valves

import (
	"fmt"
	"time"

	"github.com/marmos91/portico/internal/ratelimiter"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
)

// RateLimitOptions configures the ratelimit valve.
type RateLimitOptions struct {
	RequestsPerSecond uint          `mapstructure:"requests_per_second"`
	Burst             uint          `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

// RateLimit applies a token bucket per client IP and answers 429 when the
// bucket is empty.
type RateLimit struct {
	limiter *ratelimiter.KeyedLimiter
}

// NewRateLimit creates a ratelimit valve.
func NewRateLimit(opts RateLimitOptions) (*RateLimit, error) {
	if opts.RequestsPerSecond == 0 {
		return nil, fmt.Errorf("requests_per_second must be greater than zero")
	}
	if opts.Burst == 0 {
		opts.Burst = opts.RequestsPerSecond
	}
	return &RateLimit{limiter: ratelimiter.NewKeyed(opts.RequestsPerSecond, opts.Burst, opts.IdleTTL)}, nil
}

// RateLimitFactory builds a ratelimit valve from params.
func RateLimitFactory(params map[string]any) (container.Valve, error) {
	var opts RateLimitOptions
	if err := registry.DecodeParams(params, &opts); err != nil {
		return nil, err
	}
	return NewRateLimit(opts)
}

// Invoke implements container.Valve.
func (v *RateLimit) Invoke(req *container.Request, resp *container.Response, next container.Next) error {
	if !v.limiter.Allow(req.RemoteIP()) {
		if err := resp.SendError(429); err != nil {
			return err
		}
		return resp.SetHeader("Retry-After", "1")
	}
	return next(req, resp)
}
