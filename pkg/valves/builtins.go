package valves

import (
	"github.com/marmos91/portico/pkg/registry"
)

// RegisterBuiltins adds every built-in valve factory to reg.
func RegisterBuiltins(reg *registry.Registry) error {
	factories := map[string]registry.ValveFactory{
		"requestid":   RequestIDFactory,
		"accesslog":   AccessLogFactory,
		"remoteaddr":  RemoteAddrFactory,
		"ratelimit":   RateLimitFactory,
		"errorreport": ErrorReportFactory,
	}
	for name, f := range factories {
		if err := reg.RegisterValve(name, f); err != nil {
			return err
		}
	}
	return nil
}
