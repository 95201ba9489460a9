package valves

import (
	"strconv"

	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/registry"
)

// ErrorReport fills in a short text/plain body for error responses the
// application left empty. It never exposes error details.
type ErrorReport struct{}

// ErrorReportFactory builds an errorreport valve. It takes no params.
func ErrorReportFactory(params map[string]any) (container.Valve, error) {
	var opts struct{}
	if err := registry.DecodeParams(params, &opts); err != nil {
		return nil, err
	}
	return ErrorReport{}, nil
}

// Invoke implements container.Valve.
func (ErrorReport) Invoke(req *container.Request, resp *container.Response, next container.Next) error {
	if err := next(req, resp); err != nil {
		return err
	}
	if req.IsAsyncStarted() || resp.IsCommitted() || resp.BytesWritten() > 0 {
		return nil
	}

	status := resp.Status()
	if status < 400 {
		return nil
	}
	if err := resp.SetHeader("Content-Type", "text/plain; charset=utf-8"); err != nil {
		return err
	}
	_, err := resp.WriteString(strconv.Itoa(status) + " " + protocol.StatusText(status) + "\n")
	return err
}
