package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/marmos91/portico/pkg/connector"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
)

// maxAsyncDelay caps the delay a client may ask of the async handler.
const maxAsyncDelay = 10 * time.Second

// registerHandlers adds the demo handlers to reg.
func registerHandlers(reg *registry.Registry, endpoints func() []*connector.Endpoint) error {
	handlers := map[string]container.Handler{
		"hello":  container.HandlerFunc(hello),
		"echo":   container.HandlerFunc(echo),
		"status": statusHandler(endpoints),
		"async":  container.HandlerFunc(async),
	}
	for name, h := range handlers {
		if err := reg.RegisterHandler(name, h); err != nil {
			return err
		}
	}
	return nil
}

func hello(req *container.Request, resp *container.Response) error {
	if err := resp.SetHeader("Content-Type", "text/plain; charset=utf-8"); err != nil {
		return err
	}
	_, err := fmt.Fprintf(resp, "Hello from %s%s\n", req.Mapping().Host.Name(), req.Path())
	return err
}

// echo writes the request body back with the request's content type.
func echo(req *container.Request, resp *container.Response) error {
	ct := req.Header("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	if err := resp.SetHeader("Content-Type", ct); err != nil {
		return err
	}
	_, err := io.Copy(resp, req.Body())
	return err
}

type connectorStatus struct {
	Name              string `json:"name"`
	Protocol          string `json:"protocol"`
	Port              int    `json:"port"`
	ActiveConnections int32  `json:"active_connections"`
	Queued            int    `json:"queued"`
	Active            int    `json:"active_workers"`
	Completed         uint64 `json:"completed"`
	Rejected          uint64 `json:"rejected"`
	Panics            uint64 `json:"panics"`
}

func statusHandler(endpoints func() []*connector.Endpoint) container.HandlerFunc {
	return func(_ *container.Request, resp *container.Response) error {
		var out []connectorStatus
		for _, ep := range endpoints() {
			st := ep.ExecutorStats()
			out = append(out, connectorStatus{
				Name:              ep.Name(),
				Protocol:          ep.Protocol(),
				Port:              ep.Port(),
				ActiveConnections: ep.ActiveConnections(),
				Queued:            st.Queued,
				Active:            st.Active,
				Completed:         st.Completed,
				Rejected:          st.Rejected,
				Panics:            st.Panics,
			})
		}

		if err := resp.SetHeader("Content-Type", "application/json"); err != nil {
			return err
		}
		enc := json.NewEncoder(resp)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

// async suspends the request and completes it from another goroutine after
// ?delay= (a Go duration, default 100ms).
func async(req *container.Request, resp *container.Response) error {
	delay := 100 * time.Millisecond
	if v := req.Query().Get("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return resp.SendError(400)
		}
		delay = min(d, maxAsyncDelay)
	}

	ac, err := req.StartAsync()
	if err != nil {
		return err
	}
	ac.SetTimeout(delay + time.Second)

	started := time.Now()
	go func() {
		time.Sleep(delay)
		r := ac.Response()
		_ = r.SetHeader("Content-Type", "text/plain; charset=utf-8")
		_, _ = r.WriteString("completed after " + strconv.FormatInt(time.Since(started).Milliseconds(), 10) + "ms\n")
		_ = ac.Complete()
	}()
	return nil
}
