package container

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/portico/pkg/protocol"
)

func TestResponseBuffersUntilFinish(t *testing.T) {
	_, resp, out := newExchange("GET", "localhost", "/")

	_, err := resp.WriteString("hello")
	require.NoError(t, err)
	assert.False(t, resp.IsCommitted())
	require.NoError(t, resp.SetHeader("X-Late", "still allowed"))
	assert.Equal(t, int64(5), resp.BytesWritten())

	require.NoError(t, resp.Finish())
	assert.True(t, resp.IsCommitted())
	assert.Equal(t, 1, out.commits)
	assert.Equal(t, int64(5), out.length)
	assert.Equal(t, "hello", out.body.String())
}

func TestResponseCommitsOnOverflow(t *testing.T) {
	_, resp, out := newExchange("GET", "localhost", "/")

	_, err := resp.WriteString(strings.Repeat("a", 40))
	require.NoError(t, err)
	_, err = resp.WriteString(strings.Repeat("b", 40))
	require.NoError(t, err)
	assert.True(t, resp.IsCommitted())
	assert.Equal(t, int64(-1), out.length)
	assert.ErrorIs(t, resp.SetHeader("X-Late", "x"), protocol.ErrResponseCommitted)
	assert.ErrorIs(t, resp.Reset(), protocol.ErrResponseCommitted)

	_, err = resp.WriteString(strings.Repeat("c", 100))
	require.NoError(t, err)
	require.NoError(t, resp.Finish())
	assert.Equal(t, 180, out.body.Len())
}

func TestResponseFlushCommits(t *testing.T) {
	_, resp, out := newExchange("GET", "localhost", "/")
	_, _ = resp.WriteString("part")
	require.NoError(t, resp.Flush())

	assert.True(t, resp.IsCommitted())
	assert.Equal(t, 1, out.flushes)
	assert.Equal(t, "part", out.body.String())
	assert.ErrorIs(t, resp.SendError(500), protocol.ErrResponseCommitted)
}

func TestSendErrorReplacesBufferedOutput(t *testing.T) {
	_, resp, out := newExchange("GET", "localhost", "/")
	_ = resp.SetHeader("X-Trace", "1")
	_, _ = resp.WriteString("partial")

	require.NoError(t, resp.SendError(503))
	require.NoError(t, resp.Finish())

	assert.Equal(t, 503, out.status)
	assert.Equal(t, "503 Service Unavailable\n", out.body.String())
	assert.Empty(t, resp.Header("X-Trace"))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header("Content-Type"))
}

func TestRequestAccessors(t *testing.T) {
	req, _, _ := newExchange("POST", "localhost", "/app/x")
	req.rawQuery = "a=1&b=2&a=3"

	assert.Equal(t, "POST", req.Method())
	assert.Equal(t, "HTTP/1.1", req.Proto())
	assert.Equal(t, "10.0.0.7", req.RemoteIP())
	assert.Equal(t, []string{"1", "3"}, req.Query()["a"])

	req.SetAttribute("user", "alice")
	assert.Equal(t, "alice", req.Attribute("user"))
	req.RemoveAttribute("user")
	assert.Nil(t, req.Attribute("user"))

	req.Headers().Freeze(protocol.ErrHeadersReadOnly)
	assert.ErrorIs(t, req.SetHeader("X-New", "v"), protocol.ErrHeadersReadOnly)

	req.Recycle()
	assert.Nil(t, req.Protocol())
	assert.Nil(t, req.Attribute("user"))
	assert.Nil(t, req.Mapping().Host)
}

func TestAsyncContext(t *testing.T) {
	req, _, _ := newExchange("GET", "localhost", "/")
	hook := req.Protocol().Hook.(*stubHook)

	ac, err := req.StartAsync()
	require.NoError(t, err)
	assert.True(t, req.IsAsyncStarted())
	assert.Same(t, ac, req.AsyncContext())

	_, err = req.StartAsync()
	assert.Error(t, err)

	var fired []string
	ac.OnComplete(func() { fired = append(fired, "complete") })
	ac.OnTimeout(func() { fired = append(fired, "timeout") })
	ac.OnError(func(err error) { fired = append(fired, "error: "+err.Error()) })

	ac.SetTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, hook.timeout)

	ran := false
	require.NoError(t, ac.Dispatch(func() { ran = true }))
	assert.True(t, ran)

	ac.FireTimeout()
	ac.FireError(errors.New("x"))
	ac.FireComplete()
	assert.Equal(t, []string{"timeout", "error: x", "complete"}, fired)

	require.NoError(t, ac.Complete())
	assert.Equal(t, 1, hook.completed)
	assert.False(t, req.IsAsyncStarted())
}
