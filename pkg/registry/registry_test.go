package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/portico/pkg/container"
)

func passValve(req *container.Request, resp *container.Response, next container.Next) error {
	return next(req, resp)
}

func TestRegisterValve(t *testing.T) {
	reg := NewRegistry()
	factory := func(map[string]any) (container.Valve, error) {
		return container.ValveFunc(passValve), nil
	}

	require.NoError(t, reg.RegisterValve("pass", factory))
	assert.Error(t, reg.RegisterValve("pass", factory), "duplicate")
	assert.Error(t, reg.RegisterValve("", factory), "empty name")
	assert.Error(t, reg.RegisterValve("nil", nil), "nil factory")

	v, err := reg.BuildValve("pass", nil)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = reg.BuildValve("missing", nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"pass"}, reg.ListValves())
}

func TestRegisterHandler(t *testing.T) {
	reg := NewRegistry()
	h := container.HandlerFunc(func(*container.Request, *container.Response) error { return nil })

	require.NoError(t, reg.RegisterHandler("b", h))
	require.NoError(t, reg.RegisterHandler("a", h))
	assert.Error(t, reg.RegisterHandler("a", h))
	assert.Error(t, reg.RegisterHandler("x", nil))

	got, err := reg.GetHandler("a")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = reg.GetHandler("zzz")
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.ListHandlers())
}

func TestDecodeParams(t *testing.T) {
	type opts struct {
		Header string        `mapstructure:"header"`
		Burst  uint          `mapstructure:"burst"`
		TTL    time.Duration `mapstructure:"ttl"`
	}

	var o opts
	require.NoError(t, DecodeParams(map[string]any{"header": "X-Id", "burst": "10", "ttl": "5s"}, &o))
	assert.Equal(t, opts{Header: "X-Id", Burst: 10, TTL: 5 * time.Second}, o)

	err := DecodeParams(map[string]any{"unknown": 1}, &o)
	assert.Error(t, err)
}

func TestBuildValveWrapsFactoryError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterValve("strict", func(params map[string]any) (container.Valve, error) {
		var o struct {
			Limit int `mapstructure:"limit"`
		}
		if err := DecodeParams(params, &o); err != nil {
			return nil, err
		}
		return container.ValveFunc(passValve), nil
	}))

	_, err := reg.BuildValve("strict", map[string]any{"limit": "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `valve "strict"`)
}
