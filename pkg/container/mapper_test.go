package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMappingTree(t *testing.T) *Container {
	t.Helper()
	nop := HandlerFunc(func(*Request, *Response) error { return nil })

	engine := NewEngine("engine", "default.local")
	def := NewHost("default.local")
	api := NewHost("API.example.com", "api.example.org", "[::1]")
	require.NoError(t, engine.AddChild(def))
	require.NoError(t, engine.AddChild(api))

	root := NewContext("/")
	require.NoError(t, def.AddChild(root))
	require.NoError(t, root.AddChild(NewWrapper("default", nop, "/")))

	shop := NewContext("/shop")
	shopV2 := NewContext("/shop/v2")
	require.NoError(t, api.AddChild(shop))
	require.NoError(t, api.AddChild(shopV2))

	require.NoError(t, shop.AddChild(NewWrapper("cart", nop, "/cart")))
	require.NoError(t, shop.AddChild(NewWrapper("items", nop, "/items/*")))
	require.NoError(t, shop.AddChild(NewWrapper("itemsAdmin", nop, "/items/admin/*")))
	require.NoError(t, shop.AddChild(NewWrapper("jsp", nop, "*.jsp")))
	require.NoError(t, shopV2.AddChild(NewWrapper("v2", nop, "/")))

	require.NoError(t, engine.Start())
	return engine
}

func TestMapper(t *testing.T) {
	engine := buildMappingTree(t)
	m := engine.Mapper()

	tests := []struct {
		name        string
		host        string
		path        string
		wantHost    string
		wantContext string
		wantWrapper string
		pathInfo    string
		wantErr     error
	}{
		{"exact", "api.example.com", "/shop/cart", "api.example.com", "/shop", "cart", "", nil},
		{"host case and port", "API.Example.COM:8080", "/shop/cart", "api.example.com", "/shop", "cart", "", nil},
		{"alias", "api.example.org", "/shop/cart", "api.example.com", "/shop", "cart", "", nil},
		{"ipv6 alias", "[::1]:8080", "/shop/cart", "api.example.com", "/shop", "cart", "", nil},
		{"prefix", "api.example.com", "/shop/items/42", "api.example.com", "/shop", "items", "/42", nil},
		{"prefix root", "api.example.com", "/shop/items", "api.example.com", "/shop", "items", "", nil},
		{"longest prefix", "api.example.com", "/shop/items/admin/x", "api.example.com", "/shop", "itemsAdmin", "/x", nil},
		{"extension", "api.example.com", "/shop/a/b.jsp", "api.example.com", "/shop", "jsp", "", nil},
		{"longest context", "api.example.com", "/shop/v2/anything", "api.example.com", "/shop/v2", "v2", "", nil},
		{"context needs segment boundary", "api.example.com", "/shopping", "", "", "", "", ErrNoContext},
		{"no wrapper", "api.example.com", "/shop/other", "api.example.com", "/shop", "", "", ErrNoWrapper},
		{"unknown host uses default", "nope.example", "/x", "default.local", "", "default", "", nil},
		{"empty host uses default", "", "/", "default.local", "", "default", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var md MappingData
			err := m.Map(tt.host, tt.path, &md)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, md.Host.Name())
			assert.Equal(t, tt.wantContext, md.ContextPath)
			assert.Equal(t, tt.wantWrapper, md.Wrapper.Name())
			assert.Equal(t, tt.pathInfo, md.PathInfo)
		})
	}
}

func TestMapperWithoutDefaultHost(t *testing.T) {
	nop := HandlerFunc(func(*Request, *Response) error { return nil })
	engine := NewEngine("engine", "")
	host := NewHost("only.example")
	ctx := NewContext("")
	require.NoError(t, engine.AddChild(host))
	require.NoError(t, host.AddChild(ctx))
	require.NoError(t, ctx.AddChild(NewWrapper("w", nop, "/")))
	require.NoError(t, engine.Start())

	var md MappingData
	assert.ErrorIs(t, engine.Mapper().Map("other.example", "/", &md), ErrNoHost)
}

func TestMapperRejectsBadConfiguration(t *testing.T) {
	nop := HandlerFunc(func(*Request, *Response) error { return nil })

	t.Run("missing default host", func(t *testing.T) {
		engine := NewEngine("engine", "ghost")
		require.NoError(t, engine.AddChild(NewHost("real")))
		assert.Error(t, engine.Start())
	})

	t.Run("invalid pattern", func(t *testing.T) {
		engine := NewEngine("engine", "")
		host := NewHost("h")
		ctx := NewContext("/c")
		require.NoError(t, engine.AddChild(host))
		require.NoError(t, host.AddChild(ctx))
		require.NoError(t, ctx.AddChild(NewWrapper("w", nop, "relative")))
		assert.Error(t, engine.Start())
	})

	t.Run("alias collision", func(t *testing.T) {
		engine := NewEngine("engine", "")
		require.NoError(t, engine.AddChild(NewHost("a", "shared")))
		require.NoError(t, engine.AddChild(NewHost("b", "shared")))
		assert.Error(t, engine.Start())
	})
}
