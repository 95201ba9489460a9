package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"tiny", 10, SmallSize},
		{"small boundary", SmallSize, SmallSize},
		{"socket", SmallSize + 1, SocketSize},
		{"medium", SocketSize + 1, MediumSize},
		{"large", MediumSize + 1, LargeSize},
		{"oversized", LargeSize + 1, LargeSize + 1},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
			p.Put(buf)
		})
	}
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	p := New()
	assert.NotPanics(t, func() {
		p.Put(nil)
		p.Put(make([]byte, 123))
	})
}

func TestGlobalRoundTrip(t *testing.T) {
	buf := Get(100)
	buf[0] = 0xAB
	Put(buf)

	again := Get(SmallSize)
	assert.Len(t, again, SmallSize)
	Put(again)
}
