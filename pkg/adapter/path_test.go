package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		host     string
		path     string
		query    string
		asterisk bool
		wantErr  error
	}{
		{"origin", "GET", "/a/b", "", "/a/b", "", false, nil},
		{"query", "GET", "/a?x=1&y", "", "/a", "x=1&y", false, nil},
		{"fragment dropped", "GET", "/a#frag", "", "/a", "", false, nil},
		{"trailing slash kept", "GET", "/a/b/", "", "/a/b/", "", false, nil},
		{"dot segments", "GET", "/a/./b/../c", "", "/a/c", "", false, nil},
		{"dotdot last", "GET", "/a/b/..", "", "/a/", "", false, nil},
		{"double slash", "GET", "//a///b", "", "/a/b", "", false, nil},
		{"decoded", "GET", "/caf%C3%A9", "", "/café", "", false, nil},
		{"encoded dot segment", "GET", "/a/%2e%2e/b", "", "/b", "", false, nil},
		{"absolute", "GET", "http://example.com/x?y=2", "example.com", "/x", "y=2", false, nil},
		{"absolute no path", "GET", "https://example.com", "example.com", "/", "", false, nil},
		{"absolute userinfo", "GET", "http://u:p@example.com:81/", "example.com:81", "/", "", false, nil},
		{"asterisk", "OPTIONS", "*", "", "", "", true, nil},
		{"asterisk GET", "GET", "*", "", "", "", false, errBadAsterisk},
		{"empty", "GET", "", "", "", "", false, errEmptyTarget},
		{"authority", "CONNECT", "example.com:443", "", "", "", false, errBadForm},
		{"traversal", "GET", "/../x", "", "", "", false, errTraversal},
		{"encoded traversal", "GET", "/a/%2e%2e/%2e%2e/x", "", "", "", false, errTraversal},
		{"encoded slash", "GET", "/a%2Fb", "", "", "", false, errEncodedSeparator},
		{"encoded backslash", "GET", "/a%5cb", "", "", "", false, errEncodedSeparator},
		{"encoded nul", "GET", "/a%00b", "", "", "", false, errNulInPath},
		{"bad escape", "GET", "/a%g1", "", "", "", false, errBadEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := parseTarget(tt.method, tt.target)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, rt.host)
			assert.Equal(t, tt.path, rt.path)
			assert.Equal(t, tt.query, rt.rawQuery)
			assert.Equal(t, tt.asterisk, rt.asterisk)
		})
	}
}
