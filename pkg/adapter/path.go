package adapter

import (
	"errors"
	"net/url"
	"strings"
)

var (
	errEmptyTarget      = errors.New("empty request target")
	errBadEscape        = errors.New("invalid percent-encoding")
	errEncodedSeparator = errors.New("encoded path separator")
	errNulInPath        = errors.New("NUL byte in path")
	errTraversal        = errors.New("path escapes the root")
	errBadAsterisk      = errors.New("asterisk-form is only valid for OPTIONS")
	errBadForm          = errors.New("unsupported request-target form")
)

// requestTarget is a parsed and normalized request-target.
type requestTarget struct {
	// host comes from an absolute-form target; empty otherwise
	host     string
	path     string
	rawQuery string
	asterisk bool
}

// parseTarget parses a request-target (RFC 9112 Section 3.2) and normalizes
// its path.
func parseTarget(method, target string) (requestTarget, error) {
	var rt requestTarget

	switch {
	case target == "":
		return rt, errEmptyTarget
	case target == "*":
		if method != "OPTIONS" {
			return rt, errBadAsterisk
		}
		rt.asterisk = true
		return rt, nil
	case target[0] == '/':
		// origin-form
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		rest := target[strings.Index(target, "//")+2:]
		end := strings.IndexAny(rest, "/?")
		if end < 0 {
			rt.host, target = rest, "/"
		} else {
			rt.host, target = rest[:end], rest[end:]
			if target[0] == '?' {
				target = "/" + target
			}
		}
		if i := strings.IndexByte(rt.host, '@'); i >= 0 {
			rt.host = rt.host[i+1:]
		}
	default:
		return rt, errBadForm
	}

	rawPath := target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawPath, rt.rawQuery = target[:i], target[i+1:]
	}
	if i := strings.IndexByte(rawPath, '#'); i >= 0 {
		rawPath = rawPath[:i]
	}

	path, err := decodePath(rawPath)
	if err != nil {
		return rt, err
	}
	if path, err = normalizePath(path); err != nil {
		return rt, err
	}
	rt.path = path
	return rt, nil
}

// decodePath percent-decodes p. Encoded '/' and '\' are rejected so that a
// decoded path can not address a different resource than the raw one.
func decodePath(p string) (string, error) {
	if !strings.ContainsRune(p, '%') {
		if strings.IndexByte(p, 0) >= 0 {
			return "", errNulInPath
		}
		return p, nil
	}

	lower := strings.ToLower(p)
	if strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") {
		return "", errEncodedSeparator
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", errBadEscape
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", errNulInPath
	}
	return decoded, nil
}

// normalizePath collapses repeated slashes and resolves "." and ".."
// segments. A trailing slash is preserved. ".." above the root is an error.
func normalizePath(p string) (string, error) {
	if p == "/" {
		return p, nil
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	trailing := strings.HasSuffix(p, "/")

	for i, seg := range segments {
		last := i == len(segments)-1
		switch seg {
		case "", ".":
			if last && seg == "." {
				trailing = true
			}
		case "..":
			if len(out) == 0 {
				return "", errTraversal
			}
			out = out[:len(out)-1]
			if last {
				trailing = true
			}
		default:
			out = append(out, seg)
		}
	}

	if len(out) == 0 {
		return "/", nil
	}
	result := "/" + strings.Join(out, "/")
	if trailing {
		result += "/"
	}
	return result, nil
}
