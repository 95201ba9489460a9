package container

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var (
	// ErrNoHost means neither the request host nor the default host exist.
	ErrNoHost = errors.New("no host matches the request")

	// ErrNoContext means no context path is a prefix of the request path.
	ErrNoContext = errors.New("no context matches the request path")

	// ErrNoWrapper means no wrapper pattern matches inside the context.
	ErrNoWrapper = errors.New("no wrapper matches the request path")
)

// MappingData is the result of mapping a request to containers.
type MappingData struct {
	Host    *Container
	Context *Container
	Wrapper *Container

	// ContextPath is the matched context path ("" for the root context).
	ContextPath string

	// WrapperPath is the part of the path that selected the wrapper.
	WrapperPath string

	// PathInfo is the remainder after WrapperPath for prefix matches.
	PathInfo string
}

// Reset clears m for reuse.
func (m *MappingData) Reset() {
	*m = MappingData{}
}

// Mapper resolves a host name and a normalized path to a Host, Context and
// Wrapper. It is built once when the Engine starts and never mutated.
type Mapper struct {
	hosts       map[string]*hostMapping
	defaultHost *hostMapping
}

type hostMapping struct {
	host *Container

	// contexts sorted by path length, longest first
	contexts []*contextMapping
}

type contextMapping struct {
	ctx  *Container
	path string

	exact      map[string]*Container
	prefixes   []prefixMapping // longest first
	extensions map[string]*Container
	fallback   *Container
}

type prefixMapping struct {
	prefix  string
	wrapper *Container
}

func buildMapper(engine *Container) (*Mapper, error) {
	m := &Mapper{hosts: make(map[string]*hostMapping)}

	for _, host := range engine.children {
		hm := &hostMapping{host: host}
		for _, ctx := range host.children {
			cm, err := buildContextMapping(ctx)
			if err != nil {
				return nil, err
			}
			hm.contexts = append(hm.contexts, cm)
		}
		sort.SliceStable(hm.contexts, func(i, j int) bool {
			return len(hm.contexts[i].path) > len(hm.contexts[j].path)
		})

		for _, name := range append([]string{host.name}, host.aliases...) {
			if _, dup := m.hosts[name]; dup {
				return nil, fmt.Errorf("engine %s: host name %q mapped twice", engine.name, name)
			}
			m.hosts[name] = hm
		}
	}

	if engine.defaultHost != "" {
		hm, ok := m.hosts[engine.defaultHost]
		if !ok {
			return nil, fmt.Errorf("engine %s: default host %q is not configured", engine.name, engine.defaultHost)
		}
		m.defaultHost = hm
	}
	return m, nil
}

func buildContextMapping(ctx *Container) (*contextMapping, error) {
	cm := &contextMapping{
		ctx:        ctx,
		path:       ctx.path,
		exact:      make(map[string]*Container),
		extensions: make(map[string]*Container),
	}

	for _, w := range ctx.children {
		for _, pattern := range w.patterns {
			switch {
			case pattern == "/" || pattern == "":
				if cm.fallback != nil {
					return nil, fmt.Errorf("context %s: default wrapper set twice", ctx.displayName())
				}
				cm.fallback = w
			case strings.HasPrefix(pattern, "*."):
				cm.extensions[pattern[2:]] = w
			case strings.HasSuffix(pattern, "/*"):
				cm.prefixes = append(cm.prefixes, prefixMapping{prefix: strings.TrimSuffix(pattern, "/*"), wrapper: w})
			case strings.HasPrefix(pattern, "/"):
				cm.exact[pattern] = w
			default:
				return nil, fmt.Errorf("wrapper %s: invalid pattern %q", w.name, pattern)
			}
		}
	}
	sort.SliceStable(cm.prefixes, func(i, j int) bool {
		return len(cm.prefixes[i].prefix) > len(cm.prefixes[j].prefix)
	})
	return cm, nil
}

// Map resolves host and path into md.
//
// Parameters:
//   - host: the Host header value, possibly with a port
//   - path: an absolute, normalized, decoded path
//   - md: filled in as far as mapping succeeds
//
// Returns ErrNoHost, ErrNoContext or ErrNoWrapper when a level has no match.
func (m *Mapper) Map(host, path string, md *MappingData) error {
	hm := m.hosts[hostName(host)]
	if hm == nil {
		hm = m.defaultHost
	}
	if hm == nil {
		return ErrNoHost
	}
	md.Host = hm.host

	var cm *contextMapping
	for _, c := range hm.contexts {
		if c.path == "" || path == c.path || strings.HasPrefix(path, c.path+"/") {
			cm = c
			break
		}
	}
	if cm == nil {
		return ErrNoContext
	}
	md.Context = cm.ctx
	md.ContextPath = cm.path

	rel := path[len(cm.path):]
	if rel == "" {
		rel = "/"
	}
	return cm.mapWrapper(rel, md)
}

func (cm *contextMapping) mapWrapper(rel string, md *MappingData) error {
	if w := cm.exact[rel]; w != nil {
		md.Wrapper = w
		md.WrapperPath = rel
		return nil
	}

	for _, pm := range cm.prefixes {
		if rel == pm.prefix || strings.HasPrefix(rel, pm.prefix+"/") || pm.prefix == "" {
			md.Wrapper = pm.wrapper
			md.WrapperPath = pm.prefix
			md.PathInfo = rel[len(pm.prefix):]
			return nil
		}
	}

	last := rel[strings.LastIndexByte(rel, '/')+1:]
	if dot := strings.LastIndexByte(last, '.'); dot >= 0 {
		if w := cm.extensions[last[dot+1:]]; w != nil {
			md.Wrapper = w
			md.WrapperPath = rel
			return nil
		}
	}

	if cm.fallback != nil {
		md.Wrapper = cm.fallback
		md.WrapperPath = rel
		return nil
	}
	return ErrNoWrapper
}

// hostName lowercases h and strips the port, keeping IPv6 brackets.
func hostName(h string) string {
	if h == "" {
		return ""
	}
	if name, _, err := net.SplitHostPort(h); err == nil {
		if strings.Contains(name, ":") {
			return "[" + strings.ToLower(name) + "]"
		}
		return strings.ToLower(name)
	}
	return strings.ToLower(h)
}
