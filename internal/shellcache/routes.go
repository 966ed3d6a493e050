package shellcache

import (
	"fmt"
	"net/url"
	"strings"
)

// Strategy is the caching policy applied to an intercepted request.
type Strategy int

const (
	StrategyBypass Strategy = iota
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
	StrategyNetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StrategyNetworkFirst:
		return "network-first"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

type containsMatcher struct{ Fragment string }

func (m containsMatcher) Match(s string) bool { return strings.Contains(s, m.Fragment) }

type suffixMatcher struct{ Suffix string }

func (m suffixMatcher) Match(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), m.Suffix)
}

// Routes classifies requests. It is immutable once built.
type Routes struct {
	origin *url.URL
	auth   []containsMatcher
	static []suffixMatcher
	api    []containsMatcher
}

func NewRoutes(origin *url.URL, rc RoutesConfig) (*Routes, error) {
	if origin == nil {
		return nil, fmt.Errorf("nil origin")
	}
	rt := &Routes{origin: origin}
	for i, s := range rc.AuthMarkers {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("auth_markers[%d]: empty marker", i)
		}
		rt.auth = append(rt.auth, containsMatcher{Fragment: s})
	}
	for i, s := range rc.APIPrefixes {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("api_prefixes[%d]: empty prefix", i)
		}
		rt.api = append(rt.api, containsMatcher{Fragment: s})
	}
	for i, s := range rc.StaticExtensions {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return nil, fmt.Errorf("static_extensions[%d]: empty extension", i)
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		rt.static = append(rt.static, suffixMatcher{Suffix: s})
	}
	return rt, nil
}

// Classify picks exactly one strategy for u. Auth markers are checked first
// so credentials never reach a cache.
func (rt *Routes) Classify(u *url.URL) Strategy {
	full := u.String()
	if rt.IsAuth(full) {
		return StrategyBypass
	}
	if rt.SameOrigin(u) {
		for _, m := range rt.static {
			if m.Match(u.Path) {
				return StrategyCacheFirst
			}
		}
		for _, m := range rt.api {
			if m.Match(full) {
				return StrategyStaleWhileRevalidate
			}
		}
	}
	return StrategyNetworkFirst
}

// IsAuth reports whether rawURL contains an authentication marker.
func (rt *Routes) IsAuth(rawURL string) bool {
	for _, m := range rt.auth {
		if m.Match(rawURL) {
			return true
		}
	}
	return false
}

func (rt *Routes) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, rt.origin.Scheme) && strings.EqualFold(u.Host, rt.origin.Host)
}
