package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Request is the part of an incoming request that the cache cares about.
// It is captured once per request so that eligibility checks and key
// derivation do not need to look at the *http.Request again.
type Request struct {
	Method string
	// Either "http" or "https".
	Scheme string
	// Host name without the port.
	Host string
	// Escaped request path, exactly as received.
	Path string
	// Raw query string without the leading "?".
	RawQuery string
	// True if the request was sent with `X-Requested-With: XMLHttpRequest`.
	XHR bool
}

// FromHTTP creates a Request from an incoming HTTP request.
func FromHTTP(r *http.Request) Request {
	host, port := splitHostPort(r.Host)
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") || port == "443" {
		scheme = "https"
	}
	return Request{
		Method:   r.Method,
		Scheme:   scheme,
		Host:     host,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		XHR:      strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest"),
	}
}

// HasParam checks whether the top-level query parameter is present, with or without a value.
func (r Request) HasParam(name string) bool {
	if name == "" {
		return false
	}
	for _, pair := range strings.Split(r.RawQuery, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if key, err := url.QueryUnescape(key); err == nil && key == name {
			return true
		}
	}
	return false
}

type CacheKeyer struct {
	// Query parameters left out of the normalized URI.
	// Usually this is the parameter used for purging a single entry.
	IgnoreParams []string
}

func NewCacheKeyer(ignoreParams ...string) CacheKeyer {
	return CacheKeyer{IgnoreParams: ignoreParams}
}

// URI returns the normalized URI for the request: scheme, host, path and
// the canonical query string, in the form `scheme://host/path?query`.
// The question mark is always present, even with an empty query.
// Path case and trailing slashes are kept as they are.
func (c CacheKeyer) URI(r Request) string {
	return r.Scheme + "://" + r.Host + r.Path + "?" + c.canonicalQuery(r.RawQuery)
}

// Key returns the cache key for the request, which is the hex encoded SHA-256 of the normalized URI.
func (c CacheKeyer) Key(r Request) string {
	return HashURI(c.URI(r))
}

// HashURI returns the cache key for an already normalized URI.
func HashURI(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])
}

func (c CacheKeyer) ignored(name string) bool {
	for _, p := range c.IgnoreParams {
		if p != "" && p == name {
			return true
		}
	}
	return false
}

// param is one level of a parsed query string.
// Leaves have a value, branches have children.
type param struct {
	value    string
	children map[string]*param
	// next index used for `name[]` appends
	next int
}

func (p *param) child(name string) *param {
	if p.children == nil {
		p.children = make(map[string]*param)
		p.value = ""
	}
	if name == "" {
		name = strconv.Itoa(p.next)
	}
	if n, err := strconv.Atoi(name); err == nil && n >= p.next {
		p.next = n + 1
	}
	c, ok := p.children[name]
	if !ok {
		c = &param{}
		p.children[name] = c
	}
	return c
}

// canonicalQuery parses the raw query using bracket notation (`a[b][]=c`),
// sorts every level by key and serializes it again.
func (c CacheKeyer) canonicalQuery(rawQuery string) string {
	root := &param{}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			name = rawName
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			value = rawValue
		}
		path := splitName(name)
		if path[0] == "" || c.ignored(path[0]) {
			continue
		}
		node := root
		for _, segment := range path {
			node = node.child(segment)
		}
		// the last assignment wins
		node.children = nil
		node.value = value
	}
	pairs := make([]string, 0)
	for _, name := range sortedNames(root.children) {
		pairs = serialize(pairs, url.QueryEscape(name), root.children[name])
	}
	return strings.Join(pairs, "&")
}

func serialize(pairs []string, prefix string, p *param) []string {
	if p.children == nil {
		return append(pairs, prefix+"="+url.QueryEscape(p.value))
	}
	for _, name := range sortedNames(p.children) {
		pairs = serialize(pairs, prefix+url.QueryEscape("["+name+"]"), p.children[name])
	}
	return pairs
}

// sortedNames orders keys with integer keys first (numerically), then all other keys.
func sortedNames(m map[string]*param) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, aErr := strconv.Atoi(names[i])
		b, bErr := strconv.Atoi(names[j])
		switch {
		case aErr == nil && bErr == nil && a != b:
			return a < b
		case aErr == nil && bErr == nil:
			return names[i] < names[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return names[i] < names[j]
	})
	return names
}

// splitName splits `a[b][c]` into [a b c].
// A name with unbalanced brackets is used verbatim.
func splitName(name string) []string {
	open := strings.IndexByte(name, '[')
	if open <= 0 {
		return []string{name}
	}
	path := []string{name[:open]}
	rest := name[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			return []string{name}
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return []string{name}
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}
