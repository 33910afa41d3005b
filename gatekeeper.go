package pagecache

import (
	"net/http"
	"regexp"

	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
)

// gatekeeper decides whether a request takes part in caching.
type gatekeeper struct {
	exclude []*regexp.Regexp
	xhr     bool
}

func newGatekeeper(patterns []string, xhr bool) (gatekeeper, error) {
	g := gatekeeper{xhr: xhr}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return g, err
		}
		g.exclude = append(g.exclude, re)
	}
	return g, nil
}

// check returns the reason the request must be forwarded,
// or an empty reason if the request is eligible for caching.
func (g gatekeeper) check(req cachekey.Request, uri string) FwdReason {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return FwdReasonMethod
	}
	for _, re := range g.exclude {
		if re.MatchString(uri) {
			return FwdReasonBypass
		}
	}
	if req.XHR && !g.xhr {
		return FwdReasonBypass
	}
	return ""
}

// Eligible reports whether the request may be served from and stored in the cache.
func (p *PageCache) Eligible(req cachekey.Request) bool {
	return p.gate.check(req, p.keyer.URI(req)) == ""
}

// PurgeRequested reports whether the request carries the purge parameter.
func (p *PageCache) PurgeRequested(req cachekey.Request) bool {
	return p.purgeParam != "" && req.HasParam(p.purgeParam)
}
