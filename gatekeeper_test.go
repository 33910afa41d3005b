package pagecache

import (
	"net/http/httptest"
	"testing"

	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
)

func TestGatekeeper(t *testing.T) {
	g, err := newGatekeeper([]string{`/private/`, `[?&]nocache=`}, false)
	if err != nil {
		t.Fatal(err)
	}
	keyer := cachekey.NewCacheKeyer("purge")

	for _, tc := range []struct {
		method string
		target string
		xhr    bool
		reason FwdReason
	}{
		{"GET", "/", false, ""},
		{"HEAD", "/", false, ""},
		{"POST", "/", false, FwdReasonMethod},
		{"PUT", "/", false, FwdReasonMethod},
		{"GET", "/private/page", false, FwdReasonBypass},
		{"POST", "/private/page", false, FwdReasonMethod},
		{"GET", "/page?nocache=1", false, FwdReasonBypass},
		{"GET", "/page?a=1&nocache=1", false, FwdReasonBypass},
		{"GET", "/page?xnocache=1", false, ""},
		{"GET", "/page", true, FwdReasonBypass},
	} {
		r := httptest.NewRequest(tc.method, tc.target, nil)
		if tc.xhr {
			r.Header.Set("X-Requested-With", "XMLHttpRequest")
		}
		req := cachekey.FromHTTP(r)
		if reason := g.check(req, keyer.URI(req)); reason != tc.reason {
			t.Errorf("%s %s: reason is %q, expected %q", tc.method, tc.target, reason, tc.reason)
		}
	}
}

func TestGatekeeperRejectsInvalidPattern(t *testing.T) {
	if _, err := newGatekeeper([]string{"[a-"}, false); err == nil {
		t.Fatal("No error for invalid pattern")
	}
}

func TestPurgeRequested(t *testing.T) {
	p := newTestCache(t, Options{ClearCacheParam: "purge"}, nil)
	for target, want := range map[string]bool{
		"/":             false,
		"/?purge":       true,
		"/?a=1&purge=1": true,
		"/?purge[x]=1":  false,
		"/?repurge=1":   false,
	} {
		req := cachekey.FromHTTP(httptest.NewRequest("GET", target, nil))
		if got := p.PurgeRequested(req); got != want {
			t.Errorf("PurgeRequested(%s) = %v", target, got)
		}
	}

	disabled := newTestCache(t, Options{}, nil)
	if disabled.PurgeRequested(cachekey.FromHTTP(httptest.NewRequest("GET", "/?purge=1", nil))) {
		t.Fatal("Purge without a configured parameter")
	}
}
