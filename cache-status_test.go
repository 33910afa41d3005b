package pagecache

import "testing"

func TestCacheStatusString(t *testing.T) {
	var cs CacheStatus
	cs.Forward(FwdReasonUriMiss)
	if s := cs.String(); s != "PageCache; fwd=uri-miss" {
		t.Fatalf("Status is %q", s)
	}
	cs.Stored = true
	if s := cs.String(); s != "PageCache; fwd=uri-miss; stored" {
		t.Fatalf("Status is %q", s)
	}
	cs = CacheStatus{}
	cs.Hit()
	cs.Detail = "memory"
	if s := cs.String(); s != "PageCache; hit; detail=memory" {
		t.Fatalf("Status is %q", s)
	}
}
