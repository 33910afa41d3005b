package pagecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request
	// (excluded URI or XHR request).
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain a response for the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response, but it could not be used
	// (e.g. it was corrupt).
	FwdReasonMiss FwdReason = "miss"

	// The request asked for the stored response to be purged.
	FwdReasonRequest FwdReason = "request"

	// The cache contained a response for the request, but it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus describes how the cache handled a request,
// in the format of the `Cache-Status` header field.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("PageCache; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
