package pagecache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/pagecache/cache"
	cachekey "github.com/always-cache/pagecache/pkg/cache-key"
	capture "github.com/always-cache/pagecache/pkg/response-capture"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	Options
	// Storage for cache entries.
	// If nil, the backend selected in Options is opened.
	Cache cache.Store
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Meter provider for the cache counters. The global provider is used if nil.
	MeterProvider metric.MeterProvider
}

type PageCache struct {
	cache      cache.Store
	keyer      cachekey.CacheKeyer
	gate       gatekeeper
	log        zerolog.Logger
	metrics    *metrics
	lifetime   time.Duration
	gzip       bool
	gzipLevel  int
	purgeParam string
	denylist   map[string]bool
}

// New creates a page cache.
// Zero-valued options are replaced with their defaults before validation.
func New(config Config) (*PageCache, error) {
	options := config.Options.withDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	store := config.Cache
	if store == nil {
		var err error
		if store, err = OpenStore(options); err != nil {
			return nil, fmt.Errorf("opening %s cache: %w", options.Backend, err)
		}
		logger = logger.With().Str("backend", options.Backend).Logger()
	}

	gate, err := newGatekeeper(options.Exclude, options.XHR)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(config.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	p := &PageCache{
		cache:      store,
		keyer:      cachekey.NewCacheKeyer(options.ClearCacheParam),
		gate:       gate,
		log:        logger,
		metrics:    m,
		lifetime:   options.TTL(),
		gzip:       options.Gzip,
		gzipLevel:  options.GzipLevel,
		purgeParam: options.ClearCacheParam,
		denylist:   make(map[string]bool),
	}
	for _, name := range options.HeaderDenylist {
		p.denylist[http.CanonicalHeaderKey(name)] = true
	}
	return p, nil
}

// Middleware returns a handler that serves stored responses
// and stores the responses of next.
func (p *PageCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, next)
	})
}

// Clear removes every entry from the cache.
func (p *PageCache) Clear(ctx context.Context) error {
	if err := p.cache.Clear(ctx); err != nil {
		p.metrics.error(ctx, "clear")
		return err
	}
	p.log.Info().Msg("Cache cleared")
	return nil
}

// Purge removes the entry of a single request.
func (p *PageCache) Purge(ctx context.Context, req cachekey.Request) error {
	return p.purge(ctx, p.keyer.Key(req))
}

func (p *PageCache) purge(ctx context.Context, key string) error {
	if err := p.cache.Delete(ctx, key); err != nil {
		p.metrics.error(ctx, "delete")
		return err
	}
	return nil
}

func (p *PageCache) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	req := cachekey.FromHTTP(r)
	uri := p.keyer.URI(req)
	var cs CacheStatus

	if reason := p.gate.check(req, uri); reason != "" {
		cs.Forward(reason)
		w.Header().Set("Cache-Status", cs.String())
		next.ServeHTTP(w, r)
		p.logRequest(r, cs)
		return
	}

	key := cachekey.HashURI(uri)
	logger := p.getLogger(r).With().Str("key", key).Logger()

	if p.PurgeRequested(req) {
		cs.Forward(FwdReasonRequest)
		if err := p.purge(ctx, key); err != nil {
			logger.Error().Err(err).Msg("Could not purge cache entry")
		} else {
			logger.Trace().Msg("Purged cache entry")
		}
	} else if entry, reason := p.lookup(ctx, logger, key); reason == "" {
		body, encoded, err := p.prepareBody(r, entry)
		if err == nil {
			cs.Hit()
			p.sendStored(w, r, entry.Metadata, body, encoded, cs, logger)
			p.logRequest(r, cs)
			return
		}
		logger.Warn().Err(err).Msg("Could not decode stored body, deleting entry")
		p.metrics.error(ctx, "read")
		if err := p.purge(ctx, key); err != nil {
			logger.Error().Err(err).Msg("Could not delete cache entry")
		}
		cs.Forward(FwdReasonMiss)
	} else {
		cs.Forward(reason)
	}

	// a HEAD response has no body worth storing
	if r.Method == http.MethodHead {
		w.Header().Set("Cache-Status", cs.String())
		next.ServeHTTP(w, r)
		p.logRequest(r, cs)
		return
	}

	p.capture(w, r, next, key, uri, &cs, logger)
	p.logRequest(r, cs)
}

// lookup reads the entry for the key.
// An empty reason means the entry can be used.
func (p *PageCache) lookup(ctx context.Context, logger zerolog.Logger, key string) (cache.Entry, FwdReason) {
	entry, err := p.cache.Read(ctx, key)
	switch {
	case err == nil:
		logger.Trace().Msg("Found cached response")
		return entry, ""
	case errors.Is(err, cache.ErrNotFound):
		return entry, FwdReasonUriMiss
	case errors.Is(err, cache.ErrStale):
		logger.Trace().Msg("Cached response is stale")
		return entry, FwdReasonStale
	default:
		logger.Warn().Err(err).Msg("Could not read from cache, deleting entry")
		p.metrics.error(ctx, "read")
		if err := p.purge(ctx, key); err != nil {
			logger.Error().Err(err).Msg("Could not delete cache entry")
		}
		return entry, FwdReasonMiss
	}
}

// prepareBody returns the body to send for a stored entry.
// Compressed bodies are decoded for clients that do not accept gzip.
func (p *PageCache) prepareBody(r *http.Request, entry cache.Entry) ([]byte, bool, error) {
	if !entry.Metadata.Gzip {
		return entry.Body, false, nil
	}
	if acceptsGzip(r) {
		return entry.Body, true, nil
	}
	body, err := gunzip(entry.Body)
	return body, false, err
}

func (p *PageCache) sendStored(w http.ResponseWriter, r *http.Request, meta cache.Metadata, body []byte, encoded bool, cs CacheStatus, logger zerolog.Logger) {
	header := w.Header()
	for name, values := range meta.Header {
		if p.denylist[http.CanonicalHeaderKey(name)] {
			continue
		}
		header.Del(name)
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if meta.Gzip {
		addVary(header, "Accept-Encoding")
		if encoded {
			header.Set("Content-Encoding", "gzip")
		}
	}
	header.Set("X-Cache", "hit")
	header.Set("Cache-Status", cs.String())
	p.send(w, r, meta.StatusCode, body, logger)
}

func (p *PageCache) capture(w http.ResponseWriter, r *http.Request, next http.Handler, key, uri string, cs *CacheStatus, logger zerolog.Logger) {
	rs := capture.NewResponseSaver(w)
	next.ServeHTTP(rs, r)

	status := rs.StatusCode()
	header := w.Header()
	original := rs.Body()
	body := original
	gzipped := false
	if p.gzip && header.Get("Content-Encoding") == "" && bodyAllowed(status) {
		if compressed, err := compress(original, p.gzipLevel); err != nil {
			logger.Error().Err(err).Msg("Could not compress response")
		} else {
			body = compressed
			gzipped = true
		}
	}

	if storable(status) {
		entry := cache.Entry{
			Body: body,
			Metadata: cache.Metadata{
				StatusCode: status,
				Header:     p.storedHeader(header),
				URI:        uri,
				Created:    rs.CreatedAt,
				Gzip:       gzipped,
			},
		}
		// the entry is written even if the client went away
		ctx := context.WithoutCancel(r.Context())
		logger.Trace().Msgf("Writing to cache: %s %v", uri, p.lifetime)
		if err := p.cache.Write(ctx, key, entry, p.lifetime); err != nil {
			logger.Warn().Err(err).Msg("Could not write to cache")
			p.metrics.error(ctx, "write")
		} else {
			cs.Stored = true
			p.metrics.write(ctx)
		}
	}

	if gzipped {
		addVary(header, "Accept-Encoding")
		if acceptsGzip(r) {
			header.Set("Content-Encoding", "gzip")
		} else {
			body = original
		}
	}
	header.Set("X-Cache", "miss")
	header.Set("Cache-Status", cs.String())
	p.send(w, r, status, body, logger)
}

func (p *PageCache) send(w http.ResponseWriter, r *http.Request, status int, body []byte, logger zerolog.Logger) {
	if bodyAllowed(status) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || !bodyAllowed(status) {
		return
	}
	bytesWritten, err := w.Write(body)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
		return
	}
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// hopHeaders are never stored, since they describe the connection and not the response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"X-Cache",
	"Cache-Status",
}

// storedHeader returns a copy of the header without the denylisted headers,
// the hop-by-hop headers and the headers set by the cache itself.
func (p *PageCache) storedHeader(header http.Header) http.Header {
	stored := header.Clone()
	for name := range stored {
		if p.denylist[http.CanonicalHeaderKey(name)] || strings.HasPrefix(http.CanonicalHeaderKey(name), "Pagecache-Meta-") {
			delete(stored, name)
		}
	}
	for _, name := range hopHeaders {
		stored.Del(name)
	}
	return stored
}

func (p *PageCache) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &p.log
	}
	return logger
}

func (p *PageCache) logRequest(r *http.Request, cs CacheStatus) {
	p.metrics.request(r.Context(), cs)
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	p.getLogger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// storable reports whether a response with the status can be replayed to any client.
// Partial and not-modified responses only answer the request that produced them.
func storable(status int) bool {
	return status < 500 && status != http.StatusNotModified && status != http.StatusPartialContent
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// acceptsGzip checks the Accept-Encoding request header for gzip or a wildcard with a non-zero quality.
func acceptsGzip(r *http.Request) bool {
	for _, field := range r.Header.Values("Accept-Encoding") {
		for _, coding := range strings.Split(field, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(coding), ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if name != "gzip" && name != "*" {
				continue
			}
			if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
				if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
					continue
				}
			}
			return true
		}
	}
	return false
}

func addVary(header http.Header, name string) {
	for _, field := range header.Values("Vary") {
		for _, v := range strings.Split(field, ",") {
			if strings.EqualFold(strings.TrimSpace(v), name) || strings.TrimSpace(v) == "*" {
				return
			}
		}
	}
	header.Add("Vary", name)
}

func compress(body []byte, level int) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
