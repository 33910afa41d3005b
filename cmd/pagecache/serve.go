package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/always-cache/pagecache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	originFlag  string
	hostFlag    string
	portFlag    int
	metricsFlag bool
	adminFlag   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a caching reverse proxy in front of an origin server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if originFlag == "" {
			return fmt.Errorf("please specify origin")
		}
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			return fmt.Errorf("could not parse origin url: %w", err)
		}

		router := chi.NewRouter()
		router.Use(hlog.NewHandler(log.Logger))
		router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Trace().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Handled request")
		}))

		var mp metric.MeterProvider
		if metricsFlag {
			exporter, err := prometheus.New()
			if err != nil {
				return fmt.Errorf("creating prometheus exporter: %w", err)
			}
			provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
			defer provider.Shutdown(cmd.Context())
			mp = provider
			router.Handle("/metrics", promhttp.Handler())
		}

		proxy := newProxy(*originUrl, hostFlag)
		if pc, err := newPageCache(mp); err != nil {
			// keep serving, only without the cache
			log.Error().Err(err).Msg("Could not set up cache, proxying without caching")
			router.Handle("/*", proxy)
		} else {
			if adminFlag {
				router.Post("/.pagecache/clear", clearHandler(pc))
			}
			router.Handle("/*", pc.Middleware(proxy))
		}

		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, originUrl.String(), hostFlag)
		return http.ListenAndServe(fmt.Sprintf(":%d", portFlag), router)
	},
}

func init() {
	serveCmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Hostname of origin")
	serveCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Serve Prometheus metrics on /metrics")
	serveCmd.Flags().BoolVar(&adminFlag, "admin", false, "Enable POST /.pagecache/clear")
}

func newPageCache(mp metric.MeterProvider) (*pagecache.PageCache, error) {
	options, err := loadOptions()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return pagecache.New(pagecache.Config{
		Options:       options,
		Logger:        &log.Logger,
		MeterProvider: mp,
	})
}

func newProxy(origin url.URL, hostHeader string) *httputil.ReverseProxy {
	transport := http.DefaultTransport
	if hostHeader != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: hostHeader,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(origin.Scheme, origin.Host, hostHeader),
		Transport: transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
		// the cache does its own compression, the origin must send identity bodies
		req.Header.Del("Accept-Encoding")
	}
}

func clearHandler(pc *pagecache.PageCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pc.Clear(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not clear cache")
			http.Error(w, "could not clear cache", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
