// Package shellcache is an app-shell caching worker: an HTTP proxy that
// sits between a web application's clients and its origin and serves each
// request from a versioned cache namespace, from the network, or from an
// offline substitute, following the service-worker caching contract.
package shellcache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/KirillTrubitsyn/shellcache/cache"
	serializer "github.com/KirillTrubitsyn/shellcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

const (
	cacheNamePrefix       = "shellcache-"
	defaultAPIPrefix      = "/api/"
	defaultVersion        = "v1"
	defaultOfflineMessage = "Offline. Проверьте подключение к интернету."
	defaultFallbackPath   = "/"
)

type Config struct {
	// Storage for cache namespaces.
	Storage cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version token embedded in the cache namespace name.
	// Must be bumped on every deployed change to invalidate old caches.
	Version string
	// Same-origin paths cached as a unit during install.
	StaticAssets []string
	// Cross-origin URLs cached best-effort during install.
	ExternalAssets []string
	// Path prefix routed network-only, "/api/" if empty.
	APIPrefix string
	// Error message of the synthesized offline API response.
	OfflineMessage string
	// Path served as the offline fallback for navigation requests, "/" if empty.
	FallbackPath string
	// Clients to claim on activate. Optional.
	Clients Clients
	// HTTP client used for origin and external fetches.
	// http.DefaultClient is used if nil.
	HTTPClient *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Worker struct {
	storage        cache.Storage
	client         *http.Client
	origin         url.URL
	version        string
	staticAssets   []string
	externalAssets []string
	apiPrefix      string
	offlineMessage string
	fallbackPath   string
	clients        Clients
	reverseproxy   httputil.ReverseProxy
	log            zerolog.Logger

	stateMu     sync.Mutex
	state       State
	skipWaiting bool

	tasks sync.WaitGroup
}

// CreateWorker initializes a worker for the given configuration.
// The worker does nothing until Install and Activate are run.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	w := &Worker{
		storage:        config.Storage,
		client:         client,
		origin:         config.OriginURL,
		version:        config.Version,
		staticAssets:   config.StaticAssets,
		externalAssets: config.ExternalAssets,
		apiPrefix:      config.APIPrefix,
		offlineMessage: config.OfflineMessage,
		fallbackPath:   config.FallbackPath,
		clients:        config.Clients,
		log:            logger,
		state:          StateParsed,
	}
	if w.version == "" {
		w.version = defaultVersion
	}
	if w.apiPrefix == "" {
		w.apiPrefix = defaultAPIPrefix
	}
	if w.offlineMessage == "" {
		w.offlineMessage = defaultOfflineMessage
	}
	if w.fallbackPath == "" {
		w.fallbackPath = defaultFallbackPath
	}

	w.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, config.OriginURL.Host),
		Transport: client.Transport,
	}

	return w
}

// CacheName returns the name of the current cache namespace.
// The name embeds the version token, so bumping the version makes
// all previous namespaces stale.
func (w *Worker) CacheName() string {
	return cacheNamePrefix + w.version
}

// ServeHTTP implements the http.Handler interface.
// It routes each request to one of three strategies: non-GET requests
// pass through to the origin untouched, API requests are network-only
// with an offline substitute, and all other GET requests are served
// cache-first with background revalidation.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.passThrough(rw, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, w.apiPrefix) {
		w.networkOnly(rw, r)
		return
	}
	w.cacheFirst(rw, r)
}

// passThrough proxies the request without touching the cache.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request) {
	w.log.Trace().Str("method", r.Method).Msgf("passing through %s", r.URL.String())
	w.reverseproxy.ServeHTTP(rw, r)
}

// networkOnly fetches from the origin and returns the response verbatim.
// API responses are assumed dynamic and are never cached. If the origin
// is unreachable, a substitute offline response is returned instead.
func (w *Worker) networkOnly(rw http.ResponseWriter, r *http.Request) {
	res, err := w.client.Do(w.forward(r))
	if err != nil {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("API fetch failed, sending offline response")
		w.sendOffline(rw)
		return
	}
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// cacheFirst serves from the current cache namespace when possible.
// A hit is returned immediately and revalidated in the background;
// a miss goes to the network and is cached on the way back.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request) {
	event := w.newFetchEvent(r)

	c, err := w.storage.Open(r.Context(), w.CacheName())
	if err != nil {
		cache.StoreErrors.WithLabelValues("open").Inc()
		w.log.Error().Err(err).Msg("Could not open cache")
		w.passThrough(rw, r)
		return
	}

	key := requestKey(event.Request)
	entry, found, err := c.Match(event.Request.Context(), key)
	if err != nil {
		cache.StoreErrors.WithLabelValues("match").Inc()
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		found = false
	}
	if found {
		cache.Hits.WithLabelValues("cache-first").Inc()
		w.sendStored(rw, entry)
		// revalidate after responding, never joined with the response
		event.WaitUntil(func(ctx context.Context) {
			w.revalidate(ctx, c, key)
		})
		return
	}

	cache.Misses.Inc()
	res, err := w.client.Do(w.forward(r))
	if err != nil {
		w.sendFallback(rw, r, c, err)
		return
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		w.sendFallback(rw, r, c, err)
		return
	}

	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := rw.Write(body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}

	if w.cacheable(res) {
		bts, err := serializeResponse(res, body)
		if err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
			return
		}
		event.WaitUntil(func(ctx context.Context) {
			if err := c.Put(ctx, cache.Entry{Key: key, FetchedAt: time.Now(), Bytes: bts}); err != nil {
				cache.StoreErrors.WithLabelValues("put").Inc()
				w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
			}
		})
	}
}

// sendFallback handles a failed network fetch for an uncached request.
// Navigation requests fall back to the cached root document; for anything
// else no fallback is defined and the failure surfaces as a bad gateway.
func (w *Worker) sendFallback(rw http.ResponseWriter, r *http.Request, c cache.Cache, fetchErr error) {
	if acceptsHTML(r) {
		if entry, found, err := c.Match(r.Context(), w.fallbackPath); err == nil && found {
			w.log.Debug().Str("url", r.URL.String()).Msg("Serving offline navigation fallback")
			w.sendStored(rw, entry)
			return
		}
	}
	w.log.Debug().Err(fetchErr).Str("url", r.URL.String()).Msg("Fetch failed with no fallback")
	http.Error(rw, "Bad Gateway", http.StatusBadGateway)
}

// sendStored writes a stored response snapshot to the client.
func (w *Worker) sendStored(rw http.ResponseWriter, entry cache.Entry) {
	res, err := serializer.BytesToResponse(entry.Bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", entry.Key).Msg("Could not create response")
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// sendOffline writes the synthesized offline API substitute.
func (w *Worker) sendOffline(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(http.StatusServiceUnavailable)
	if err := json.NewEncoder(rw).Encode(map[string]string{"error": w.offlineMessage}); err != nil {
		w.log.Error().Err(err).Msg("Could not write offline response")
	}
}

// revalidate refreshes the cache entry for the given request.
// Its outcome is observed only for its side effect, the cache write;
// failures are discarded.
func (w *Worker) revalidate(ctx context.Context, c cache.Cache, key string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(key), nil)
	if err != nil {
		w.log.Trace().Err(err).Msg("Could not create revalidation request")
		return
	}
	res, err := w.client.Do(req)
	if err != nil {
		w.log.Trace().Err(err).Str("url", req.URL.String()).Msg("Revalidation fetch failed")
		return
	}
	defer res.Body.Close()
	if !w.cacheable(res) {
		return
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return
	}
	bts, err := serializeResponse(res, body)
	if err != nil {
		return
	}
	if err := c.Put(ctx, cache.Entry{Key: key, FetchedAt: time.Now(), Bytes: bts}); err != nil {
		cache.StoreErrors.WithLabelValues("put").Inc()
		w.log.Trace().Err(err).Str("key", key).Msg("Could not write revalidated response")
	}
}

// cacheable reports whether an origin response may be stored.
// Only direct successful same-origin results qualify: a response reached
// through a client-followed redirect would be stored under the wrong key,
// and a cross-origin result is the opaque case. Neither is ever stored.
func (w *Worker) cacheable(res *http.Response) bool {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false
	}
	if res.Request != nil {
		// Request.Response is only set when the client followed a redirect
		if res.Request.Response != nil {
			return false
		}
		if res.Request.URL.Host != w.origin.Host {
			return false
		}
	}
	return true
}

// forward builds the upstream copy of an intercepted request.
func (w *Worker) forward(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.URL.Scheme = w.origin.Scheme
	req.URL.Host = w.origin.Host
	req.RequestURI = ""
	return req
}

// resolve turns a same-origin path into an absolute URL on the origin.
func (w *Worker) resolve(path string) string {
	u := w.origin
	if ref, err := url.Parse(path); err == nil {
		return u.ResolveReference(ref).String()
	}
	u.Path = path
	return u.String()
}

// Wait blocks until all background tasks registered on events so far
// have finished. Used for graceful shutdown.
func (w *Worker) Wait() {
	w.tasks.Wait()
}

// requestKey is the request identity used to address a cache entry.
// Only GET requests are keyed, so the method is implicit.
func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func createDirector(scheme, host string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
	}
}

// serializeResponse snapshots a response whose body has already been read.
func serializeResponse(res *http.Response, body []byte) ([]byte, error) {
	res.Body = io.NopCloser(bytes.NewReader(body))
	return serializer.ResponseToBytes(res)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
