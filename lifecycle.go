package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/KirillTrubitsyn/shellcache/cache"
)

// State is the worker's lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// StateInstalled is the waiting state: installed but not yet in control.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant marks a worker whose install failed.
	// The host may retry by creating a new worker.
	StateRedundant State = "redundant"
)

// Clients is the collaborator that lets the worker take control of pages
// already served by a previous version, without requiring a reload.
type Clients interface {
	Claim(ctx context.Context) error
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()
	w.log.Debug().Str("state", string(state)).Msg("Worker state changed")
}

// SkipWaitingRequested reports whether the worker asked to activate
// immediately instead of waiting for open pages to close.
func (w *Worker) SkipWaitingRequested() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.skipWaiting
}

func (w *Worker) requestSkipWaiting() {
	w.stateMu.Lock()
	w.skipWaiting = true
	w.stateMu.Unlock()
}

// Install pre-populates the current cache namespace.
// Static assets are fetched and stored as a unit: any failure aborts the
// whole install and nothing from the static list is retained. External
// assets are then fetched independently and best-effort, each failure
// logged and swallowed. On success the worker requests immediate
// activation.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	c, err := w.storage.Open(ctx, w.CacheName())
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("open cache %s: %w", w.CacheName(), err)
	}

	entries := make([]cache.Entry, 0, len(w.staticAssets))
	for _, path := range w.staticAssets {
		entry, err := w.fetchEntry(ctx, path, w.resolve(path))
		if err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("install %s: %w", path, err)
		}
		entries = append(entries, entry)
	}
	if err := c.PutAll(ctx, entries); err != nil {
		cache.StoreErrors.WithLabelValues("put").Inc()
		w.setState(StateRedundant)
		return fmt.Errorf("store static assets: %w", err)
	}
	w.log.Info().Int("assets", len(entries)).Str("cache", w.CacheName()).Msg("Static assets cached")

	w.cacheExternalAssets(ctx, c)

	w.setState(StateInstalled)
	w.requestSkipWaiting()
	return nil
}

// cacheExternalAssets fetches and stores each external asset in isolation,
// waiting for all attempts to settle regardless of individual outcomes.
// Install must not fail on external-resource unavailability.
func (w *Worker) cacheExternalAssets(ctx context.Context, c cache.Cache) {
	var wg sync.WaitGroup
	for _, assetURL := range w.externalAssets {
		assetURL := assetURL
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := w.fetchEntry(ctx, assetURL, assetURL)
			if err == nil {
				err = c.Put(ctx, entry)
			}
			if err != nil {
				w.log.Error().Err(err).Str("url", assetURL).Msg("Could not cache external asset")
				return
			}
			w.log.Debug().Str("url", assetURL).Msg("External asset cached")
		}()
	}
	wg.Wait()
}

// fetchEntry fetches the given URL and snapshots the response as a cache
// entry keyed by key. Non-2xx responses count as failures, so a missing
// asset aborts install the same way an unreachable one does.
func (w *Worker) fetchEntry(ctx context.Context, key, fetchURL string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := w.client.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return cache.Entry{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return cache.Entry{}, err
	}
	bts, err := serializeResponse(res, body)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, FetchedAt: time.Now(), Bytes: bts}, nil
}

// Activate evicts stale cache namespaces and takes control of open pages.
// Deletions are independent: a failing one is logged and never blocks the
// rest, and the current namespace is always left untouched.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.CacheName() {
			continue
		}
		if deleted, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Error().Err(err).Str("cache", name).Msg("Could not delete stale cache")
		} else if deleted {
			w.log.Info().Str("cache", name).Msg("Deleted stale cache")
		}
	}

	if w.clients != nil {
		if err := w.clients.Claim(ctx); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
	}

	w.setState(StateActivated)
	return nil
}
