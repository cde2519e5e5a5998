package shellcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/KirillTrubitsyn/shellcache/cache"
)

func TestInstallStoresStaticAssets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"app"}`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()
	cfg := newTestConfig(t, origin.URL)
	cfg.StaticAssets = []string{"/", "/manifest.json"}
	w := CreateWorker(cfg)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	if !w.SkipWaitingRequested() {
		t.Fatal("Skip waiting not requested")
	}
	if body := cachedBody(t, w, "/"); body != "index" {
		t.Fatalf("Cached body is %s", body)
	}
	if body := cachedBody(t, w, "/manifest.json"); body != `{"name":"app"}` {
		t.Fatalf("Cached body is %s", body)
	}
}

func TestInstallAllOrNothing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()
	cfg := newTestConfig(t, origin.URL)
	cfg.StaticAssets = []string{"/", "/manifest.json"}
	w := CreateWorker(cfg)

	if err := w.Install(context.Background()); err == nil {
		t.Fatal("Install did not fail")
	}

	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	// nothing from the static list is retained
	c, err := cfg.Storage.Open(context.Background(), w.CacheName())
	if err != nil {
		t.Fatal(err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("Cache contains %v", keys)
	}
}

func TestInstallExternalBestEffort(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	}))
	defer origin.Close()
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("library code"))
	}))
	defer external.Close()
	unreachable := httptest.NewServer(http.NotFoundHandler())
	unreachable.Close()

	cfg := newTestConfig(t, origin.URL)
	cfg.StaticAssets = []string{"/"}
	cfg.ExternalAssets = []string{
		external.URL + "/lib.js",
		unreachable.URL + "/gone.js",
	}
	w := CreateWorker(cfg)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if body := cachedBody(t, w, external.URL+"/lib.js"); body != "library code" {
		t.Fatalf("Cached body is %s", body)
	}
	if body := cachedBody(t, w, unreachable.URL+"/gone.js"); body != "" {
		t.Fatalf("Unreachable asset was cached: %s", body)
	}
}

func TestActivateDeletesStaleCaches(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	}))
	defer origin.Close()
	cfg := newTestConfig(t, origin.URL)
	cfg.StaticAssets = []string{"/"}

	// leftovers from a previous version
	stale, err := cfg.Storage.Open(context.Background(), "shellcache-v1")
	if err != nil {
		t.Fatal(err)
	}
	if err := stale.Put(context.Background(), cache.Entry{Key: "/", Bytes: []byte("old")}); err != nil {
		t.Fatal(err)
	}

	w := CreateWorker(cfg)
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
	names, err := cfg.Storage.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "shellcache-v2" {
		t.Fatalf("Namespaces are %v", names)
	}
	// the current namespace is untouched
	if body := cachedBody(t, w, "/"); body != "index" {
		t.Fatalf("Cached body is %s", body)
	}
}

type fakeClients struct {
	claimed bool
}

func (f *fakeClients) Claim(ctx context.Context) error {
	f.claimed = true
	return nil
}

func TestActivateClaimsClients(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	}))
	defer origin.Close()
	clients := &fakeClients{}
	cfg := newTestConfig(t, origin.URL)
	cfg.Clients = clients
	w := CreateWorker(cfg)

	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !clients.claimed {
		t.Fatal("Clients not claimed")
	}
}

func TestSkipWaitingMessage(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("index"))
	}))
	defer origin.Close()
	w := CreateWorker(newTestConfig(t, origin.URL))
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	// unrecognized messages are ignored
	w.HandleMessage(context.Background(), Message{Type: "PING"})
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}

	w.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting})
	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
}
