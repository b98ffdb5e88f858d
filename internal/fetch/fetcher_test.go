package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetcherRewritesAppOriginToUpstream(t *testing.T) {
	var gotPath, gotHost, gotForwarded, gotCacheControl string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotHost = r.Host
		gotForwarded = r.Header.Get("X-Forwarded-Host")
		gotCacheControl = r.Header.Get("Cache-Control")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("<html>shell</html>"))
	}))
	defer upstream.Close()

	fetcher, err := NewFetcher(NewUpstreamClient(5*time.Second), "https://app.local", upstream.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "https://app.local/index.html?lang=zh", nil)
	entry, err := fetcher.Fetch(context.Background(), req, ModeReload)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if entry.Status != http.StatusOK || string(entry.Body) != "<html>shell</html>" {
		t.Fatalf("unexpected entry: %d %s", entry.Status, entry.Body)
	}
	if entry.Key.URL != "https://app.local/index.html?lang=zh" {
		t.Fatalf("entry key should keep the public url, got %s", entry.Key.URL)
	}
	if entry.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content type should be kept: %v", entry.Header)
	}
	if entry.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header must be dropped")
	}
	if entry.StoredAt.IsZero() {
		t.Fatalf("StoredAt must be set")
	}
	if gotPath != "/index.html?lang=zh" {
		t.Fatalf("unexpected upstream path: %s", gotPath)
	}
	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Fatalf("unexpected upstream host: %s", gotHost)
	}
	if gotForwarded != "app.local" {
		t.Fatalf("expected X-Forwarded-Host app.local, got %s", gotForwarded)
	}
	if gotCacheControl != "no-cache" {
		t.Fatalf("reload mode must bypass caches, got %q", gotCacheControl)
	}
}

func TestFetcherDropsConditionalHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		_, _ = w.Write([]byte("full body"))
	}))
	defer upstream.Close()

	fetcher, err := NewFetcher(NewUpstreamClient(5*time.Second), "https://app.local", upstream.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	for _, mode := range []Mode{ModeDefault, ModeReload} {
		req := httptest.NewRequest(http.MethodGet, "https://app.local/main.app.js", nil)
		req.Header.Set("If-None-Match", `"v1"`)
		req.Header.Set("If-Modified-Since", "Mon, 02 Jan 2006 15:04:05 GMT")
		req.Header.Set("Range", "bytes=0-3")
		entry, err := fetcher.Fetch(context.Background(), req, mode)
		if err != nil {
			t.Fatalf("fetch error: %v", err)
		}
		if entry.Status != http.StatusOK || string(entry.Body) != "full body" {
			t.Fatalf("mode %d: expected full 200 snapshot, got %d %q", mode, entry.Status, entry.Body)
		}
	}
}

func TestFetcherResolveLeavesOtherOrigins(t *testing.T) {
	fetcher, err := NewFetcher(http.DefaultClient, "https://app.local", "http://127.0.0.1:9000/base/")
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "https://fonts.gstatic.com/a.woff2", nil)
	if got := fetcher.Resolve(req.URL).String(); got != "https://fonts.gstatic.com/a.woff2" {
		t.Fatalf("cross-origin url should stay intact, got %s", got)
	}
	app := httptest.NewRequest(http.MethodGet, "https://app.local/main.app.js", nil)
	if got := fetcher.Resolve(app.URL).String(); got != "http://127.0.0.1:9000/main.app.js" {
		t.Fatalf("unexpected resolved url: %s", got)
	}
}

func TestFetcherKeepsNonOKStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer upstream.Close()

	fetcher, err := NewFetcher(NewUpstreamClient(time.Second), "https://app.local", upstream.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	entry, err := fetcher.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.local/nope", nil), ModeDefault)
	if err != nil {
		t.Fatalf("non-2xx must not be an error: %v", err)
	}
	if entry.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", entry.Status)
	}
}

func TestFetcherForwardStreamsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	}))
	defer upstream.Close()

	fetcher, err := NewFetcher(NewUpstreamClient(time.Second), "https://app.local", upstream.URL)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "https://app.local/api/items", strings.NewReader("payload"))
	resp, err := fetcher.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("forward error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != "POST:payload" {
		t.Fatalf("unexpected forward result: %d %s", resp.StatusCode, body)
	}
}

func TestFetcherTransportError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	fetcher, err := NewFetcher(NewUpstreamClient(time.Second), "https://app.local", addr)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://app.local/", nil), ModeDefault); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestNewFetcherValidates(t *testing.T) {
	if _, err := NewFetcher(nil, "https://app.local", ""); err == nil {
		t.Fatalf("nil client should fail")
	}
	if _, err := NewFetcher(http.DefaultClient, "app.local", ""); err == nil {
		t.Fatalf("origin without scheme should fail")
	}
	if _, err := NewFetcher(http.DefaultClient, "https://app.local", "ftp://x"); err == nil {
		t.Fatalf("non-http upstream should fail")
	}
}
