package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/astar"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/config"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/spatial"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/upstream"
)

type noopPathfinder struct{}

func (noopPathfinder) FindPath(ctx context.Context, start geo.Location, startPanoID *string, heading float32, goal geo.Location, progress *astar.ProgressTracker, settings astar.PathSettings) ([]astar.NodeIdent, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"), upstream.IsThirdPartyPano)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client, err := upstream.NewClient(upstream.Config{NIDCookiePath: filepath.Join(dir, "nid.txt")})
	if err != nil {
		t.Fatalf("upstream.NewClient: %v", err)
	}

	idx, err := spatial.New(db, client)
	if err != nil {
		t.Fatalf("spatial.New: %v", err)
	}

	settings := config.DefaultSettings()
	return New(settings, db, idx, noopPathfinder{})
}

func TestHandleStatsReturnsEmptyOnFreshStore(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if panos, _ := body["panos"].(float64); panos != 0 {
		t.Fatalf("expected 0 panos in a fresh store, got %v", body["panos"])
	}
}

func TestHandleInternalPanoIDUnknownID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/internal-pano-id/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "no result\n" {
		t.Fatalf("expected \"no result\", got %q", got)
	}
}

func TestHandleInternalPanoIDKnownID(t *testing.T) {
	s := newTestServer(t)

	if _, err := s.db.GetPanoID("some-pano-id"); err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/internal-pano-id/some-pano-id", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatalf("expected a non-empty response body")
	}
}

func TestHandleSlowGetPanoIDRequiresSecretWhenSet(t *testing.T) {
	s := newTestServer(t)
	s.settings.ReverseLookupSecret = "shh"

	req := httptest.NewRequest(http.MethodGet, "/slow-get-pano-id/1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Body.String(); got != "incorrect key\n" {
		t.Fatalf("expected the request to be rejected without the key, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/slow-get-pano-id/1?key=shh", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Body.String(); got != "no result\n" {
		t.Fatalf("expected a lookup miss with the correct key, got %q", got)
	}
}

func TestHandleTileRejectsMalformedPath(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tile/not-a-tile", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed tile path, got %d", w.Code)
	}
}

func TestCorsMiddlewareHandlesPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an OPTIONS preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected a wildcard CORS origin header, got %q", got)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, want float64
	}{
		{v: 5, lo: 1, hi: 4, want: 4},
		{v: 0, lo: 1, hi: 4, want: 1},
		{v: 2, lo: 1, hi: 4, want: 2},
	}
	for _, c := range cases {
		if got := clamp(c.v, c.lo, c.hi); got != c.want {
			t.Fatalf("clamp(%v, %v, %v) = %v, want %v", c.v, c.lo, c.hi, got, c.want)
		}
	}
}
