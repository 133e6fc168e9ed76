package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soma-tiles/tileview/internal/cache"
	"github.com/soma-tiles/tileview/internal/service"
	"github.com/soma-tiles/tileview/internal/source"
	"github.com/soma-tiles/tileview/internal/viewstore"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	cache  *cache.Manager
	store  *viewstore.Store
	views  *service.ViewService
}

// writeTestSource writes a 64x48 gradient PNG and returns its path.
func writeTestSource(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: 8, // Smaller cache for tests
		FrameTTL:         5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	store, err := viewstore.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}

	loader := source.NewLoader(source.Config{
		Entries: map[string]source.Entry{
			"scan":   {Path: writeTestSource(t, dir, "scan.png")},
			"mosaic": {Path: writeTestSource(t, dir, "mosaic.png")},
		},
		Default: "scan",
		Cache:   cacheManager,
	})

	views := service.NewViewService(service.ViewServiceConfig{
		Loader:   loader,
		Cache:    cacheManager,
		Store:    store,
		TileSize: 32,
		MaxViews: 4,
	})

	router := NewRouter(RouterConfig{
		Views:       views,
		Catalog:     NewSourceCatalog(views, "scan", "mosaic"),
		CORSOrigins: []string{"http://localhost:3000"},
	})

	return &testServer{
		server: httptest.NewServer(router),
		cache:  cacheManager,
		store:  store,
		views:  views,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.views.Close()
	ts.store.Close()
	ts.cache.Close()
}

// do sends a request with an optional JSON body.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rd)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request to %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

// createView opens a view and waits for its first complete frame.
func (ts *testServer) createView(t *testing.T, src string) service.ViewInfo {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/views", map[string]interface{}{
		"source": src, "width": 80, "height": 60,
	})
	assertStatusCode(t, resp, http.StatusCreated)
	var info service.ViewInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("Failed to parse view: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := ts.views.Info(info.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Loaded && cur.Stats.Pending == 0 && !cur.Stats.Scheduler.Active {
			return *cur
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never finished rendering: %+v", cur)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Invalid PNG body: %v", err)
	}
	return img
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestSourcesEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.do(t, http.MethodGet, "/api/sources", nil)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	assertJSONFields(t, body, []string{"default", "sources", "colormaps"})

	var result struct {
		Default   string       `json:"default"`
		Sources   []SourceInfo `json:"sources"`
		Colormaps []string     `json:"colormaps"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Default != "scan" {
		t.Errorf("Expected default 'scan', got %q", result.Default)
	}
	if len(result.Sources) != 2 || result.Sources[0].ID != "scan" || !result.Sources[0].Default {
		t.Errorf("Unexpected sources %+v", result.Sources)
	}
	if len(result.Colormaps) == 0 {
		t.Error("Expected colormaps")
	}
}

func TestViewLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	info := ts.createView(t, "mosaic")
	base := "/api/views/" + info.ID

	resp, body := ts.do(t, http.MethodGet, base, nil)
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"id", "source", "origin", "bands", "data_map", "stats", "version"})

	resp, body = ts.do(t, http.MethodGet, "/api/views", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), info.ID) {
		t.Errorf("Expected view %s in listing", info.ID)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/frame.png", nil)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	if resp.Header.Get("X-Frame-Version") == "" {
		t.Error("Expected X-Frame-Version header")
	}
	frame := assertPNG(t, body)
	if frame.Bounds().Dx() != 80 || frame.Bounds().Dy() != 60 {
		t.Errorf("Unexpected frame size %v", frame.Bounds())
	}
	px := color.RGBAModel.Convert(frame.At(10, 4)).(color.RGBA)
	if px.R != 40 || px.G != 20 || px.B != 90 {
		t.Errorf("Unexpected frame pixel %v", px)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/frame.png?grid=1", nil)
	assertStatusCode(t, resp, http.StatusOK)
	assertPNG(t, body)

	resp, body = ts.do(t, http.MethodGet, base+"/tiles/1/1.png", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if tile := assertPNG(t, body); tile.Bounds().Dx() != 32 {
		t.Errorf("Unexpected tile size %v", tile.Bounds())
	}

	resp, _ = ts.do(t, http.MethodDelete, base, nil)
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.do(t, http.MethodGet, base, nil)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestViewMutations(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	info := ts.createView(t, "")
	base := "/api/views/" + info.ID

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
	}{
		{"resize", http.MethodPut, "/viewport", map[string]int{"width": 100, "height": 40}, http.StatusOK},
		{"resize negative", http.MethodPut, "/viewport", map[string]int{"width": -1, "height": 40}, http.StatusBadRequest},
		{"pan", http.MethodPost, "/pan", map[string]int{"dx": 8, "dy": -4}, http.StatusOK},
		{"scale", http.MethodPut, "/scale", map[string]float64{"scale": 2}, http.StatusOK},
		{"scale zero", http.MethodPut, "/scale", map[string]float64{"scale": 0}, http.StatusBadRequest},
		{"bands", http.MethodPut, "/bands", map[string][]int{"bands": {2, 1, 0}}, http.StatusOK},
		{"bands short", http.MethodPut, "/bands", map[string][]int{"bands": {2}}, http.StatusBadRequest},
		{"bands missing", http.MethodPut, "/bands", map[string][]int{"bands": {0, 1, 7}}, http.StatusBadRequest},
		{"datamap", http.MethodPut, "/datamap", map[string]interface{}{"colormap": "viridis", "low": 10, "high": 200}, http.StatusOK},
		{"datamap unknown", http.MethodPut, "/datamap", map[string]string{"colormap": "nope"}, http.StatusBadRequest},
		{"background", http.MethodPut, "/background", map[string]string{"color": "#102030"}, http.StatusOK},
		{"background bad", http.MethodPut, "/background", map[string]string{"color": "blue"}, http.StatusBadRequest},
		{"cancel", http.MethodPost, "/cancel", nil, http.StatusOK},
		{"bad tile row", http.MethodGet, "/tiles/x/1.png", nil, http.StatusBadRequest},
		{"tile out of grid", http.MethodGet, "/tiles/40/1.png", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, base+tt.path, tt.body)
			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, resp.StatusCode, body)
			}
		})
	}

	cur, err := ts.views.Info(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Width != 100 || cur.Scale != 2 || cur.Background != "#102030ff" {
		t.Errorf("Mutations not applied: %+v", cur)
	}
	if cur.DataMap.Colormap != "viridis" {
		t.Errorf("Expected viridis data map, got %+v", cur.DataMap)
	}
}

func TestCreateViewErrors(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		body           interface{}
		expectedStatus int
	}{
		{"missing size", map[string]interface{}{"source": "scan"}, http.StatusBadRequest},
		{"unknown source", map[string]interface{}{"source": "nope", "width": 10, "height": 10}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/api/views", tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}

	for i := 0; i < 4; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/views", map[string]int{"width": 8, "height": 8})
		assertStatusCode(t, resp, http.StatusCreated)
	}
	resp, _ := ts.do(t, http.MethodPost, "/api/views", map[string]int{"width": 8, "height": 8})
	assertStatusCode(t, resp, http.StatusTooManyRequests)

	resp, _ = ts.do(t, http.MethodGet, "/api/views/unknown/frame.png", nil)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestSessionEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	info := ts.createView(t, "scan")
	ts.do(t, http.MethodPost, "/api/views/"+info.ID+"/pan", map[string]int{"dx": 5, "dy": 6})

	resp, body := ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"name": "first", "view_id": info.ID})
	assertStatusCode(t, resp, http.StatusCreated)
	assertJSONFields(t, body, []string{"name", "state", "created_at", "updated_at"})

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions", map[string]string{"name": "", "view_id": info.ID})
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.do(t, http.MethodGet, "/api/sessions", nil)
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"first"`) {
		t.Errorf("Expected session in listing: %s", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/sessions/first/open", nil)
	assertStatusCode(t, resp, http.StatusCreated)
	var opened service.ViewInfo
	if err := json.Unmarshal(body, &opened); err != nil {
		t.Fatal(err)
	}
	if opened.ID == info.ID || opened.Origin != [2]int{5, 6} {
		t.Errorf("Unexpected restored view %+v", opened)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/missing/open", nil)
	assertStatusCode(t, resp, http.StatusNotFound)

	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/first", nil)
	assertStatusCode(t, resp, http.StatusNoContent)
}

func TestSessionsWithoutStore(t *testing.T) {
	views := service.NewViewService(service.ViewServiceConfig{})
	defer views.Close()
	server := httptest.NewServer(NewRouter(RouterConfig{Views: views}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusNotImplemented)
}

// TestCORSHeaders tests that CORS headers are set correctly
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	accessControlOrigin := resp.Header.Get("Access-Control-Allow-Origin")
	if accessControlOrigin == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}
