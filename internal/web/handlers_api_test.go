package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"somfy-go-home/internal/controller"
	"somfy-go-home/internal/rts"
	"somfy-go-home/internal/store"
)

// fakeTransmitter counts transmitted pulse trains.
type fakeTransmitter struct {
	mu     sync.Mutex
	trains int
}

func (f *fakeTransmitter) Setup(uint32) error { return nil }

func (f *fakeTransmitter) Transmit(context.Context, []rts.Pulse) error {
	f.mu.Lock()
	f.trains++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransmitter) Close() error { return nil }

// memStore is an in-memory rolling code store.
type memStore struct {
	mu    sync.Mutex
	codes map[string]uint16
}

func (s *memStore) NextCode(id string) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok {
		return 0, fmt.Errorf("shutter %s: %w", id, store.ErrNotFound)
	}
	s.codes[id] = code + 1
	return code, nil
}

func (s *memStore) GetCode(id string) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok {
		return 0, fmt.Errorf("shutter %s: %w", id, store.ErrNotFound)
	}
	return code, nil
}

func (s *memStore) SeedCode(id string, code uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		s.codes[id] = code
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func intp(v int) *int { return &v }

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeTransmitter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := controller.Config{
		// Short travel times keep the finalize goroutines from outliving
		// the test by much.
		Shutters: map[string]controller.ShutterConfig{
			"1": {Name: "Living Room", DurationDown: 0.02, DurationUp: 0.02, IntermediatePosition: intp(50), Code: 7},
			"2": {Name: "Kitchen", DurationDown: 0.02, DurationUp: 0.02, Code: 3},
		},
		SendRepeat: 2,
	}

	st := &memStore{codes: make(map[string]uint16)}
	for id, sc := range cfg.Shutters {
		if err := st.SeedCode(id, sc.Code); err != nil {
			t.Fatal(err)
		}
	}

	tx := &fakeTransmitter{}
	ctrl := controller.New(tx, st, controller.NewEventBus(logger), cfg, logger)
	t.Cleanup(ctrl.Stop)

	srv := NewServer(ctrl, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, tx
}

func TestAPIListShutters(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/shutters", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var shutters []shutterInfo
	if err := json.NewDecoder(w.Body).Decode(&shutters); err != nil {
		t.Fatal(err)
	}
	if len(shutters) != 2 {
		t.Fatalf("shutter count = %d, want 2", len(shutters))
	}
	if shutters[0].ID != "1" || shutters[1].ID != "2" {
		t.Errorf("order = [%s %s], want [1 2]", shutters[0].ID, shutters[1].ID)
	}
	if shutters[0].Name != "Living Room" {
		t.Errorf("name = %q", shutters[0].Name)
	}
	if shutters[0].IntermediatePosition == nil || *shutters[0].IntermediatePosition != 50 {
		t.Error("expected intermediate_position 50")
	}
}

func TestAPIGetShutter(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/shutters/2", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var info shutterInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "Kitchen" {
		t.Errorf("name = %q, want Kitchen", info.Name)
	}
	if info.IntermediatePosition != nil {
		t.Error("expected no intermediate_position")
	}
}

func TestAPIGetShutterNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/shutters/99", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPICommandLower(t *testing.T) {
	srv, tx := setupTestServer(t)

	body := `{"action": "lower"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	tx.mu.Lock()
	trains := tx.trains
	tx.mu.Unlock()
	if trains != 1 {
		t.Errorf("transmitted %d trains, want 1", trains)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	// Position right after the frame is still the starting estimate.
	if resp["position"].(float64) != 100 {
		t.Errorf("position = %v, want 100", resp["position"])
	}
}

func TestAPICommandProgram(t *testing.T) {
	srv, tx := setupTestServer(t)

	body := `{"action": "program"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.trains != 1 {
		t.Errorf("transmitted %d trains, want 1", tx.trains)
	}
}

func TestAPICommandSetPositionAccepted(t *testing.T) {
	srv, _ := setupTestServer(t)

	body := `{"action": "set_position", "position": 140}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	// Out-of-range targets are clamped at the API edge.
	if resp["target"].(float64) != 100 {
		t.Errorf("target = %v, want 100", resp["target"])
	}
}

func TestAPICommandSetPositionMissingPosition(t *testing.T) {
	srv, _ := setupTestServer(t)

	body := `{"action": "set_position"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPICommandUnknownAction(t *testing.T) {
	srv, tx := setupTestServer(t)

	body := `{"action": "explode"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.trains != 0 {
		t.Errorf("transmitted %d trains for unknown action", tx.trains)
	}
}

func TestAPICommandBadJSON(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPICommandShutterNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	body := `{"action": "lower"}`
	req := httptest.NewRequest("POST", "/api/shutters/99/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp["version"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/shutters", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/shutters?api_key=secret-key", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/shutters", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest("GET", "/api/shutters", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSForbiddenOrigin(t *testing.T) {
	srv, tx := setupTestServer(t, WithAllowedOrigins([]string{"http://allowed.local"}))

	body := `{"action": "lower"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.trains != 0 {
		t.Errorf("transmitted %d trains for forbidden origin", tx.trains)
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://allowed.local"}))

	body := `{"action": "stop"}`
	req := httptest.NewRequest("POST", "/api/shutters/1/command", bytes.NewBufferString(body))
	req.Header.Set("Origin", "http://allowed.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://allowed.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/shutters/1/command", nil)
	req.Header.Set("Origin", "http://allowed.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("expected Access-Control-Allow-Methods header")
	}
}
