package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/lobbycode"
)

func newTestAPI(t *testing.T) (*http.ServeMux, *directory.Memory) {
	t.Helper()
	dir := directory.NewMemory()
	t.Cleanup(func() { dir.Close() })
	mux := http.NewServeMux()
	newSessionAPI(dir, "https://play.example.com").RegisterRoutes(mux)
	return mux, dir
}

func TestCreateSessionGeneratesCode(t *testing.T) {
	mux, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !lobbycode.Valid(resp.Code) {
		t.Fatalf("invalid code %q", resp.Code)
	}
	if want := "https://play.example.com/controller?lobby=" + resp.Code; resp.JoinURL != want {
		t.Fatalf("joinUrl = %q, want %q", resp.JoinURL, want)
	}
}

func TestCreateSessionExplicitCodeConflict(t *testing.T) {
	mux, _ := newTestAPI(t)

	body := `{"code":"AB23C9"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/sessions", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/sessions", strings.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: %d", rec.Code)
	}
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	mux, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/sessions", strings.NewReader(`{"bogus":1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetSessionDetail(t *testing.T) {
	mux, dir := newTestAPI(t)
	ctx := context.Background()

	sess, err := dir.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := dir.CreateDevice(ctx, sess.ID, "console", directory.RoleConsole, false); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if _, err := dir.CreateDevice(ctx, sess.ID, "Alice", directory.RolePhone, true); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/ab23c9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp sessionDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session.Code != "AB23C9" {
		t.Fatalf("code = %q", resp.Session.Code)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("device count = %d", len(resp.Devices))
	}
	if resp.Devices[1].Name != "Alice" || !resp.Devices[1].IsHost {
		t.Fatalf("devices = %+v", resp.Devices)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	mux, _ := newTestAPI(t)

	for _, path := range []string{"/sessions/ZZZZZZ", "/sessions/not-a-code"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
}
