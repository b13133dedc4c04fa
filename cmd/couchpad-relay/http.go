package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/lobbycode"
)

// sessionAPI is the HTTP surface of the session directory used by endpoints
// that bootstrap before any WebSocket exists: session creation by consoles
// and code lookup by joining phones.
type sessionAPI struct {
	dir    directory.Directory
	origin string
}

func newSessionAPI(dir directory.Directory, origin string) *sessionAPI {
	return &sessionAPI{dir: dir, origin: origin}
}

func (a *sessionAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", a.handleCreateSession)
	mux.HandleFunc("GET /sessions/{code}", a.handleGetSession)
}

type createSessionRequest struct {
	Code string `json:"code,omitempty"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	JoinURL   string    `json:"joinUrl"`
	IsLocked  bool      `json:"isLocked"`
	CreatedAt time.Time `json:"createdAt"`
}

type deviceResponse struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	IsHost   bool      `json:"isHost"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

type sessionDetailResponse struct {
	Session sessionResponse  `json:"session"`
	Devices []deviceResponse `json:"devices"`
}

const maxCodeAttempts = 5

func (a *sessionAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var req createSessionRequest
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if req.Code != "" {
		req.Code = lobbycode.Normalize(req.Code)
		if !lobbycode.Valid(req.Code) {
			http.Error(w, "invalid lobby code", http.StatusBadRequest)
			return
		}
	}

	var sess directory.Session
	for attempt := 0; ; attempt++ {
		code := req.Code
		if code == "" {
			if code, err = lobbycode.Generate(); err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		sess, err = a.dir.CreateSession(r.Context(), code)
		if err == nil {
			break
		}
		if errors.Is(err, directory.ErrCodeInUse) {
			if req.Code != "" {
				http.Error(w, "lobby code in use", http.StatusConflict)
				return
			}
			if attempt < maxCodeAttempts {
				continue
			}
		}
		slog.Warn("session create failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, a.toSessionResponse(sess))
}

func (a *sessionAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := lobbycode.Normalize(r.PathValue("code"))
	if !lobbycode.Valid(code) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess, err := a.dir.GetSessionByCode(r.Context(), code)
	if errors.Is(err, directory.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Warn("session lookup failed", "code", code, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	devices, err := a.dir.ListDevices(r.Context(), sess.ID)
	if err != nil {
		slog.Warn("device listing failed", "session_id", sess.ID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := sessionDetailResponse{
		Session: a.toSessionResponse(sess),
		Devices: make([]deviceResponse, 0, len(devices)),
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, deviceResponse{
			ID:       d.ID,
			Name:     d.Name,
			Role:     string(d.Role),
			IsHost:   d.IsHost,
			JoinedAt: d.JoinedAt,
			LastSeen: d.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *sessionAPI) toSessionResponse(sess directory.Session) sessionResponse {
	return sessionResponse{
		ID:        sess.ID,
		Code:      sess.Code,
		JoinURL:   lobbycode.JoinURL(a.origin, sess.Code),
		IsLocked:  sess.IsLocked,
		CreatedAt: sess.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing json response", "err", err)
	}
}
