package camera

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHub emulates the hub's stream negotiation API over HTTP and WebSocket.
type fakeHub struct {
	srv *httptest.Server

	token string

	httpStatus int    // non-zero: /api/stream answers with this status
	httpURL    string // url field returned by /api/stream

	wsURL         string        // url returned by camera/stream
	wsError       string        // non-empty: camera/stream fails with this message
	wsAuthInvalid bool          // reject the auth frame
	wsGreeting    string        // overrides the greeting type
	wsDelay       time.Duration // pause before answering camera/stream

	content http.Handler // everything outside the negotiation endpoints

	httpCalls atomic.Int32
	wsCalls   atomic.Int32
	lastBody  atomic.Value
}

func newFakeHub(t *testing.T, token string) *fakeHub {
	t.Helper()
	h := &fakeHub{token: token}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stream", h.serveStream)
	mux.HandleFunc("/api/websocket", h.serveWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if h.content == nil {
			http.NotFound(w, r)
			return
		}
		h.content.ServeHTTP(w, r)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) URL() string { return h.srv.URL }

func (h *fakeHub) serveStream(w http.ResponseWriter, r *http.Request) {
	h.httpCalls.Add(1)
	body, _ := io.ReadAll(r.Body)
	h.lastBody.Store(string(body))
	if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if h.httpStatus != 0 {
		w.WriteHeader(h.httpStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": h.httpURL})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (h *fakeHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsCalls.Add(1)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	greeting := "auth_required"
	if h.wsGreeting != "" {
		greeting = h.wsGreeting
	}
	if err := conn.WriteJSON(map[string]string{"type": greeting, "ha_version": "2026.10.0"}); err != nil {
		return
	}

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if h.wsAuthInvalid || auth.Type != "auth" || auth.AccessToken != h.token {
		conn.WriteJSON(map[string]string{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	conn.WriteJSON(map[string]string{"type": "auth_ok"})

	var cmd struct {
		ID       int    `json:"id"`
		Type     string `json:"type"`
		EntityID string `json:"entity_id"`
	}
	if err := conn.ReadJSON(&cmd); err != nil {
		return
	}
	if h.wsDelay > 0 {
		time.Sleep(h.wsDelay)
	}

	// An unrelated event frame the client must skip.
	conn.WriteJSON(map[string]any{"id": cmd.ID + 1000, "type": "event", "event": map[string]any{}})

	if h.wsError != "" {
		conn.WriteJSON(map[string]any{
			"id": cmd.ID, "type": "result", "success": false,
			"error": map[string]string{"code": "home_assistant_error", "message": h.wsError},
		})
	} else {
		conn.WriteJSON(map[string]any{
			"id": cmd.ID, "type": "result", "success": true,
			"result": map[string]string{"url": h.wsURL},
		})
	}
	// Hold the connection until the client hangs up.
	conn.ReadMessage()
}

func (h *fakeHub) target(label string) Target {
	return Target{Host: h.URL(), Token: h.token, WSPath: DefaultWSPath, Label: label}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAcquirer() *Acquirer {
	return NewAcquirer(AcquirerConfig{
		HTTPAttemptTimeout: time.Second,
		WSFrameTimeout:     time.Second,
		WSResultTimeout:    2 * time.Second,
	}, testLogger())
}

// deadTarget points at a closed port so both protocols fail quickly.
func deadTarget(t *testing.T, label string) Target {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()
	return Target{Host: host, Token: "dead", WSPath: DefaultWSPath, Label: label}
}

func hostOf(rawURL string) string {
	return strings.TrimPrefix(strings.TrimPrefix(rawURL, "http://"), "https://")
}
