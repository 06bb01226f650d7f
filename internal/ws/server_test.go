package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/form-proctor/backend/internal/capture"
	"github.com/form-proctor/backend/internal/config"
	"github.com/form-proctor/backend/internal/quiz"
	"github.com/form-proctor/backend/internal/session"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stops    []string
}

func (f *fakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops = append(f.stops, reason)
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type recordingInbound struct {
	mu   sync.Mutex
	msgs []ClientMessage
}

func (r *recordingInbound) HandleClientMessage(msg ClientMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func newTestServer(t *testing.T, ctrl SessionController, authToken string) (*Server, *session.Store, *Broadcaster, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{}
	store := session.NewStore()
	broadcaster := NewBroadcaster(store, 10*time.Millisecond, time.Hour)

	srv := NewServer(cfg, store, broadcaster, ctrl, "", false, nil, nil, authToken)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, store, broadcaster, ts
}

func activeSession() *session.MonitoringSession {
	return session.New("sess-1", session.Thresholds{
		MaxTabSwitches:        10,
		MaxSoundAlerts:        30,
		MaxFullscreenWarnings: 3,
	}, time.Now())
}

func TestSessionEndpointWithoutSession(t *testing.T) {
	_, _, _, ts := newTestServer(t, &fakeController{}, "")

	resp, err := http.Get(ts.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionEndpointReturnsCurrentState(t *testing.T) {
	_, store, _, ts := newTestServer(t, &fakeController{}, "")
	store.Set(activeSession())

	resp, err := http.Get(ts.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload SnapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Session == nil || payload.Session.ID != "sess-1" {
		t.Errorf("payload session = %+v", payload.Session)
	}
	if payload.Session.Status != session.Active {
		t.Errorf("status = %v, want active", payload.Session.Status)
	}
}

func TestStartEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	_, store, _, ts := newTestServer(t, ctrl, "")
	store.Set(activeSession())

	resp, err := http.Post(ts.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "started" || out["session_id"] != "sess-1" {
		t.Errorf("response = %v", out)
	}
	if !ctrl.Running() {
		t.Error("controller not started")
	}
}

func TestStartEndpointConflictWhileRunning(t *testing.T) {
	ctrl := &fakeController{running: true}
	_, _, _, ts := newTestServer(t, ctrl, "")

	resp, err := http.Post(ts.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStartEndpointErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"permission denied", capture.ErrPermissionDenied, http.StatusForbidden},
		{"no runtime attached", capture.ErrUnavailable, http.StatusConflict},
		{"upstream failure", errors.New("proctor: start returned 503"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{startErr: tt.err}
			_, _, _, ts := newTestServer(t, ctrl, "")

			resp, err := http.Post(ts.URL+"/api/session/start", "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStopEndpoint(t *testing.T) {
	ctrl := &fakeController{running: true}
	_, _, _, ts := newTestServer(t, ctrl, "")

	resp, err := http.Post(ts.URL+"/api/session/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.stops) != 1 || ctrl.stops[0] != "manual" {
		t.Errorf("stops = %v, want one manual stop", ctrl.stops)
	}
}

func TestStartEndpointRejectsGet(t *testing.T) {
	_, _, _, ts := newTestServer(t, &fakeController{}, "")

	resp, err := http.Get(ts.URL + "/api/session/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	_, _, _, ts := newTestServer(t, &fakeController{}, "secret")

	resp, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status with bearer token = %d, want 200", resp2.StatusCode)
	}
}

func TestQuizEndpointsUnavailableWithoutClient(t *testing.T) {
	_, _, _, ts := newTestServer(t, &fakeController{}, "")

	resp, err := http.Get(ts.URL + "/api/latest-form-id")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestGenerateQuizProxyForwardsFields(t *testing.T) {
	var gotDifficulty, gotNum, gotFile string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate-quiz" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotDifficulty = r.FormValue("difficulty")
		gotNum = r.FormValue("num_questions")
		if f, _, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(f)
			gotFile = string(data)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"quiz generated"}`))
	}))
	defer backend.Close()

	srv, _, _, ts := newTestServer(t, &fakeController{}, "")
	srv.SetQuizClient(quiz.NewClient(backend.URL, 5*time.Second))

	var body strings.Builder
	mw := multipart.NewWriter(&body)
	mw.WriteField("content_type", "pdf")
	mw.WriteField("difficulty", "hard")
	mw.WriteField("num_questions", "7")
	fw, _ := mw.CreateFormFile("file", "notes.pdf")
	fw.Write([]byte("pdf-bytes"))
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/generate-quiz", mw.FormDataContentType(), strings.NewReader(body.String()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, b)
	}
	if gotDifficulty != "hard" || gotNum != "7" || gotFile != "pdf-bytes" {
		t.Errorf("backend saw difficulty=%q num=%q file=%q", gotDifficulty, gotNum, gotFile)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestWebsocketClientGetsSnapshotThenUpdates(t *testing.T) {
	_, store, broadcaster, ts := newTestServer(t, &fakeController{}, "")
	store.Set(activeSession())

	conn := dialWS(t, ts)

	if msg := readMessage(t, conn); msg.Type != MsgSnapshot {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}

	sess := activeSession()
	sess.Counters.TabSwitches = 4
	store.SetAndNotify(sess, func() { broadcaster.QueueUpdate(sess) })

	msg := readMessage(t, conn)
	if msg.Type != MsgUpdate {
		t.Fatalf("message type = %q, want update", msg.Type)
	}
	raw, _ := json.Marshal(msg.Payload)
	var payload UpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Session.Counters.TabSwitches != 4 {
		t.Errorf("TabSwitches = %d, want 4", payload.Session.Counters.TabSwitches)
	}
}

func TestQueuedUpdatesCoalesceToLatest(t *testing.T) {
	_, store, broadcaster, ts := newTestServer(t, &fakeController{}, "")
	conn := dialWS(t, ts)
	readMessage(t, conn) // initial snapshot

	for i := 1; i <= 5; i++ {
		sess := activeSession()
		sess.Counters.TabSwitches = i
		store.SetAndNotify(sess, func() { broadcaster.QueueUpdate(sess) })
	}

	// The throttle may split the burst, but the final update must carry
	// the newest state and nothing may arrive after it.
	var last int
	for last != 5 {
		msg := readMessage(t, conn)
		if msg.Type != MsgUpdate {
			t.Fatalf("message type = %q, want update", msg.Type)
		}
		raw, _ := json.Marshal(msg.Payload)
		var payload UpdatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Session.Counters.TabSwitches < last {
			t.Fatalf("updates regressed: %d after %d", payload.Session.Counters.TabSwitches, last)
		}
		last = payload.Session.Counters.TabSwitches
	}
}

func TestAlertsBypassThrottle(t *testing.T) {
	_, _, broadcaster, ts := newTestServer(t, &fakeController{}, "")
	conn := dialWS(t, ts)
	readMessage(t, conn) // initial snapshot

	broadcaster.Alert(AlertPayload{Kind: "sound", Message: "loud", Count: 1})

	msg := readMessage(t, conn)
	if msg.Type != MsgAlert {
		t.Fatalf("message type = %q, want alert", msg.Type)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	srv, _, _, ts := newTestServer(t, &fakeController{}, "")
	inbound := &recordingInbound{}
	srv.SetInbound(inbound)

	conn := dialWS(t, ts)
	readMessage(t, conn)

	err := conn.WriteJSON(ClientMessage{Type: "devices", Camera: "granted", Microphone: "granted"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inbound.mu.Lock()
		n := len(inbound.msgs)
		inbound.mu.Unlock()
		if n > 0 {
			inbound.mu.Lock()
			defer inbound.mu.Unlock()
			if inbound.msgs[0].Camera != "granted" {
				t.Errorf("camera grant = %q", inbound.msgs[0].Camera)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inbound message never delivered")
}

func TestSendCommandReportsClientPresence(t *testing.T) {
	_, _, broadcaster, ts := newTestServer(t, &fakeController{}, "")

	if broadcaster.SendCommand("request_fullscreen") {
		t.Error("SendCommand reported delivery with no clients")
	}

	conn := dialWS(t, ts)
	readMessage(t, conn)

	if !broadcaster.SendCommand("request_fullscreen") {
		t.Error("SendCommand reported no clients while one is connected")
	}
	msg := readMessage(t, conn)
	if msg.Type != MsgCommand {
		t.Fatalf("message type = %q, want command", msg.Type)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv, _, _, _ := newTestServer(t, &fakeController{}, "")

	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com", true},
		{"same host", "http://example.com", "example.com", true},
		{"localhost", "http://localhost:3000", "example.com", true},
		{"loopback", "http://127.0.0.1:5173", "example.com", true},
		{"cross origin", "http://evil.test", "example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := srv.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestCheckOriginWithAllowlist(t *testing.T) {
	cfg := &config.Config{}
	store := session.NewStore()
	broadcaster := NewBroadcaster(store, 10*time.Millisecond, time.Hour)
	srv := NewServer(cfg, store, broadcaster, &fakeController{}, "", false, nil,
		[]string{"https://exam.example.com"}, "")

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://exam.example.com")
	if !srv.checkOrigin(r) {
		t.Error("allow-listed origin rejected")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r2.Header.Set("Origin", "http://localhost:3000")
	if srv.checkOrigin(r2) {
		t.Error("origin outside the allowlist accepted")
	}
}
