package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/form-proctor/backend/internal/capture"
	"github.com/form-proctor/backend/internal/config"
	"github.com/form-proctor/backend/internal/host"
	"github.com/form-proctor/backend/internal/quiz"
	"github.com/form-proctor/backend/internal/session"
)

// SessionController starts and stops the monitoring session. Implemented
// by the monitor; declared here so the server does not depend on it.
type SessionController interface {
	Start(ctx context.Context) error
	Stop(reason string)
	Running() bool
}

// Inbound receives messages sent by websocket clients: capture grants,
// audio magnitudes, frames, and runtime events.
type Inbound interface {
	HandleClientMessage(msg ClientMessage)
}

type Server struct {
	config          *config.Config
	store           *session.Store
	broadcaster     *Broadcaster
	controller      SessionController
	inbound         Inbound
	quiz            *quiz.Client
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
}

func NewServer(cfg *config.Config, store *session.Store, broadcaster *Broadcaster, controller SessionController, frontendDir string, dev bool, embeddedHandler http.Handler, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		config:          cfg,
		store:           store,
		broadcaster:     broadcaster,
		controller:      controller,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetInbound configures the handler for client-originated messages.
// Must be called before SetupRoutes.
func (s *Server) SetInbound(inbound Inbound) {
	s.inbound = inbound
}

// SetQuizClient configures the quiz backend client used by the quiz
// proxy endpoints. Must be called before SetupRoutes.
func (s *Server) SetQuizClient(client *quiz.Client) {
	s.quiz = client
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/start", s.handleStart)
	mux.HandleFunc("/api/session/stop", s.handleStop)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/create-google-form", s.handleCreateForm)
	mux.HandleFunc("/api/latest-form-id", s.handleLatestFormID)
	mux.HandleFunc("/api/fetch-responses/", s.handleFetchResponses)
	mux.HandleFunc("/api/evaluate-quiz", s.handleEvaluate)
	mux.HandleFunc("/api/generate-quiz", s.handleGenerateQuiz)

	if s.dev {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(s.frontendDir)))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
		// Frames arrive as base64 inside JSON; a 640x480 JPEG fits
		// comfortably under 1MB even at high quality.
		ReadBufferSize: 1 << 20,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		conn.SetReadLimit(4 << 20)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if s.inbound == nil {
				continue
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("ws client message decode: %v", err)
				continue
			}
			s.inbound.HandleClientMessage(msg)
		}
	}()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	state, ok := s.store.Current()
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	writeJSON(w, SnapshotPayload{Session: state})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.controller == nil {
		http.Error(w, "controller not available", http.StatusServiceUnavailable)
		return
	}
	if s.controller.Running() {
		http.Error(w, "a session is already running", http.StatusConflict)
		return
	}

	if err := s.controller.Start(r.Context()); err != nil {
		log.Printf("session start failed: %v", err)
		http.Error(w, err.Error(), startErrorStatus(err))
		return
	}

	id, _ := s.store.ActiveID()
	writeJSON(w, map[string]string{"status": "started", "session_id": id})
}

// startErrorStatus maps a start failure to an HTTP status. Device
// problems are the caller's to fix; upstream failures are gateway
// errors.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrUnavailable), errors.Is(err, capture.ErrUnsupported):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.controller == nil {
		http.Error(w, "controller not available", http.StatusServiceUnavailable)
		return
	}

	s.controller.Stop("manual")
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.config.Monitor)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	running := s.controller != nil && s.controller.Running()
	writeJSON(w, map[string]any{
		"status":          "ok",
		"session_active":  running,
		"connected_peers": s.broadcaster.ClientCount(),
		"host":            host.Collect(r.Context()),
	})
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	if !s.quizReady(w, r) {
		return
	}
	link, err := s.quiz.CreateForm(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"google_form_link": link})
}

func (s *Server) handleLatestFormID(w http.ResponseWriter, r *http.Request) {
	if !s.quizReady(w, r) {
		return
	}
	id, err := s.quiz.LatestFormID(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"form_id": id})
}

func (s *Server) handleFetchResponses(w http.ResponseWriter, r *http.Request) {
	if !s.quizReady(w, r) {
		return
	}
	formID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/fetch-responses/"))
	if err != nil || formID == "" {
		http.Error(w, "invalid form id", http.StatusBadRequest)
		return
	}
	body, err := s.quiz.FetchResponses(r.Context(), formID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, body)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !s.quizReady(w, r) {
		return
	}
	result, err := s.quiz.Evaluate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	if !s.quizReady(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
		return
	}

	req := quiz.GenerateRequest{
		ContentType: r.FormValue("content_type"),
		YouTubeURL:  r.FormValue("youtube_url"),
		Difficulty:  r.FormValue("difficulty"),
	}
	if n, err := strconv.Atoi(r.FormValue("num_questions")); err == nil {
		req.NumQuestions = n
	}
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		req.File = file
		req.Filename = header.Filename
	}

	body, err := s.quiz.GenerateQuiz(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, body)
}

func (s *Server) quizReady(w http.ResponseWriter, r *http.Request) bool {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if s.quiz == nil {
		http.Error(w, "quiz backend not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Proctor-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
