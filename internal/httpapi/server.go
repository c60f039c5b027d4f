// Package httpapi serves Janitor's status API: health, metrics, per-chat
// session snapshots and the task event journal (JSON and SSE). It also
// receives GitHub webhooks and journals them for the chats locked to that
// repository.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/janitor/internal/metrics"
	"github.com/jxucoder/janitor/pkg/eventbus"
	"github.com/jxucoder/janitor/pkg/gitprovider/github"
	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/session"
	"github.com/jxucoder/janitor/pkg/store"
)

// Server is the Janitor HTTP API server.
type Server struct {
	sessions *session.Store
	journal  store.EventStore
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	secret   string
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithWebhookSecret enables POST /webhooks/github, verified with secret.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// New creates a Server. metrics may be nil, in which case /metrics is not served.
func New(sessions *session.Store, journal store.EventStore, bus eventbus.Bus, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		journal:  journal,
		bus:      bus,
		metrics:  m,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[httpapi] shutdown: %v", err)
		}
	}()

	log.Printf("[httpapi] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Group(func(r chi.Router) {
			r.Get("/chats", s.handleListChats)
			r.Get("/chats/{chatID}", s.handleGetChat)
			r.Get("/chats/{chatID}/events", s.handleGetEvents)
		})
		// Streams stay open until the client goes away.
		r.Get("/chats/{chatID}/stream", s.handleStream)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.secret != "" {
		r.Post("/webhooks/github", s.handleGitHubWebhook)
	}
	return r
}

// --- Response types ---

type chatSummary struct {
	ChatID      string      `json:"chat_id"`
	Paired      bool        `json:"paired"`
	Repository  string      `json:"repository,omitempty"`
	Task        *model.Task `json:"task,omitempty"`
	Pending     string      `json:"pending_branch,omitempty"`
	Events      int         `json:"events"`
	LastType    string      `json:"last_type,omitempty"`
	LastEventAt *time.Time  `json:"last_event_at,omitempty"`
}

type pendingView struct {
	Branch string   `json:"branch"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Files  []string `json:"files"`
}

type chatDetail struct {
	ChatID     string            `json:"chat_id"`
	Paired     bool              `json:"paired"`
	Repository *model.Repository `json:"repository,omitempty"`
	Task       *model.Task       `json:"task,omitempty"`
	Pending    *pendingView      `json:"pending,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	byID := map[string]*chatSummary{}
	for _, id := range s.sessions.ChatIDs() {
		byID[id] = s.summary(id)
	}

	summaries, err := s.journal.ListChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	for _, js := range summaries {
		c, ok := byID[js.ChatID]
		if !ok {
			c = &chatSummary{ChatID: js.ChatID}
			byID[js.ChatID] = c
		}
		c.Events = js.Events
		c.LastType = js.LastType
		at := js.LastEventAt
		c.LastEventAt = &at
	}

	out := make([]*chatSummary, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) summary(chatID string) *chatSummary {
	sess := s.sessions.Get(chatID)
	c := &chatSummary{ChatID: chatID, Paired: sess.Paired, Task: sess.Task}
	if sess.Repository != nil {
		c.Repository = sess.Repository.FullName()
	}
	if sess.Pending != nil {
		c.Pending = sess.Pending.Branch
	}
	return c
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if !s.known(chatID) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	sess := s.sessions.Get(chatID)
	d := chatDetail{ChatID: chatID, Paired: sess.Paired, Repository: sess.Repository, Task: sess.Task}
	if p := sess.Pending; p != nil {
		v := &pendingView{Branch: p.Branch, Title: p.Title, Body: p.Body}
		for _, c := range p.Changes {
			v.Files = append(v.Files, c.Path)
		}
		d.Pending = v
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	after, err := afterParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	events, err := s.journal.GetEvents(chatID, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	after, err := afterParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	ch := s.bus.Subscribe(chatID)
	defer s.bus.Unsubscribe(chatID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, err := s.journal.GetEvents(chatID, after)
	if err != nil {
		log.Printf("[httpapi] chat %s: reading history: %v", chatID, err)
	}
	last := after
	for _, e := range events {
		writeSSE(w, e)
		last = e.ID
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			// Already sent as history.
			if event.ID != 0 && event.ID <= last {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := github.ParseWebhook(r, s.secret)
	if errors.Is(err, github.ErrBadSignature) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data := ev.Summary
	if ev.URL != "" {
		data += " " + ev.URL
	}
	notified := 0
	for _, chatID := range s.sessions.ChatIDs() {
		sess := s.sessions.Get(chatID)
		if sess.Repository == nil || !strings.EqualFold(sess.Repository.FullName(), ev.Repo) {
			continue
		}
		event := &model.Event{ChatID: chatID, Type: model.EventRepoActivity, Data: data}
		if err := s.journal.AddEvent(event); err != nil {
			log.Printf("[httpapi] chat %s: recording %s webhook: %v", chatID, ev.Kind, err)
			continue
		}
		s.bus.Publish(chatID, event)
		notified++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"chats": notified})
}

func (s *Server) known(chatID string) bool {
	for _, id := range s.sessions.ChatIDs() {
		if id == chatID {
			return true
		}
	}
	events, err := s.journal.GetEvents(chatID, 0)
	return err == nil && len(events) > 0
}

func afterParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid after %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data))
}
