// Package server provides the HTTP control API for feedd.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertmeta/feedd/clock"
	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/opml"
	"github.com/robertmeta/feedd/store"
)

// Server serves the control API. Every handler that changes a feed's
// schedule calls notify once its write has committed.
type Server struct {
	store  *store.Store
	notify func()
	userID int64
	clock  clock.Clock
	logger *slog.Logger
	router chi.Router
}

// New creates a server acting for userID. notify may be nil.
func New(st *store.Store, notify func(), userID int64) *Server {
	if notify == nil {
		notify = func() {}
	}
	s := &Server{
		store:  st,
		notify: notify,
		userID: userID,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Delete("/feeds/{feedID}", s.handleDeleteFeed)
		r.Post("/feeds/{feedID}/recheck", s.handleRecheck)
		r.Get("/feeds/{feedID}/articles", s.handleArticles)
		r.Post("/articles/{articleID}/flags", s.handleArticleFlags)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Post("/poll", s.handlePoll)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// --- Feed Handlers ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.GetAllFeeds(r.Context())
	if err != nil {
		s.internalError(w, "Failed to get feeds", err)
		return
	}
	owned := []*model.Feed{}
	for _, f := range feeds {
		if f.UserID == s.userID {
			owned = append(owned, f)
		}
	}
	writeJSON(w, http.StatusOK, owned)
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string   `json:"url"`
		Title  string   `json:"title"`
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "Feed URL is required", http.StatusBadRequest)
		return
	}

	now := s.clock.Now()
	f := &model.Feed{
		UserID:    s.userID,
		URL:       strings.TrimSpace(req.URL),
		UserTitle: req.Title,
		NextCheck: &now,
	}
	if err := s.store.CreateFeed(r.Context(), f); err != nil {
		http.Error(w, fmt.Sprintf("Failed to add feed: %v", err), http.StatusConflict)
		return
	}
	for _, text := range req.Labels {
		if _, err := s.store.AddLabel(r.Context(), f.ID, text); err != nil {
			s.logger.Warn("failed to label feed", "feed", f.ID, "label", text, "err", err)
		}
	}
	s.notify()

	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ownedFeed(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteFeed(r.Context(), f.ID); err != nil {
		s.storeError(w, "Failed to delete feed", err)
		return
	}
	s.notify()
	w.WriteHeader(http.StatusNoContent)
}

// handleRecheck makes a feed due now. This also re-enables a feed whose
// polling was disabled.
func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ownedFeed(w, r)
	if !ok {
		return
	}
	now := s.clock.Now()
	if err := s.store.SetNextCheck(r.Context(), f.ID, &now); err != nil {
		s.storeError(w, "Failed to schedule feed", err)
		return
	}
	if !f.Enabled() {
		s.logger.Info("polling re-enabled", "feed", f.ID, "url", f.URL)
	}
	s.notify()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "next_check": now})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.notify()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// --- Article Handlers ---

func (s *Server) handleArticles(w http.ResponseWriter, r *http.Request) {
	f, ok := s.ownedFeed(w, r)
	if !ok {
		return
	}

	params := r.URL.Query()
	limit, err := intParam(params.Get("limit"))
	if err != nil {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := intParam(params.Get("offset"))
	if err != nil {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}
	q, err := store.BuildArticleQuery(f.ID, limit, offset,
		params.Get("unread") == "true", params.Get("fave") == "true",
		params.Get("since"), s.clock.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	articles, err := s.store.Articles(r.Context(), q)
	if err != nil {
		s.internalError(w, "Failed to get articles", err)
		return
	}
	if articles == nil {
		articles = []*model.Article{}
	}
	writeJSON(w, http.StatusOK, articles)
}

// handleArticleFlags sets read and fave. An omitted flag keeps its value.
func (s *Server) handleArticleFlags(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "articleID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid article ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Read *bool `json:"read"`
		Fave *bool `json:"fave"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	a, err := s.store.GetArticle(r.Context(), id)
	if err != nil {
		s.storeError(w, "Failed to get article", err)
		return
	}
	f, err := s.store.GetFeed(r.Context(), a.FeedID)
	if err != nil || f.UserID != s.userID {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	read, fave := a.Read, a.Fave
	if req.Read != nil {
		read = *req.Read
	}
	if req.Fave != nil {
		fave = *req.Fave
	}
	if err := s.store.SetArticleFlags(r.Context(), id, read, fave); err != nil {
		s.storeError(w, "Failed to update article", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- OPML Handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	res, err := opml.Import(r.Context(), s.store, file, s.userID, s.clock.Now())
	if res.Added > 0 {
		s.notify()
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to import OPML: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": res.Added,
		"skipped":  res.Skipped,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedd-feeds.opml")
	if err := opml.Export(r.Context(), s.store, w, s.userID, s.clock.Now()); err != nil {
		s.logger.Error("failed to export OPML", "err", err)
	}
}

// --- Helpers ---

// ownedFeed loads the feed named in the URL, writing a 404 if it does not
// exist or belongs to another user.
func (s *Server) ownedFeed(w http.ResponseWriter, r *http.Request) (*model.Feed, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid feed ID", http.StatusBadRequest)
		return nil, false
	}
	f, err := s.store.GetFeed(r.Context(), id)
	if err != nil {
		s.storeError(w, "Failed to get feed", err)
		return nil, false
	}
	if f.UserID != s.userID {
		http.Error(w, "Not found", http.StatusNotFound)
		return nil, false
	}
	return f, true
}

func (s *Server) storeError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.internalError(w, msg, err)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "err", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
