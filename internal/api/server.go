// Package api exposes the admin console's HTTP surface. It is a thin layer:
// every route delegates straight to the places client, the reconciliation
// engine, or the mirror store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"placesadmin/internal/mirror"
	"placesadmin/internal/places"
	"placesadmin/internal/reconcile"
	"placesadmin/internal/shell"
)

// Directory is the remote-facing surface the routes consume.
type Directory interface {
	List(ctx context.Context, t places.EntityType) ([]places.PlaceEntity, error)
	Create(ctx context.Context, e places.PlaceEntity) error
	Remove(ctx context.Context, externalID string) error
	Hierarchy(ctx context.Context) ([]*places.Node, error)
}

// Refresher runs one mirror reconciliation.
type Refresher interface {
	Refresh(ctx context.Context) (*reconcile.Report, error)
}

// MirrorReader is the read-only slice of the mirror store.
type MirrorReader interface {
	ListByType(ctx context.Context, t places.EntityType) ([]mirror.Entity, error)
	CountsByType(ctx context.Context) (map[places.EntityType]int, error)
}

// ChannelStatus reports command-channel health.
type ChannelStatus interface {
	Status() shell.Status
}

// Server wires the routes.
type Server struct {
	directory Directory
	engine    Refresher
	store     MirrorReader
	channel   ChannelStatus
	log       *zap.Logger
}

// NewServer creates a Server.
func NewServer(directory Directory, engine Refresher, store MirrorReader, channel ChannelStatus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{directory: directory, engine: engine, store: store, channel: channel, log: log}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.errorLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/places", s.handleListPlaces)
		r.Post("/places", s.handleCreatePlace)
		r.Delete("/places/{externalID}", s.handleRemovePlace)
		r.Get("/hierarchy", s.handleHierarchy)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/mirror", s.handleListMirror)
		r.Get("/status", s.handleStatus)
	})

	return r
}

// errorLogger logs only failed requests; 200s stay quiet.
func (s *Server) errorLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			if ww.Status() >= 400 {
				s.log.Warn("request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)))
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

// errorResponse is the structured failure shape. ReconnectRequired tells the
// UI the command channel itself is unhealthy, as opposed to a plain remote
// or validation error.
type errorResponse struct {
	Error             string `json:"error"`
	ReconnectRequired bool   `json:"reconnectRequired"`
}

func needsReconnect(err error) bool {
	return errors.Is(err, shell.ErrProcessExited) ||
		errors.Is(err, shell.ErrTimeout) ||
		errors.Is(err, shell.ErrChannelClosed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), ReconnectRequired: needsReconnect(err)})
}

func (s *Server) handleListPlaces(w http.ResponseWriter, r *http.Request) {
	t, err := places.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entities, err := s.directory.List(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if entities == nil {
		entities = []places.PlaceEntity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleCreatePlace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		places.PlaceEntity
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entity := body.PlaceEntity
	if body.Type != "" {
		t, err := places.ParseType(body.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entity.Type = t
	}
	if err := entity.ValidateForCreate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.directory.Create(r.Context(), entity); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "created remotely, mirror updates on next refresh"})
}

func (s *Server) handleRemovePlace(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if err := s.directory.Remove(r.Context(), externalID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "removed remotely, mirror updates on next refresh"})
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	tree, err := s.directory.Hierarchy(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if tree == nil {
		tree = []*places.Node{}
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Refresh(r.Context())
	if err != nil {
		// A partial report is still useful to the caller; send both.
		writeJSON(w, http.StatusBadGateway, struct {
			errorResponse
			Report *reconcile.Report `json:"report,omitempty"`
		}{
			errorResponse: errorResponse{Error: err.Error(), ReconnectRequired: needsReconnect(err)},
			Report:        report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListMirror(w http.ResponseWriter, r *http.Request) {
	t, err := places.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.store.ListByType(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []mirror.Entity{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountsByType(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": s.channel.Status(),
		"mirror":  counts,
	})
}
