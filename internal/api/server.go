// Package api exposes the annotation store over HTTP.  Authentication is out
// of scope: the acting principal arrives pre-resolved in the X-User-Id
// header and is looked up in the user table.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/access"
	"github.com/wholeslide/annostore/internal/hooks"
	"github.com/wholeslide/annostore/internal/store"
	"github.com/wholeslide/annostore/pkg/validate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// streamDeadline is the write deadline for streaming endpoints: effectively
// unlimited, one day.
const streamDeadline = 24 * time.Hour

// Server holds the HTTP handlers.
type Server struct {
	store   *store.Store
	hooks   *hooks.Hooks
	log     *zap.Logger
	metrics *metrics
}

// New builds a server.
func New(st *store.Store, hk *hooks.Hooks, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: st, hooks: hk, log: log, metrics: newMetrics()}
}

// Router mounts all routes.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(s.requestLogger)
	r.Use(s.resolvePrincipal)

	r.Route("/annotation", func(r chi.Router) {
		r.Get("/", s.findAnnotations)
		r.Post("/", s.createAnnotation)
		r.Get("/schema", s.getSchema)
		r.Get("/images", s.findAnnotatedImages)
		r.Get("/counts", s.annotationCounts)
		r.Get("/old", s.inspectOldAnnotations)
		r.Delete("/old", s.deleteOldAnnotations)
		r.Route("/item/{id}", func(r chi.Router) {
			r.Get("/", s.getItemAnnotations)
			r.Post("/", s.createItemAnnotations)
			r.Delete("/", s.deleteItemAnnotations)
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAnnotation)
			r.Put("/", s.updateAnnotation)
			r.Delete("/", s.deleteAnnotation)
			r.Post("/copy", s.copyAnnotation)
			r.Get("/access", s.getAnnotationAccess)
			r.Put("/access", s.updateAnnotationAccess)
			r.Get("/history", s.annotationHistoryList)
			r.Get("/history/{version}", s.annotationHistoryVersion)
			r.Put("/history/revert", s.revertAnnotationHistory)
			r.Get("/geojson", s.getAnnotationGeoJSON)
		})
	})
	r.Route("/item/{id}", func(r chi.Router) {
		r.Post("/copy", s.copyItem)
		r.Delete("/", s.removeItem)
		r.Get("/plot/list", s.plottableColumns)
		r.Post("/plot/data", s.plottableData)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// requestLogger logs each request with zap and records metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.observe(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		s.log.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()), zap.Duration("elapsed", time.Since(start)))
	})
}

type contextKey string

const userKey contextKey = "annostore.user"

func withUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// resolvePrincipal loads the acting user named by the X-User-Id header.
func (s *Server) resolvePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-Id"); userID != "" {
			user, err := s.store.GetUser(r.Context(), userID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if user == nil {
				s.writeStatus(w, http.StatusForbidden, "unknown user")
				return
			}
			r = r.WithContext(withUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) currentUser(r *http.Request) *store.User {
	user, _ := r.Context().Value(userKey).(*store.User)
	return user
}

func (s *Server) principal(r *http.Request) *access.Principal {
	return s.currentUser(r).Principal()
}

// requireUser rejects anonymous callers.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *store.User {
	user := s.currentUser(r)
	if user == nil {
		s.writeStatus(w, http.StatusForbidden, "authentication required")
		return nil
	}
	return user
}

// requireAdmin rejects non-admin callers.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *store.User {
	user := s.requireUser(w, r)
	if user == nil {
		return nil
	}
	if !user.Admin {
		s.writeStatus(w, http.StatusForbidden, "administrator access required")
		return nil
	}
	return user
}

// writeError maps error kinds to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeStatus(w, http.StatusNotFound, "annotation not found")
	case errors.Is(err, access.ErrDenied):
		s.writeStatus(w, http.StatusForbidden, "access denied")
	case errors.Is(err, validate.ErrInvalidAnnotation):
		s.writeStatus(w, http.StatusBadRequest,
			"Validation Error: JSON doesn't follow schema ("+err.Error()+")")
	case errors.Is(err, store.ErrValidation):
		s.writeStatus(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response write failed", zap.Error(err))
	}
}
