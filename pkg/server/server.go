// Package server implements the HTTP ingress: form-encoded POST endpoints
// that validate the shared secret, enqueue packaging tasks and answer
// statistics queries with JSON.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/dwc"
	pkgerrors "github.com/ckanops/packager/pkg/errors"
	"github.com/ckanops/packager/pkg/logging"
	"github.com/ckanops/packager/pkg/pool"
	"github.com/ckanops/packager/pkg/stats"
	"github.com/ckanops/packager/pkg/task"
)

// Server wires the ingress endpoints to the worker pools, the statistics
// store and the archive cache.
type Server struct {
	cfg          *config.Config
	stats        *stats.Store
	fast         *pool.Pool
	slow         *pool.Pool
	registry     *dwc.Registry
	log          logging.Logger
	registryHTTP *prometheus.Registry
}

// New creates the ingress server. The registry may be nil when no Darwin
// Core extensions are configured; the dwc-archive endpoint then rejects
// requests.
func New(cfg *config.Config, st *stats.Store, fast, slow *pool.Pool, registry *dwc.Registry, log logging.Logger) *Server {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(pool.NewCollector("packager", fast, slow))
	return &Server{
		cfg:          cfg,
		stats:        st,
		fast:         fast,
		slow:         slow,
		registry:     registry,
		log:          log,
		registryHTTP: promRegistry,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registryHTTP, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleStatus)
		r.Post("/status", s.handleStatus)
		r.Post("/clear_caches", s.handleClearCaches)
		r.Post("/statistics", s.handleTotals)
		r.Post("/statistics/requests", s.handleRequests)
		r.Post("/statistics/errors", s.handleErrors)
		r.Post("/package_datastore", s.handlePackageDatastore)
		r.Post("/package_dwc_archive", s.handlePackageDwCArchive)
		r.Post("/package_url", s.handlePackageURL)
	})
	return r
}

// authenticate parses the form body and checks the shared secret.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.writeError(w, http.StatusBadRequest, "BadRequestError", "invalid form body")
			return
		}
		secret := r.PostFormValue("secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "NotAuthorizedError", "invalid or missing secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, map[string]interface{}{
		"worker_count":       s.cfg.Workers * 2,
		"queue_length":       s.fast.Length() + s.slow.Length(),
		"fast_queue_length":  s.fast.Length(),
		"slow_queue_length":  s.slow.Length(),
		"processed_requests": s.fast.Processed() + s.slow.Processed(),
	})
}

// handleClearCaches deletes every archive in the store directory.
func (s *Server) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.StoreDirectory)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.StoreDirectory, entry.Name())); err != nil {
			s.log.Warn("failed to remove cached archive",
				logging.F("file", entry.Name()), logging.Err(err))
			continue
		}
		removed++
	}
	s.writeSuccess(w, map[string]interface{}{
		"message": "caches cleared",
		"removed": removed,
	})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	filters := stats.Filters{}
	if resourceID := r.PostFormValue("resource_id"); resourceID != "" {
		filters.ResourceID = &resourceID
	}
	totals, err := s.stats.GetTotals(filters)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	s.writeSuccess(w, map[string]interface{}{"totals": totals})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	offset, limit, filters, ok := s.listParams(w, r)
	if !ok {
		return
	}
	rows, err := s.stats.GetRequests(offset, limit, filters)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	if rows == nil {
		rows = []stats.RequestRow{}
	}
	s.writeSuccess(w, map[string]interface{}{"requests": rows})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	offset, limit, filters, ok := s.listParams(w, r)
	if !ok {
		return
	}
	rows, err := s.stats.GetErrors(offset, limit, filters)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	if rows == nil {
		rows = []stats.ErrorRow{}
	}
	s.writeSuccess(w, map[string]interface{}{"errors": rows})
}

func (s *Server) handlePackageDatastore(w http.ResponseWriter, r *http.Request) {
	t, err := task.NewDatastoreTask(formParams(r), s.cfg)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.enqueue(w, t)
}

func (s *Server) handlePackageDwCArchive(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeError(w, http.StatusBadRequest, "BadRequestError",
			"no darwin core extensions are configured")
		return
	}
	t, err := task.NewDwCArchiveTask(formParams(r), s.cfg, s.registry)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.enqueue(w, t)
}

func (s *Server) handlePackageURL(w http.ResponseWriter, r *http.Request) {
	t, err := task.NewURLTask(formParams(r), s.cfg)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.enqueue(w, t)
}

// enqueue routes the task to the fast or slow pool based on its speed
// estimate and acknowledges the submission.
func (s *Server) enqueue(w http.ResponseWriter, t task.Task) {
	target := s.slow
	if t.Speed() == task.SpeedFast {
		target = s.fast
	}
	if !target.Submit(t) {
		s.writeError(w, http.StatusServiceUnavailable, "InternalError", "service is shutting down")
		return
	}
	s.log.Info("task queued",
		logging.F("task", t.Name()),
		logging.F("resource_id", t.Descriptor().Get("resource_id")),
		logging.F("pool", target.Name()),
	)
	s.writeSuccess(w, map[string]interface{}{
		"message": "job queued, the requester will be emailed when the archive is ready",
	})
}

// listParams extracts the pagination and filter parameters of the statistics
// list endpoints.
func (s *Server) listParams(w http.ResponseWriter, r *http.Request) (int, int, stats.Filters, bool) {
	offset, err := formInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequestError", "offset must be a non-negative integer")
		return 0, 0, stats.Filters{}, false
	}
	limit, err := formInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BadRequestError", "limit must be a non-negative integer")
		return 0, 0, stats.Filters{}, false
	}
	filters := stats.Filters{}
	if resourceID := r.PostFormValue("resource_id"); resourceID != "" {
		filters.ResourceID = &resourceID
	}
	if email := r.PostFormValue("email"); email != "" {
		filters.Email = &email
	}
	return offset, limit, filters, true
}

// formParams returns the submitted form fields as a flat map, excluding the
// shared secret.
func formParams(r *http.Request) map[string]string {
	params := map[string]string{}
	for field, values := range r.PostForm {
		if field == "secret" || len(values) == 0 {
			continue
		}
		params[field] = values[0]
	}
	return params
}

func formInt(r *http.Request, field string, fallback int) (int, error) {
	raw := r.PostFormValue(field)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, pkgerrors.ErrBadRequest
	}
	return n, nil
}

// writeTaskError maps descriptor validation failures to 400 and everything
// else to 500.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	if pkgerrors.IsBadRequest(err) {
		s.writeError(w, http.StatusBadRequest, "BadRequestError", err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
}

func (s *Server) writeSuccess(w http.ResponseWriter, body map[string]interface{}) {
	body["status"] = "success"
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, code int, name, message string) {
	s.writeJSON(w, code, map[string]interface{}{
		"status":  "failed",
		"error":   name,
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", logging.Err(err))
	}
}
