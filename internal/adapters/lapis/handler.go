// Package lapis serves the LAPIS-style REST surface: per-organism query
// endpoints, export jobs, and the operational probes.
package lapis

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"lapisgate/internal/core"
	"lapisgate/internal/query"
	"lapisgate/pkg/domain"
)

// maxBodyBytes bounds POST query bodies.
const maxBodyBytes = 1 << 20

// Handler is the root http.Handler.
type Handler struct {
	http.Handler

	service  *core.Service
	exports  *Worker
	logger   logrus.FieldLogger
	gatherer prometheus.Gatherer
	origins  []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler) error

// OptHandlerService sets the query service. Required.
func OptHandlerService(s *core.Service) HandlerOption {
	return func(h *Handler) error {
		h.service = s
		return nil
	}
}

// OptHandlerExports enables the export routes.
func OptHandlerExports(w *Worker) HandlerOption {
	return func(h *Handler) error {
		h.exports = w
		return nil
	}
}

// OptHandlerLogger sets the access and error logger.
func OptHandlerLogger(l logrus.FieldLogger) HandlerOption {
	return func(h *Handler) error {
		h.logger = l
		return nil
	}
}

// OptHandlerGatherer selects the registry served on /metrics.
func OptHandlerGatherer(g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) error {
		h.gatherer = g
		return nil
	}
}

// OptHandlerAllowedOrigins sets the CORS origins. The default allows all.
func OptHandlerAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) error {
		h.origins = origins
		return nil
	}
}

// NewHandler builds the router.
func NewHandler(opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		logger:   logrus.StandardLogger(),
		gatherer: prometheus.DefaultGatherer,
		origins:  []string{"*"},
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if h.service == nil {
		return nil, errors.New("must pass OptHandlerService")
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(h.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
		handlers.ExposedHeaders([]string{"Content-Disposition", RequestIDHeader}),
	)
	h.Handler = cors(accessLog(h.logger, h.newRouter()))
	return h, nil
}

func (h *Handler) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", h.handleHome).Methods(http.MethodGet).Name("Home")
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet).Name("Health")
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet).Name("Ready")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/{organism}/sample/{endpoint}", h.handleQuery).Methods(http.MethodGet, http.MethodPost).Name("Query")
	router.HandleFunc("/{organism}/sample/{endpoint}/{sequence}", h.handleQuery).Methods(http.MethodGet, http.MethodPost).Name("QuerySequence")
	if h.exports != nil {
		router.HandleFunc("/{organism}/exports", h.handlePostExport).Methods(http.MethodPost).Name("PostExport")
		router.HandleFunc("/exports/{id}", h.handleGetExport).Methods(http.MethodGet).Name("GetExport")
		router.HandleFunc("/exports/{id}", h.handleDeleteExport).Methods(http.MethodDelete).Name("DeleteExport")
		router.HandleFunc("/exports/{id}/download", h.handleDownloadExport).Methods(http.MethodGet).Name("DownloadExport")
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no route for %s", r.URL.Path))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusMethodNotAllowed, "MethodNotAllowed", fmt.Sprintf("%s not allowed", r.Method))
	})
	return router
}

func (h *Handler) handleHome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "lapisgate",
		"version":   core.Version,
		"organisms": h.service.Catalog().Names(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleQuery compiles and streams one query. Errors found before the first
// body byte become JSON error responses; later failures abort the
// connection so the client sees a truncated transfer.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stats := statsFrom(r.Context())
	endpoint, err := core.ParseEndpoint(vars["endpoint"])
	if err != nil {
		writeError(w, err)
		return
	}
	if vars["sequence"] != "" && !endpoint.IsSequence() {
		writeError(w, domain.NotFoundError{Kind: "endpoint", Name: string(endpoint) + "/" + vars["sequence"]})
		return
	}
	params, err := parseParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	prepared, err := h.service.Prepare(core.Request{
		Organism:  vars["organism"],
		Endpoint:  endpoint,
		Sequence:  vars["sequence"],
		Params:    params,
		RequestID: stats.id,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.service.Execute(r.Context(), prepared)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = result.Close() }()

	out := &streamWriter{w: w, prepare: func(hdr http.Header) {
		hdr.Set("Content-Type", prepared.ContentType())
		if params.DownloadAsFile {
			hdr.Set("Content-Disposition", attachment(prepared.Filename))
		}
	}}
	n, err := result.WriteTo(r.Context(), out)
	stats.rows = n
	if err == nil {
		return
	}
	log := h.logger.WithFields(logrus.Fields{
		"request_id": stats.id,
		"organism":   prepared.Request.Organism,
		"endpoint":   string(endpoint),
		"rows":       n,
	}).WithError(err)
	if r.Context().Err() != nil {
		log.Warn("client went away during stream")
		return
	}
	if out.written == 0 {
		log.Error("query failed before output")
		writeError(w, err)
		return
	}
	log.Error("aborting partially written response")
	panic(http.ErrAbortHandler)
}

// parseParams reads the query string for GET and a JSON or form body for
// POST.
func parseParams(r *http.Request) (query.Params, error) {
	if r.Method != http.MethodPost {
		return query.FromQuery(r.URL.Query())
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxBodyBytes))
		if err := r.ParseForm(); err != nil {
			return query.Params{}, domain.BadRequest("", "invalid form body: %v", err)
		}
		return query.FromQuery(r.PostForm)
	default:
		body, err := decodeBody(r)
		if err != nil {
			return query.Params{}, err
		}
		return query.FromJSON(body)
	}
}

func decodeBody(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.BadRequest("", "invalid JSON body: %v", err)
	}
	return body, nil
}
