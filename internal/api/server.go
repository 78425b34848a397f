// Package api exposes the prediction service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cvd-risk/internal/inference"
	"cvd-risk/internal/ml"
	"cvd-risk/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const requestIDHeader = "X-Request-ID"

// Predictor runs one prediction.
type Predictor interface {
	Predict(ctx context.Context, req inference.Request) (inference.Result, error)
}

// Catalog lists the configured models and their load state.
type Catalog interface {
	Descriptors() map[string]ml.Descriptor
	Loaded(name string) (*ml.LoadedModel, bool)
}

// History returns the latest catalog records of a model.
type History interface {
	LatestArtifact(model string) (storage.ArtifactRecord, bool, error)
	LatestLoad(model string) (storage.LoadRecord, bool, error)
}

// MetricsInterface defines the HTTP metrics the server records.
type MetricsInterface interface {
	HTTPRequestsInc(route string, code int)
}

// Config holds the server limits.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	MaxUploadBytes int64
}

// Server is the HTTP front of the prediction service.
type Server struct {
	cfg       Config
	predictor Predictor
	catalog   Catalog
	history   History
	metrics   MetricsInterface
	router    *mux.Router
	server    *http.Server
}

// NewServer wires the routes. history and metrics may be nil.
func NewServer(cfg Config, predictor Predictor, catalog Catalog, history History, metrics MetricsInterface) *Server {
	s := &Server{
		cfg:       cfg,
		predictor: predictor,
		catalog:   catalog,
		history:   history,
		metrics:   metrics,
	}

	r := mux.NewRouter()
	r.Use(s.requestContext)
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/models", s.handleModels).Methods("GET")
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	s.router = r

	// Uploads and cold model loads both happen inside one request.
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting prediction API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestContext tags each request with an id and records its outcome.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequestsInc(route, rec.status)
		}
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "CVD Risk Predictor API", "status": "running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ModelInfo describes one configured model.
type ModelInfo struct {
	Name         string                  `json:"name"`
	Architecture string                  `json:"architecture"`
	Format       ml.Format               `json:"format"`
	Path         string                  `json:"path"`
	URL          string                  `json:"url,omitempty"`
	Loaded       bool                    `json:"loaded"`
	LoadedAt     *time.Time              `json:"loaded_at,omitempty"`
	Report       *ml.LoadReport          `json:"report,omitempty"`
	Artifact     *storage.ArtifactRecord `json:"artifact,omitempty"`
	LastLoad     *storage.LoadRecord     `json:"last_load,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	descriptors := s.catalog.Descriptors()
	out := make([]ModelInfo, 0, len(descriptors))
	for _, name := range ml.SortedNames(descriptors) {
		d := descriptors[name]
		info := ModelInfo{
			Name:         d.Name,
			Architecture: d.Architecture.Tag,
			Format:       d.Format,
			Path:         d.Path,
			URL:          d.URL,
		}
		if m, ok := s.catalog.Loaded(name); ok {
			info.Loaded = true
			loadedAt := m.LoadedAt
			report := m.Report
			info.LoadedAt = &loadedAt
			info.Report = &report
		}
		if s.history != nil {
			s.attachHistory(r.Context(), &info)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": out})
}

// attachHistory adds the latest catalog records. Lookup failures are logged
// and leave the fields empty.
func (s *Server) attachHistory(ctx context.Context, info *ModelInfo) {
	artifact, found, err := s.history.LatestArtifact(info.Name)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("model", info.Name).Msg("Failed to read artifact record")
	} else if found {
		info.Artifact = &artifact
	}

	load, found, err := s.history.LatestLoad(info.Name)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("model", info.Name).Msg("Failed to read load record")
	} else if found {
		info.LastLoad = &load
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	model := r.FormValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "field 'model' is required")
		return
	}
	clinical, err := inference.ParseClinical(r.FormValue("clinical"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := inference.Request{Model: model, Clinical: clinical}
	for field, dst := range map[string]*[]byte{
		"image":       &req.Image,
		"left_image":  &req.LeftImage,
		"right_image": &req.RightImage,
	} {
		data, err := formFile(r, field)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", field, err))
			return
		}
		*dst = data
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	res, err := s.predictor.Predict(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		if ml.IsClientFault(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// formFile reads an optional uploaded file. A missing field yields nil.
func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
