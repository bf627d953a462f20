package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/apqp-suite/changecore/internal/analytics"
	"github.com/apqp-suite/changecore/internal/changelog"
	"github.com/apqp-suite/changecore/internal/impact"
	"github.com/apqp-suite/changecore/internal/repository"
	"github.com/apqp-suite/changecore/internal/snapshot"
	"github.com/apqp-suite/changecore/internal/workflow"
)

// Server is the thin JSON facade over the exposed operations. Authentication
// and request validation are owned by the platform layer in front of it.
type Server struct {
	snapshots *snapshot.Service
	changes   *changelog.Service
	impacts   *impact.Analyzer
	workflows *workflow.Engine
	analytics *analytics.Aggregator
	rules     repository.RuleRepository
	log       *logrus.Logger
}

// NewServer wires the handlers.
func NewServer(snapshots *snapshot.Service, changes *changelog.Service, impacts *impact.Analyzer,
	workflows *workflow.Engine, aggregator *analytics.Aggregator, rules repository.RuleRepository,
	log *logrus.Logger) *Server {
	return &Server{
		snapshots: snapshots,
		changes:   changes,
		impacts:   impacts,
		workflows: workflows,
		analytics: aggregator,
		rules:     rules,
		log:       log,
	}
}

// Handler builds the routed handler chain: mux routes, CORS, request logging.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/projects/{projectID}/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectID}/versions", s.handleVersionHistory).Methods(http.MethodGet)
	api.HandleFunc("/versions/compare", s.handleCompareVersions).Methods(http.MethodGet)
	api.HandleFunc("/versions/{versionID}", s.handleGetVersion).Methods(http.MethodGet)
	api.HandleFunc("/versions/{versionID}/restore", s.handleRestore).Methods(http.MethodPost)

	api.HandleFunc("/changes", s.handleRecordChange).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectID}/changes", s.handleListChanges).Methods(http.MethodGet)
	api.HandleFunc("/changes/{eventID}", s.handleGetChange).Methods(http.MethodGet)
	api.HandleFunc("/changes/{eventID}/impact", s.handleGetImpact).Methods(http.MethodGet)

	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)

	api.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/changes/{eventID}/steps", s.handleListSteps).Methods(http.MethodGet)
	api.HandleFunc("/changes/{eventID}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/changes/{eventID}/reject", s.handleReject).Methods(http.MethodPost)

	api.HandleFunc("/projects/{projectID}/risk/recompute", s.handleRecomputeRisk).Methods(http.MethodPost)
	api.HandleFunc("/projects/{projectID}/risk/summary", s.handleRiskSummary).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return s.requestLogger(c.Handler(r))
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   recorder.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
