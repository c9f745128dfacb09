package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/protquant/server/internal/anstore"
	"github.com/protquant/server/internal/cache"
	"github.com/protquant/server/internal/matrix"
	"github.com/protquant/server/internal/pipeline"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	Defaults    AnalysisDefaults
}

// AnalysisDefaults are applied to submissions that omit pipeline parameters.
type AnalysisDefaults struct {
	Method        string
	Alpha         float64
	Confidence    float64
	MaxIterations int
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/methods", methodsHandler(cfg.Defaults))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	r.Route("/api/analyses", func(r chi.Router) {
		r.Post("/", analysisSubmitHandler(cfg.JobManager, cfg.Cache, cfg.Defaults))
		r.Get("/{job_id}", analysisStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", analysisResultHandler(cfg.JobManager, cfg.Cache))
		r.Get("/{job_id}/matrix", analysisMatrixHandler(cfg.JobManager, cfg.Cache))
		r.Delete("/{job_id}", analysisCancelHandler(cfg.JobManager))
	})

	return r
}

// methodsHandler lists the accepted normalization methods and defaults.
func methodsHandler(defaults AnalysisDefaults) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"methods":            pipeline.MethodNames(),
			"fit_modes":          []string{"unimodal", "bimodal"},
			"default_method":     defaults.Method,
			"default_alpha":      defaults.Alpha,
			"default_confidence": defaults.Confidence,
			"agreement_z":        pipeline.DefaultAgreementZ,
		})
	}
}

func cacheStatsHandler(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Stats())
	}
}

// analysisRequest is the submission payload: the parsed expression matrix,
// the group assignment and the pipeline parameters.
type analysisRequest struct {
	Matrix        *matrix.Matrix    `json:"matrix"`
	Groups        map[string]string `json:"groups"`
	Method        string            `json:"method"`
	FitMode       string            `json:"fit_mode"`
	Alpha         float64           `json:"alpha"`
	Confidence    float64           `json:"confidence"`
	MaxIterations int               `json:"max_iterations"`
	Group1        string            `json:"group1"`
	Group2        string            `json:"group2"`
}

// analysisSubmitHandler validates a submission and enqueues the job. An
// identical re-submission returns the existing job instead of queuing a
// duplicate.
func analysisSubmitHandler(jm *JobManager, c *cache.Manager, defaults AnalysisDefaults) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Matrix == nil || req.Matrix.NRows() == 0 {
			http.Error(w, "matrix is required", http.StatusBadRequest)
			return
		}
		if len(req.Groups) == 0 {
			http.Error(w, "groups are required", http.StatusBadRequest)
			return
		}

		if req.Method == "" {
			req.Method = defaults.Method
		}
		if req.Alpha == 0 {
			req.Alpha = defaults.Alpha
		}
		if req.Confidence == 0 {
			req.Confidence = defaults.Confidence
		}
		if req.MaxIterations == 0 {
			req.MaxIterations = defaults.MaxIterations
		}

		// Reject unknown methods and uncovered samples up front; the same
		// checks guard the pipeline itself.
		if _, err := pipeline.ParseMethod(req.Method); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := pipeline.ParseFitMode(req.FitMode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, name := range req.Matrix.Columns {
			if _, ok := req.Groups[name]; !ok {
				http.Error(w, "sample "+name+" has no group assignment", http.StatusBadRequest)
				return
			}
		}

		params := anstore.AnalysisParams{
			Method:        req.Method,
			FitMode:       req.FitMode,
			Alpha:         req.Alpha,
			Confidence:    req.Confidence,
			MaxIterations: req.MaxIterations,
			Groups:        req.Groups,
			Group1:        req.Group1,
			Group2:        req.Group2,
		}

		// Identical parameters and matrix hash to the same key; hand back the
		// existing job unless it ended in failure or cancellation.
		dedup, err := json.Marshal(struct {
			Params anstore.AnalysisParams `json:"params"`
			Matrix *matrix.Matrix         `json:"matrix"`
		}{params, req.Matrix})
		if err != nil {
			http.Error(w, "failed to encode request: "+err.Error(), http.StatusInternalServerError)
			return
		}
		key := cache.AnalysisKey(dedup)
		if prev, ok := c.GetResult(key); ok {
			if job := jm.Get(string(prev)); job != nil &&
				job.Status != anstore.JobStatusFailed && job.Status != anstore.JobStatusCancelled {
				writeJSON(w, job)
				return
			}
		}

		job, err := jm.Submit(params, req.Matrix)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		c.SetResult(key, []byte(job.ID))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(job)
	}
}

// analysisStatusHandler returns the job status, progress and masked counts.
func analysisStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, job)
	}
}

// analysisResultHandler returns paginated per-feature results for a
// completed job, serving repeated reads from the result payload cache.
func analysisResultHandler(jm *JobManager, c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != anstore.JobStatusCompleted {
			http.Error(w, "job is not completed: "+string(job.Status), http.StatusConflict)
			return
		}

		orderBy := r.URL.Query().Get("order_by")
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 100)
		if limit <= 0 || limit > 1000 {
			limit = 100
		}

		key := cache.ResultKey(jobID, orderBy, offset, limit)
		if payload, ok := c.GetResult(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(payload)
			return
		}

		results, total, err := jm.Store().QueryFeatureResults(jobID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		payload, err := json.Marshal(map[string]interface{}{
			"job_id":        jobID,
			"total":         total,
			"offset":        offset,
			"limit":         limit,
			"masked_counts": job.MaskedCounts,
			"features":      results,
		})
		if err != nil {
			http.Error(w, "failed to encode results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		c.SetResult(key, payload)

		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

// analysisMatrixHandler returns a stored matrix (normalized or filtered).
func analysisMatrixHandler(jm *JobManager, c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		kind := r.URL.Query().Get("kind")
		switch kind {
		case "":
			kind = anstore.MatrixKindFiltered
		case anstore.MatrixKindInput, anstore.MatrixKindNormalized, anstore.MatrixKindFiltered:
		default:
			http.Error(w, "unknown matrix kind: "+kind, http.StatusBadRequest)
			return
		}

		key := cache.MatrixKey(jobID, kind)
		m, ok := c.GetMatrix(key)
		if !ok {
			var err error
			m, err = jm.Store().GetMatrix(jobID, kind)
			if err != nil {
				http.Error(w, "failed to load matrix: "+err.Error(), http.StatusInternalServerError)
				return
			}
			if m == nil {
				http.Error(w, "matrix not found", http.StatusNotFound)
				return
			}
			c.SetMatrix(key, m)
		}
		writeJSON(w, m)
	}
}

// analysisCancelHandler cancels a queued or running job; with ?delete=true
// the job and its results are removed.
func analysisCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if r.URL.Query().Get("delete") == "true" {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !jm.Cancel(jobID) {
			http.Error(w, "job cannot be cancelled", http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"job_id": jobID, "status": "cancelling"})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
