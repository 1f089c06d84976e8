package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/registry"
)

// Detector is the detection facade the handlers delegate to.
type Detector interface {
	DetectOne(ctx context.Context, features map[string]float64) (models.DetectionResult, error)
	DetectBatch(ctx context.Context, samples []models.Sample) []models.BatchResult
}

// ModelAdmin exposes registry administration to the HTTP surface.
type ModelAdmin interface {
	Reload() (int, error)
	Status() (uint64, time.Time, []registry.ModelStatus)
}

// Handler serves the detection API.
type Handler struct {
	logger   *slog.Logger
	detector Detector
	admin    ModelAdmin
}

// NewHandler builds the API routes with request logging.
func NewHandler(logger *slog.Logger, detector Detector, admin ModelAdmin) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, detector: detector, admin: admin}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/v1/detect", h.handleDetect)
	mux.HandleFunc("/api/v1/detect/batch", h.handleDetectBatch)
	mux.HandleFunc("/api/v1/models/status", h.handleModelStatus)
	mux.HandleFunc("/api/v1/models/reload", h.handleModelReload)
	return logRequests(logger, mux)
}

type detectRequest struct {
	Features map[string]float64 `json:"features"`
}

type batchSample struct {
	ID       string             `json:"id"`
	Features map[string]float64 `json:"features"`
}

type batchRequest struct {
	Samples []batchSample `json:"samples"`
}

type classProbsPayload struct {
	Normal float64 `json:"normal"`
	Attack float64 `json:"attack"`
}

type breakdownPayload struct {
	Predictions   map[string]string            `json:"predictions"`
	Confidences   map[string]float64           `json:"confidences"`
	Probabilities map[string]classProbsPayload `json:"probabilities"`
}

type analysisPayload struct {
	AnomalyIndicators  []string `json:"anomaly_indicators"`
	SuspiciousPatterns []string `json:"suspicious_patterns"`
	RiskFactors        []string `json:"risk_factors"`
}

type degradationPayload struct {
	Mode      string   `json:"mode"`
	Responded []string `json:"responded"`
	Failed    []string `json:"failed"`
}

type detectionPayload struct {
	Prediction       string             `json:"prediction"`
	Confidence       float64            `json:"confidence"`
	ThreatScore      float64            `json:"threat_score"`
	RiskLevel        string             `json:"risk_level"`
	ModelPredictions breakdownPayload   `json:"model_predictions"`
	FeatureAnalysis  analysisPayload    `json:"feature_analysis"`
	Degradation      degradationPayload `json:"degradation"`
	ProcessingTimeMs float64            `json:"processing_time_ms"`
	Timestamp        time.Time          `json:"timestamp"`
}

type batchRowPayload struct {
	ID          string        `json:"id"`
	Prediction  string        `json:"prediction"`
	Confidence  float64       `json:"confidence"`
	ThreatScore float64       `json:"threat_score"`
	RiskLevel   string        `json:"risk_level"`
	Error       *errorPayload `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchRowPayload `json:"results"`
	Summary batchSummary      `json:"summary"`
}

type batchSummary struct {
	Total     int     `json:"total"`
	Attacks   int     `json:"attacks"`
	Unknowns  int     `json:"unknowns"`
	Errors    int     `json:"errors"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	if !enforceMethod(w, r, http.MethodPost) {
		return
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{Code: "bad_request", Message: "malformed JSON body"})
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, errorPayload{Code: "bad_request", Message: "features object is required"})
		return
	}

	result, err := h.detector.DetectOne(r.Context(), req.Features)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, errorPayload{Code: verr.Code, Field: verr.Field, Message: verr.Message})
			return
		}
		h.logger.Error("detect failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, errorPayload{Code: "internal", Message: "detection failed"})
		return
	}

	writeJSON(w, http.StatusOK, toDetectionPayload(result))
}

func (h *Handler) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	if !enforceMethod(w, r, http.MethodPost) {
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{Code: "bad_request", Message: "malformed JSON body"})
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, errorPayload{Code: "bad_request", Message: "samples array is required"})
		return
	}

	samples := make([]models.Sample, len(req.Samples))
	for i, s := range req.Samples {
		samples[i] = models.Sample{ID: s.ID, Features: s.Features}
	}

	start := time.Now()
	results := h.detector.DetectBatch(r.Context(), samples)
	summary := models.Summarize(results, time.Since(start))

	rows := make([]batchRowPayload, len(results))
	for i, res := range results {
		row := batchRowPayload{
			ID:          res.ID,
			Prediction:  string(res.Result.Prediction),
			Confidence:  res.Result.Confidence,
			ThreatScore: res.Result.ThreatScore,
			RiskLevel:   string(res.Result.RiskLevel),
		}
		if res.Err != nil {
			var verr *models.ValidationError
			if errors.As(res.Err, &verr) {
				row.Error = &errorPayload{Code: verr.Code, Field: verr.Field, Message: verr.Message}
			} else {
				row.Error = &errorPayload{Code: "internal", Message: res.Err.Error()}
			}
		}
		rows[i] = row
	}

	writeJSON(w, http.StatusOK, batchResponse{
		Results: rows,
		Summary: batchSummary{
			Total:     summary.Total,
			Attacks:   summary.Attacks,
			Unknowns:  summary.Unknowns,
			Errors:    summary.Errors,
			ElapsedMs: float64(summary.Elapsed) / float64(time.Millisecond),
		},
	})
}

type modelStatusPayload struct {
	ModelID  string    `json:"model_id"`
	Kind     string    `json:"kind"`
	Version  string    `json:"version"`
	Accuracy float64   `json:"accuracy"`
	Weight   float64   `json:"weight"`
	LoadedAt time.Time `json:"loaded_at"`
	Loaded   bool      `json:"loaded"`
}

type statusResponse struct {
	Generation uint64               `json:"generation"`
	LoadedAt   time.Time            `json:"loaded_at"`
	ModelCount int                  `json:"model_count"`
	Models     []modelStatusPayload `json:"models"`
}

func (h *Handler) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if !enforceMethod(w, r, http.MethodGet) {
		return
	}

	generation, loadedAt, statuses := h.admin.Status()
	payload := statusResponse{
		Generation: generation,
		LoadedAt:   loadedAt,
		ModelCount: len(statuses),
		Models:     make([]modelStatusPayload, 0, len(statuses)),
	}
	for _, s := range statuses {
		payload.Models = append(payload.Models, modelStatusPayload{
			ModelID:  s.ModelID,
			Kind:     string(s.Kind),
			Version:  s.Version,
			Accuracy: s.Accuracy,
			Weight:   s.Weight,
			LoadedAt: s.LoadedAt,
			Loaded:   s.Loaded,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

type reloadResponse struct {
	Reloaded   bool   `json:"reloaded"`
	ModelCount int    `json:"model_count"`
	Generation uint64 `json:"generation"`
}

func (h *Handler) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if !enforceMethod(w, r, http.MethodPost) {
		return
	}

	count, err := h.admin.Reload()
	if err != nil {
		h.logger.Error("model reload rejected", slog.Any("error", err))
		writeError(w, http.StatusConflict, errorPayload{Code: "reload_rejected", Message: err.Error()})
		return
	}

	generation, _, _ := h.admin.Status()
	writeJSON(w, http.StatusOK, reloadResponse{
		Reloaded:   true,
		ModelCount: count,
		Generation: generation,
	})
}

func toDetectionPayload(result models.DetectionResult) detectionPayload {
	breakdown := breakdownPayload{
		Predictions:   make(map[string]string, len(result.ModelPredictions.Predictions)),
		Confidences:   make(map[string]float64, len(result.ModelPredictions.Confidences)),
		Probabilities: make(map[string]classProbsPayload, len(result.ModelPredictions.Probabilities)),
	}
	for id, label := range result.ModelPredictions.Predictions {
		breakdown.Predictions[id] = string(label)
	}
	for id, conf := range result.ModelPredictions.Confidences {
		breakdown.Confidences[id] = conf
	}
	for id, probs := range result.ModelPredictions.Probabilities {
		breakdown.Probabilities[id] = classProbsPayload{Normal: probs.Normal, Attack: probs.Attack}
	}

	return detectionPayload{
		Prediction:       string(result.Prediction),
		Confidence:       result.Confidence,
		ThreatScore:      result.ThreatScore,
		RiskLevel:        string(result.RiskLevel),
		ModelPredictions: breakdown,
		FeatureAnalysis: analysisPayload{
			AnomalyIndicators:  result.FeatureAnalysis.AnomalyIndicators,
			SuspiciousPatterns: result.FeatureAnalysis.SuspiciousPatterns,
			RiskFactors:        result.FeatureAnalysis.RiskFactors,
		},
		Degradation: degradationPayload{
			Mode:      string(result.Degradation.Mode),
			Responded: result.Degradation.Responded,
			Failed:    result.Degradation.Failed,
		},
		ProcessingTimeMs: float64(result.ProcessingTime) / float64(time.Millisecond),
		Timestamp:        result.Timestamp,
	}
}

func enforceMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, errorPayload{Code: "method_not_allowed", Message: "method not allowed"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, payload errorPayload) {
	writeJSON(w, status, errorResponse{Error: payload})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
