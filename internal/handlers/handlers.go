package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sparsha-ai/skin-api/internal/model"
)

const maxUploadBytes = 10 << 20

type Handler struct {
	predictor *model.Predictor
	logger    *zap.SugaredLogger
}

func NewHandler(predictor *model.Predictor, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		predictor: predictor,
		logger:    logger,
	}
}

// Health reports service and model status for readiness checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"status":          "ok",
		"model_loaded":    h.predictor.Loaded(),
		"model_framework": "go",
		"num_classes":     h.predictor.NumClasses(),
		"input_size":      h.predictor.InputSize(),
	}
	if msg := h.predictor.LoadError(); msg != "" {
		info["model_error"] = msg
	}
	writeJSON(w, http.StatusOK, info)
}

// Analyze accepts a multipart image upload and returns the prediction
// result. The optional include_gradcam form/query flag (default true)
// controls the saliency overlay.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, model.Result{Success: false, Error: "Failed to parse form"})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.Result{Success: false, Error: "No image file provided. Use 'image' as the form field name"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.Result{Success: false, Error: "Failed to read uploaded file"})
		return
	}
	h.logger.Infow("received upload", "filename", header.Filename, "size", header.Size)

	includeGradCAM := true
	if v := r.FormValue("include_gradcam"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			includeGradCAM = parsed
		}
	}

	result := h.predictor.Predict(raw, includeGradCAM)
	status := http.StatusOK
	if !result.Success {
		if !h.predictor.Loaded() {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
