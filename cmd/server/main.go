package main

import (
	"log"
	"net/http"

	"go.uber.org/zap"

	"github.com/sparsha-ai/skin-api/internal/config"
	"github.com/sparsha-ai/skin-api/internal/handlers"
	"github.com/sparsha-ai/skin-api/internal/model"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	predictor := model.NewPredictor(model.PredictorConfig{
		ModelDir: cfg.ModelDir,
		TopK:     cfg.TopK,
		GradCAM:  cfg.GradCAMEnabled,
	}, logger)

	// Warm the model up front so the first request does not pay for
	// loading. A failed load leaves the predictor in an unloaded state
	// reported by /api/health rather than killing the process.
	predictor.Load()
	if !predictor.Loaded() {
		logger.Warnw("starting without a loaded model", "error", predictor.LoadError())
	}

	handler := handlers.NewHandler(predictor, logger)

	http.HandleFunc("/api/health", enableCORS(handler.Health))
	http.HandleFunc("/api/analyze", enableCORS(handler.Analyze))

	logger.Infow("server starting",
		"port", cfg.Port,
		"model_dir", cfg.ModelDir,
		"model_loaded", predictor.Loaded(),
		"classes", predictor.NumClasses(),
	)
	if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil {
		logger.Fatalw("server failed", "error", err)
	}
}
