// Command mockmodel serves the TensorFlow Serving REST API for local development.
// Predictions come from the energy model, so a 500-2000 Hz tone scores as the
// first catalog class matching the keyword.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/catalog"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
)

type predictRequest struct {
	Inputs map[string][]float32 `json:"inputs"`
}

type mockModel struct {
	name      string
	inputName string
	outputKey string
	model     *classifier.Energy
	logger    *slog.Logger
}

func (m *mockModel) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/models/{name:[^/:]+}", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/models/{name:[^/:]+}/versions/{version:[0-9]+}", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/models/{name:[^/:]+}:predict", m.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/v1/models/{name:[^/:]+}/versions/{version:[0-9]+}:predict", m.handlePredict).Methods(http.MethodPost)
	return r
}

func (m *mockModel) handleStatus(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["name"] != m.name {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Servable not found for request: Latest(%s)", mux.Vars(r)["name"])})
		return
	}

	version := mux.Vars(r)["version"]
	if version == "" {
		version = "1"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_version_status": []map[string]interface{}{{
			"version": version,
			"state":   "AVAILABLE",
			"status":  map[string]string{"error_code": "OK", "error_message": ""},
		}},
	})
}

func (m *mockModel) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if mux.Vars(r)["name"] != m.name {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Servable not found"})
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "JSON Parse error: " + err.Error()})
		return
	}

	waveform, ok := req.Inputs[m.inputName]
	if !ok || len(waveform) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Missing or empty input %q", m.inputName)})
		return
	}

	scores, err := m.model.Classify(r.Context(), waveform)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	m.logger.Info("Prediction served",
		slog.Int("samples", len(waveform)),
		slog.Int("frames", scores.Frames()),
		slog.Duration("elapsed", time.Since(start)),
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"outputs": map[string]interface{}{m.outputKey: scores},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func main() {
	addr := flag.String("addr", ":8501", "Listen address")
	name := flag.String("model", "yamnet", "Model name")
	classMap := flag.String("class-map", "https://raw.githubusercontent.com/tensorflow/models/master/research/audioset/yamnet/yamnet_class_map.csv", "Class map CSV (URL or path)")
	keyword := flag.String("keyword", "siren", "Keyword of the class scored for tonal frames")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := &catalog.Loader{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
	cat, err := loader.Load(ctx, *classMap)
	if err != nil {
		logger.Error("Failed to load class map", slog.String("error", err.Error()))
		os.Exit(1)
	}

	classes, err := classifier.ResolveEnergyClasses(cat.Names(), *keyword)
	if err != nil {
		logger.Error("Failed to resolve classes", slog.String("error", err.Error()))
		os.Exit(1)
	}

	energy, err := classifier.NewEnergy(classes, audio.TargetSampleRate)
	if err != nil {
		logger.Error("Failed to create model", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := &mockModel{
		name:      *name,
		inputName: "waveform",
		outputKey: "output_0",
		model:     energy,
		logger:    logger,
	}

	srv := &http.Server{Addr: *addr, Handler: m.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Mock model server starting",
		slog.String("address", *addr),
		slog.String("model", *name),
		slog.Int("classes", cat.Len()),
		slog.String("tone_class", cat.Names()[classes.Tone]),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
