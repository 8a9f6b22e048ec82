package main

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osamashannak/siren-detection-service/internal/classifier"
)

func newMock(t *testing.T) *mockModel {
	t.Helper()
	names := []string{"Speech", "Siren", "White noise", "Silence"}
	classes, err := classifier.ResolveEnergyClasses(names, "siren")
	if err != nil {
		t.Fatalf("ResolveEnergyClasses failed: %v", err)
	}
	energy, err := classifier.NewEnergy(classes, 16000)
	if err != nil {
		t.Fatalf("NewEnergy failed: %v", err)
	}
	return &mockModel{
		name:      "yamnet",
		inputName: "waveform",
		outputKey: "output_0",
		model:     energy,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// The service's own client must accept what the mock serves
func TestMockSpeaksTFServing(t *testing.T) {
	server := httptest.NewServer(newMock(t).routes())
	defer server.Close()

	client, err := classifier.NewTFServing(classifier.TFServingConfig{
		Endpoint: server.URL,
		Model:    "yamnet",
		Timeout:  5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewTFServing failed: %v", err)
	}

	if err := client.Ready(context.Background()); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}

	tone := make([]float32, 16000)
	for i := range tone {
		tone[i] = float32(0.5 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}

	scores, err := client.Classify(context.Background(), tone)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if scores.Width() != 4 || scores.Frames() != classifier.FrameCount(len(tone)) {
		t.Errorf("Unexpected shape %dx%d", scores.Frames(), scores.Width())
	}
	if scores[0][1] <= scores[0][2] {
		t.Errorf("Expected the siren class to win for a tone, got %v", scores[0])
	}
}

func TestMockUnknownModel(t *testing.T) {
	server := httptest.NewServer(newMock(t).routes())
	defer server.Close()

	client, err := classifier.NewTFServing(classifier.TFServingConfig{Endpoint: server.URL, Model: "other"}, nil)
	if err != nil {
		t.Fatalf("NewTFServing failed: %v", err)
	}
	if err := client.Ready(context.Background()); err == nil {
		t.Error("Expected unknown model to be reported as not ready")
	}
}
