package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/osamashannak/siren-detection-service/internal/config"
)

const yamnetExcerpt = `index,mid,display_name
0,/m/09x0r,Speech
1,/m/03kmc9,Siren
2,/m/07q0yl5,White noise
3,/m/028v0c,Silence
`

// testConfig returns a config whose catalog, ffmpeg and model all succeed
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "yamnet_class_map.csv")
	if err := os.WriteFile(catalogPath, []byte(yamnetExcerpt), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ffmpegPath := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(ffmpegPath, []byte("#!/bin/sh\necho \"ffmpeg version 6.1.1\"\n"), 0755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := config.Default()
	cfg.Catalog.Source = catalogPath
	cfg.Catalog.Timeout = 5
	cfg.Audio.FFmpegPath = ffmpegPath
	cfg.Audio.TempDir = t.TempDir()
	cfg.Model.Backend = "energy"
	cfg.Model.Timeout = 5
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// modelStatusServer answers TF Serving status requests with code and body
func modelStatusServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildPipeline(t *testing.T) {
	t.Run("energy backend", func(t *testing.T) {
		p, err := buildPipeline(context.Background(), testConfig(t), testLogger())
		if err != nil {
			t.Fatalf("buildPipeline failed: %v", err)
		}
		defer p.Close()

		if p.detector == nil || p.model.Name() != "energy" {
			t.Errorf("Expected an energy-backed detector, got model %q", p.model.Name())
		}
		if p.catalog.Len() != 4 {
			t.Errorf("Expected 4 classes, got %d", p.catalog.Len())
		}
	})

	t.Run("tfserving backend", func(t *testing.T) {
		srv := modelStatusServer(t, http.StatusOK, `{"model_version_status":[{"version":"1","state":"AVAILABLE"}]}`)
		cfg := testConfig(t)
		cfg.Model.Backend = "tfserving"
		cfg.Model.Endpoint = srv.URL

		p, err := buildPipeline(context.Background(), cfg, testLogger())
		if err != nil {
			t.Fatalf("buildPipeline failed: %v", err)
		}
		defer p.Close()

		if p.model.Name() != "tfserving" {
			t.Errorf("Expected tfserving model, got %q", p.model.Name())
		}
	})
}

func TestBuildPipelineStartupFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, cfg *config.Config)
		wantErr string
	}{
		{
			name: "missing catalog",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Catalog.Source = filepath.Join(t.TempDir(), "missing.csv")
			},
		},
		{
			name: "ffmpeg cannot run",
			mutate: func(t *testing.T, cfg *config.Config) {
				cfg.Audio.FFmpegPath = filepath.Join(t.TempDir(), "no-such-ffmpeg")
			},
			wantErr: "is not usable",
		},
		{
			name: "model not ready",
			mutate: func(t *testing.T, cfg *config.Config) {
				srv := modelStatusServer(t, http.StatusServiceUnavailable, `{"error":"Servable not found"}`)
				cfg.Model.Backend = "tfserving"
				cfg.Model.Endpoint = srv.URL
			},
			wantErr: "is not ready",
		},
		{
			name: "energy backend without silence class",
			mutate: func(t *testing.T, cfg *config.Config) {
				path := filepath.Join(t.TempDir(), "classes.csv")
				csv := "index,mid,display_name\n0,/m/09x0r,Speech\n1,/m/03kmc9,Siren\n2,/m/07q0yl5,White noise\n"
				if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
					t.Fatalf("WriteFile failed: %v", err)
				}
				cfg.Catalog.Source = path
			},
			wantErr: "energy model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(t, cfg)

			p, err := buildPipeline(context.Background(), cfg, testLogger())
			if err == nil {
				p.Close()
				t.Fatal("Expected startup to fail")
			}
			if p != nil {
				t.Error("Expected no pipeline on failure")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
