package detection

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/catalog"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
	"github.com/osamashannak/siren-detection-service/internal/upload"
)

// Normalizer turns uploaded bytes into a model-ready waveform; *audio.Normalizer implements it
type Normalizer interface {
	Normalize(ctx context.Context, r io.Reader, ext string) (audio.Waveform, audio.NormalizeStats, error)
}

// Recorder receives pipeline measurements; metrics.Metrics implements it
type Recorder interface {
	RecordDetection(result string)
	RecordDetectionError(kind string)
	RecordStage(stage string, durationSeconds float64)
	RecordFrames(frames int)
	RecordCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordDetection(string) {}
func (nopRecorder) RecordDetectionError(string) {}
func (nopRecorder) RecordStage(string, float64) {}
func (nopRecorder) RecordFrames(int) {}
func (nopRecorder) RecordCache(bool) {}

// Upload is a file received under the "audio" form field
type Upload struct {
	Filename string
	Data     []byte
}

// Result is the outcome of one detection
type Result struct {
	Result   string        `json:"result"`
	Detected bool          `json:"detected"`
	Frames   int           `json:"frames"`
	Matched  int           `json:"matched_frames"`
	Duration time.Duration `json:"audio_duration"`
	Cached   bool          `json:"cached"`
}

// Config contains detector settings
type Config struct {
	Keyword   string
	CacheSize int // 0 disables the result cache
}

// Detector runs validate, normalize, classify and reduce for one upload
type Detector struct {
	normalizer Normalizer
	classifier classifier.Classifier
	catalog    *catalog.Catalog
	keyword    string
	recorder   Recorder
	logger     *slog.Logger

	cache *lru.Cache[string, Result]
	group singleflight.Group

	// Statistics
	totalRequests uint64
	sirenResults  uint64
	noSirenResult uint64
	errorsByKind  map[string]uint64
	cacheHits     uint64

	mu sync.RWMutex
}

// Stats represents detector statistics
type Stats struct {
	TotalRequests  uint64            `json:"total_requests"`
	SirenDetected  uint64            `json:"siren_detected"`
	NoSiren        uint64            `json:"no_siren"`
	Errors         map[string]uint64 `json:"errors"`
	CacheHits      uint64            `json:"cache_hits"`
	CacheEntries   int               `json:"cache_entries"`
	Keyword        string            `json:"keyword"`
	CatalogClasses int               `json:"catalog_classes"`
	Model          string            `json:"model"`
}

// NewDetector wires the pipeline stages together
func NewDetector(n Normalizer, c classifier.Classifier, cat *catalog.Catalog, cfg Config, rec Recorder, logger *slog.Logger) (*Detector, error) {
	if n == nil || c == nil || cat == nil {
		return nil, fmt.Errorf("normalizer, classifier and catalog are required")
	}

	if cfg.Keyword == "" {
		cfg.Keyword = DefaultKeyword
	}

	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("cache size cannot be negative, got %d", cfg.CacheSize)
	}

	if rec == nil {
		rec = nopRecorder{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	d := &Detector{
		normalizer:   n,
		classifier:   c,
		catalog:      cat,
		keyword:      cfg.Keyword,
		recorder:     rec,
		logger:       logger,
		errorsByKind: make(map[string]uint64),
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		d.cache = cache
	}

	return d, nil
}

// Detect runs the pipeline. A nil upload means the form field was missing.
// Every failure is returned as an *Error.
func (d *Detector) Detect(ctx context.Context, up *Upload) (*Result, error) {
	d.mu.Lock()
	d.totalRequests++
	d.mu.Unlock()

	res, err := d.detect(ctx, up)
	if err != nil {
		derr := Classify(err)
		d.recordError(derr)
		return nil, derr
	}

	d.mu.Lock()
	if res.Detected {
		d.sirenResults++
	} else {
		d.noSirenResult++
	}
	if res.Cached {
		d.cacheHits++
	}
	d.mu.Unlock()

	d.recorder.RecordDetection(res.Result)
	return res, nil
}

func (d *Detector) detect(ctx context.Context, up *Upload) (*Result, error) {
	if up == nil {
		return nil, ValidationError(upload.MissingFileMessage)
	}

	if !upload.Allowed(up.Filename) {
		return nil, ValidationError(upload.InvalidFormatMessage)
	}

	ext := upload.Extension(up.Filename)
	key := cacheKey(up.Data, ext)

	if d.cache != nil {
		if cached, ok := d.cache.Get(key); ok {
			d.recorder.RecordCache(true)
			cached.Cached = true
			return &cached, nil
		}
		d.recorder.RecordCache(false)
	}

	// The shared run must outlive any single caller that joined it
	runCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		// A run for the same key may have finished since the lookup above
		if d.cache != nil {
			if cached, ok := d.cache.Peek(key); ok {
				return cached, nil
			}
		}
		res, err := d.run(runCtx, up.Data, ext)
		if err != nil {
			return nil, err
		}
		if d.cache != nil {
			d.cache.Add(key, res)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("detection abandoned: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(Result)
		if r.Shared {
			d.logger.Debug("Joined in-flight detection", slog.String("key", key[:12]))
		}
		return &res, nil
	}
}

// run executes the pipeline stages and converts panics into internal errors
func (d *Detector) run(ctx context.Context, data []byte, ext string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detection pipeline panicked", slog.Any("panic", r))
			err = &Error{Kind: KindInternal, Message: fmt.Sprint(r)}
		}
	}()

	wf, stats, err := d.normalizer.Normalize(ctx, bytes.NewReader(data), ext)
	if err != nil {
		return Result{}, err
	}
	d.recorder.RecordStage("transcode", stats.Transcode.Seconds())
	d.recorder.RecordStage("decode", stats.Decode.Seconds())

	start := time.Now()
	scores, err := d.classifier.Classify(ctx, wf.Samples)
	if err != nil {
		return Result{}, fmt.Errorf("classification failed: %w", err)
	}
	d.recorder.RecordStage("classify", time.Since(start).Seconds())
	d.recorder.RecordFrames(scores.Frames())

	labels, err := Labels(scores, d.catalog)
	if err != nil {
		return Result{}, err
	}

	matched := 0
	for _, label := range labels {
		if Decide([]string{label}, d.keyword) {
			matched++
		}
	}

	res = Result{
		Result:   ResultText(matched > 0),
		Detected: matched > 0,
		Frames:   len(labels),
		Matched:  matched,
		Duration: wf.Duration(),
	}

	d.logger.Debug("Detection completed",
		slog.String("result", res.Result),
		slog.Int("frames", res.Frames),
		slog.Int("matched_frames", res.Matched),
		slog.Duration("audio_duration", res.Duration),
		slog.Int("source_rate", stats.SourceRate),
		slog.Int("source_channels", stats.SourceChannels),
	)

	return res, nil
}

func (d *Detector) recordError(err *Error) {
	kind := err.Kind.String()

	d.mu.Lock()
	d.errorsByKind[kind]++
	d.mu.Unlock()

	d.recorder.RecordDetectionError(kind)

	if err.Kind == KindValidation {
		d.logger.Debug("Rejected upload", slog.String("reason", err.Message))
		return
	}
	d.logger.Warn("Detection failed",
		slog.String("kind", kind),
		slog.String("error", err.Message),
	)
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	errs := make(map[string]uint64, len(d.errorsByKind))
	for k, v := range d.errorsByKind {
		errs[k] = v
	}

	entries := 0
	if d.cache != nil {
		entries = d.cache.Len()
	}

	return Stats{
		TotalRequests:  d.totalRequests,
		SirenDetected:  d.sirenResults,
		NoSiren:        d.noSirenResult,
		Errors:         errs,
		CacheHits:      d.cacheHits,
		CacheEntries:   entries,
		Keyword:        d.keyword,
		CatalogClasses: d.catalog.Len(),
		Model:          d.classifier.Name(),
	}
}

func cacheKey(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + "." + ext
}
