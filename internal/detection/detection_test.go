package detection

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osamashannak/siren-detection-service/internal/audio"
	"github.com/osamashannak/siren-detection-service/internal/catalog"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
	"github.com/osamashannak/siren-detection-service/internal/upload"
)

func TestArgMax(t *testing.T) {
	nan := float32(math.NaN())

	tests := []struct {
		name   string
		scores []float32
		want   int
	}{
		{"empty", nil, -1},
		{"single", []float32{0.3}, 0},
		{"clear max", []float32{0.1, 0.7, 0.2}, 1},
		{"tie picks lowest index", []float32{0.4, 0.1, 0.4}, 0},
		{"negative scores", []float32{-3, -1, -2}, 1},
		{"nan never wins", []float32{nan, 0.1, nan}, 1},
		{"nan after max", []float32{0.9, nan}, 0},
		{"all nan", []float32{nan, nan}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ArgMax(tt.scores); got != tt.want {
				t.Errorf("ArgMax(%v) = %d, want %d", tt.scores, got, tt.want)
			}
		})
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]string{"Speech", "Music", "Siren", "Civil defense siren", "Silence"}, "test")
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	return c
}

func TestLabels(t *testing.T) {
	c := testCatalog(t)

	labels, err := Labels(classifier.ScoreMatrix{
		{0.9, 0.1, 0, 0, 0},
		{0, 0, 0.2, 0.6, 0.2},
		{0, 0, 0, 0, 1},
	}, c)
	if err != nil {
		t.Fatalf("Labels failed: %v", err)
	}

	want := []string{"Speech", "Civil defense siren", "Silence"}
	if strings.Join(labels, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %v, got %v", want, labels)
	}

	_, err = Labels(classifier.ScoreMatrix{{0.5, 0.5}}, c)
	if err == nil || !strings.Contains(err.Error(), "catalog has 5 classes") {
		t.Errorf("Expected width mismatch error, got %v", err)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   bool
	}{
		{"no labels", nil, false},
		{"no siren", []string{"Speech", "Music"}, false},
		{"exact", []string{"Speech", "Siren"}, true},
		{"substring", []string{"Civil defense siren"}, true},
		{"case-insensitive", []string{"SIRENS"}, true},
		{"near miss", []string{"Sire"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.labels, "siren"); got != tt.want {
				t.Errorf("Decide(%v) = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}

	if ResultText(true) != "Siren detected" || ResultText(false) != "No siren detected" {
		t.Error("Unexpected result text")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    Kind
		status  int
		message string
	}{
		{
			name:    "validation",
			err:     ValidationError(upload.MissingFileMessage),
			kind:    KindValidation,
			status:  http.StatusBadRequest,
			message: "No audio file provided",
		},
		{
			name:    "decode",
			err:     &audio.ProcessingError{Err: errors.New("ffmpeg exploded")},
			kind:    KindDecode,
			status:  http.StatusInternalServerError,
			message: "Error processing audio file: ffmpeg exploded",
		},
		{
			name:    "wrapped decode",
			err:     errors.Join(errors.New("outer"), &audio.ProcessingError{Err: errors.New("bad header")}),
			kind:    KindDecode,
			status:  http.StatusInternalServerError,
			message: "Error processing audio file: bad header",
		},
		{
			name:    "internal",
			err:     errors.New("model unavailable"),
			kind:    KindInternal,
			status:  http.StatusInternalServerError,
			message: "An unexpected error occurred: model unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derr := Classify(tt.err)
			if derr.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, derr.Kind)
			}
			if derr.HTTPStatus() != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, derr.HTTPStatus())
			}
			if derr.PublicMessage() != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, derr.PublicMessage())
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

// fakeNormalizer returns a fixed waveform or error and counts calls
type fakeNormalizer struct {
	err   error
	calls atomic.Int32
}

func (f *fakeNormalizer) Normalize(ctx context.Context, r io.Reader, ext string) (audio.Waveform, audio.NormalizeStats, error) {
	f.calls.Add(1)
	data, _ := io.ReadAll(r)
	if f.err != nil {
		return audio.Waveform{}, audio.NormalizeStats{}, f.err
	}
	return audio.Waveform{Samples: make([]float32, len(data)), SampleRate: audio.TargetSampleRate}, audio.NormalizeStats{UploadBytes: int64(len(data))}, nil
}

// fakeClassifier returns a fixed matrix; block, when set, holds Classify until closed
type fakeClassifier struct {
	scores  classifier.ScoreMatrix
	err     error
	panicOn bool
	block   chan struct{}
	entered chan struct{}
	calls   atomic.Int32

	// honorCtx makes Classify fail once its context is done, like a real backend
	honorCtx bool
}

func (f *fakeClassifier) Classify(ctx context.Context, waveform []float32) (classifier.ScoreMatrix, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.honorCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.panicOn {
		panic("model crashed")
	}
	return f.scores, f.err
}

func (f *fakeClassifier) Ready(ctx context.Context) error { return nil }

func (f *fakeClassifier) Name() string { return "fake" }

// countingRecorder tallies recorder calls
type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
	kinds   map[string]int
	hits    int
	misses  int
	stages  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{results: map[string]int{}, kinds: map[string]int{}, stages: map[string]int{}}
}

func (r *countingRecorder) RecordDetection(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result]++
}

func (r *countingRecorder) RecordDetectionError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind]++
}

func (r *countingRecorder) RecordStage(stage string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *countingRecorder) RecordFrames(int) {}

func (r *countingRecorder) RecordCache(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

var (
	sirenScores = classifier.ScoreMatrix{
		{0.8, 0.1, 0.05, 0.05, 0},
		{0.1, 0.1, 0.7, 0.1, 0},
	}
	quietScores = classifier.ScoreMatrix{
		{0.1, 0.1, 0.05, 0.05, 0.7},
		{0.8, 0.1, 0.05, 0.05, 0},
	}
)

func newTestDetector(t *testing.T, n Normalizer, c classifier.Classifier, cacheSize int, rec Recorder) *Detector {
	t.Helper()
	d, err := NewDetector(n, c, testCatalog(t), Config{Keyword: "siren", CacheSize: cacheSize}, rec, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		scores classifier.ScoreMatrix
		want   string
		match  int
	}{
		{"siren", sirenScores, ResultSirenDetected, 1},
		{"no siren", quietScores, ResultNoSiren, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newCountingRecorder()
			d := newTestDetector(t, &fakeNormalizer{}, &fakeClassifier{scores: tt.scores}, 0, rec)

			res, err := d.Detect(context.Background(), &Upload{Filename: "clip.WAV", Data: []byte("data")})
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if res.Result != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, res.Result)
			}
			if res.Frames != 2 || res.Matched != tt.match {
				t.Errorf("Expected 2 frames / %d matched, got %d / %d", tt.match, res.Frames, res.Matched)
			}
			if rec.results[tt.want] != 1 {
				t.Errorf("Recorder missed result %q", tt.want)
			}
			if rec.stages["classify"] != 1 || rec.stages["transcode"] != 1 {
				t.Errorf("Recorder missed stages: %v", rec.stages)
			}
		})
	}
}

func TestDetectValidation(t *testing.T) {
	norm := &fakeNormalizer{}
	d := newTestDetector(t, norm, &fakeClassifier{scores: sirenScores}, 0, nil)

	tests := []struct {
		name    string
		upload  *Upload
		message string
	}{
		{"missing", nil, upload.MissingFileMessage},
		{"empty filename", &Upload{Filename: "", Data: []byte("x")}, upload.InvalidFormatMessage},
		{"no extension", &Upload{Filename: "wav", Data: []byte("x")}, upload.InvalidFormatMessage},
		{"bad extension", &Upload{Filename: "clip.aac", Data: []byte("x")}, upload.InvalidFormatMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Detect(context.Background(), tt.upload)
			var derr *Error
			if !errors.As(err, &derr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if derr.Kind != KindValidation || derr.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("Expected validation/400, got %s/%d", derr.Kind, derr.HTTPStatus())
			}
			if derr.PublicMessage() != tt.message {
				t.Errorf("Expected %q, got %q", tt.message, derr.PublicMessage())
			}
		})
	}

	if norm.calls.Load() != 0 {
		t.Errorf("Normalizer should not run for rejected uploads, ran %d times", norm.calls.Load())
	}
	if d.GetStats().Errors["validation"] != uint64(len(tests)) {
		t.Errorf("Expected %d validation errors, got %v", len(tests), d.GetStats().Errors)
	}
}

func TestDetectFailureKinds(t *testing.T) {
	tests := []struct {
		name       string
		normalizer *fakeNormalizer
		classifier *fakeClassifier
		kind       Kind
		contains   string
	}{
		{
			name:       "decode failure",
			normalizer: &fakeNormalizer{err: &audio.ProcessingError{Err: errors.New("Invalid data found when processing input")}},
			classifier: &fakeClassifier{scores: sirenScores},
			kind:       KindDecode,
			contains:   "Invalid data found",
		},
		{
			name:       "model failure",
			normalizer: &fakeNormalizer{},
			classifier: &fakeClassifier{err: errors.New("connection refused")},
			kind:       KindInternal,
			contains:   "An unexpected error occurred: classification failed: connection refused",
		},
		{
			name:       "model panic",
			normalizer: &fakeNormalizer{},
			classifier: &fakeClassifier{panicOn: true},
			kind:       KindInternal,
			contains:   "model crashed",
		},
		{
			name:       "width mismatch",
			normalizer: &fakeNormalizer{},
			classifier: &fakeClassifier{scores: classifier.ScoreMatrix{{1, 0}}},
			kind:       KindInternal,
			contains:   "catalog has 5 classes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newCountingRecorder()
			d := newTestDetector(t, tt.normalizer, tt.classifier, 4, rec)

			_, err := d.Detect(context.Background(), &Upload{Filename: "clip.mp3", Data: []byte("abc")})
			var derr *Error
			if !errors.As(err, &derr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if derr.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, derr.Kind)
			}
			if derr.HTTPStatus() != http.StatusInternalServerError {
				t.Errorf("Expected 500, got %d", derr.HTTPStatus())
			}
			if !strings.Contains(derr.PublicMessage(), tt.contains) {
				t.Errorf("Expected message to contain %q, got %q", tt.contains, derr.PublicMessage())
			}
			if rec.kinds[tt.kind.String()] != 1 {
				t.Errorf("Recorder missed error kind %s: %v", tt.kind, rec.kinds)
			}

			// Failures are not cached
			d.Detect(context.Background(), &Upload{Filename: "clip.mp3", Data: []byte("abc")})
			if tt.normalizer.calls.Load() != 2 {
				t.Errorf("Expected failed result to be retried, normalizer ran %d times", tt.normalizer.calls.Load())
			}
		})
	}
}

func TestDetectIdempotentWithCache(t *testing.T) {
	norm := &fakeNormalizer{}
	clf := &fakeClassifier{scores: sirenScores}
	rec := newCountingRecorder()
	d := newTestDetector(t, norm, clf, 8, rec)

	up := &Upload{Filename: "a.flac", Data: []byte("same bytes")}

	first, err := d.Detect(context.Background(), up)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	second, err := d.Detect(context.Background(), &Upload{Filename: "b.flac", Data: []byte("same bytes")})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if first.Result != second.Result || first.Frames != second.Frames {
		t.Errorf("Results differ: %+v vs %+v", first, second)
	}
	if first.Cached || !second.Cached {
		t.Errorf("Expected only the second result to be cached: %v %v", first.Cached, second.Cached)
	}
	if clf.calls.Load() != 1 {
		t.Errorf("Expected 1 classifier call, got %d", clf.calls.Load())
	}
	if rec.hits != 1 || rec.misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d/%d", rec.hits, rec.misses)
	}

	// Same bytes under another extension take a separate entry
	if _, err := d.Detect(context.Background(), &Upload{Filename: "a.ogg", Data: []byte("same bytes")}); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if clf.calls.Load() != 2 {
		t.Errorf("Expected 2 classifier calls, got %d", clf.calls.Load())
	}

	stats := d.GetStats()
	if stats.TotalRequests != 3 || stats.SirenDetected != 3 || stats.CacheHits != 1 || stats.CacheEntries != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestDetectWithoutCache(t *testing.T) {
	clf := &fakeClassifier{scores: quietScores}
	d := newTestDetector(t, &fakeNormalizer{}, clf, 0, nil)

	for i := 0; i < 3; i++ {
		res, err := d.Detect(context.Background(), &Upload{Filename: "a.wav", Data: []byte("x")})
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if res.Result != ResultNoSiren || res.Cached {
			t.Errorf("Unexpected result %+v", res)
		}
	}
	if clf.calls.Load() != 3 {
		t.Errorf("Expected 3 classifier calls, got %d", clf.calls.Load())
	}
}

func TestDetectCollapsesConcurrentUploads(t *testing.T) {
	clf := &fakeClassifier{
		scores:  sirenScores,
		block:   make(chan struct{}),
		entered: make(chan struct{}, 4),
	}
	d := newTestDetector(t, &fakeNormalizer{}, clf, 8, nil)

	const workers = 4
	var wg sync.WaitGroup
	results := make([]*Result, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Detect(context.Background(), &Upload{Filename: "x.wav", Data: []byte("payload")})
		}(i)
	}

	<-clf.entered
	time.Sleep(50 * time.Millisecond)
	close(clf.block)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}
		if results[i].Result != ResultSirenDetected {
			t.Errorf("Worker %d got %q", i, results[i].Result)
		}
	}
	if clf.calls.Load() != 1 {
		t.Errorf("Expected a single classifier call, got %d", clf.calls.Load())
	}
}

func TestDetectSharedRunSurvivesCallerCancel(t *testing.T) {
	clf := &fakeClassifier{
		scores:   sirenScores,
		block:    make(chan struct{}),
		entered:  make(chan struct{}, 2),
		honorCtx: true,
	}
	d := newTestDetector(t, &fakeNormalizer{}, clf, 8, nil)
	up := &Upload{Filename: "x.wav", Data: []byte("payload")}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Detect(firstCtx, up)
		firstErr <- err
	}()
	<-clf.entered

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := d.Detect(context.Background(), up)
		second <- outcome{res, err}
	}()
	// Let the second caller join the in-flight run
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if err == nil {
			t.Error("Expected the cancelled caller to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled caller did not return")
	}

	close(clf.block)
	got := <-second
	if got.err != nil {
		t.Fatalf("Second caller failed: %v", got.err)
	}
	if got.res.Result != ResultSirenDetected {
		t.Errorf("Expected %q, got %q", ResultSirenDetected, got.res.Result)
	}
	if clf.calls.Load() != 1 {
		t.Errorf("Expected a single classifier call, got %d", clf.calls.Load())
	}

	// The finished run is cached for later callers
	res, err := d.Detect(context.Background(), up)
	if err != nil || !res.Cached {
		t.Errorf("Expected a cached result, got %+v, %v", res, err)
	}
}

func TestNewDetectorValidation(t *testing.T) {
	if _, err := NewDetector(nil, &fakeClassifier{}, testCatalog(t), Config{}, nil, nil); err == nil {
		t.Error("Expected error without normalizer")
	}
	if _, err := NewDetector(&fakeNormalizer{}, &fakeClassifier{}, testCatalog(t), Config{CacheSize: -1}, nil, nil); err == nil {
		t.Error("Expected error for negative cache size")
	}

	d, err := NewDetector(&fakeNormalizer{}, &fakeClassifier{}, testCatalog(t), Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	if d.GetStats().Keyword != DefaultKeyword {
		t.Errorf("Expected default keyword, got %q", d.GetStats().Keyword)
	}
}
