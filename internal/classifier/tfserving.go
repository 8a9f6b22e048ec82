package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TFServingConfig contains TensorFlow Serving client configuration
type TFServingConfig struct {
	Endpoint      string // e.g. http://localhost:8501
	Model         string // e.g. yamnet
	Version       string // empty means latest
	InputName     string // signature input, "waveform" for YAMNet
	ScoresOutput  string // output holding the [frames, classes] scores
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Backoff       time.Duration // base delay between retries
}

// TFServing calls a model hosted behind the TensorFlow Serving REST API
type TFServing struct {
	config     TFServingConfig
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	observer   Observer

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Stats represents client statistics
type Stats struct {
	Backend         string        `json:"backend"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// predictRequest is the columnar ("inputs") request format
type predictRequest struct {
	Inputs map[string][]float32 `json:"inputs"`
}

type predictResponse struct {
	Outputs json.RawMessage `json:"outputs"`
	Error   string          `json:"error"`
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
		Status  struct {
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		} `json:"status"`
	} `json:"model_version_status"`
}

// statusError is a non-2xx reply from the server
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// NewTFServing creates a new TensorFlow Serving client
func NewTFServing(config TFServingConfig, observer Observer) (*TFServing, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	if config.InputName == "" {
		config.InputName = "waveform"
	}

	if config.ScoresOutput == "" {
		config.ScoresOutput = "output_0"
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}

	if observer == nil {
		observer = nopObserver{}
	}

	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &TFServing{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		observer:   observer,
	}, nil
}

// Name returns the backend name
func (c *TFServing) Name() string {
	return "tfserving"
}

func (c *TFServing) modelURL() string {
	u := c.config.Endpoint + "/v1/models/" + c.config.Model
	if c.config.Version != "" {
		u += "/versions/" + c.config.Version
	}
	return u
}

// Ready checks that at least one model version is AVAILABLE
func (c *TFServing) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read model status: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var status modelStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to parse model status JSON: %w", err)
	}

	for _, v := range status.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}

	if len(status.ModelVersionStatus) > 0 {
		v := status.ModelVersionStatus[0]
		return fmt.Errorf("model %s version %s is %s: %s", c.config.Model, v.Version, v.State, v.Status.ErrorMessage)
	}
	return fmt.Errorf("model %s has no versions", c.config.Model)
}

// Classify sends the waveform for scoring, retrying transient failures
func (c *TFServing) Classify(ctx context.Context, waveform []float32) (ScoreMatrix, error) {
	if len(waveform) == 0 {
		return nil, fmt.Errorf("waveform is empty")
	}

	// Acquire semaphore for concurrency limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	body, err := json.Marshal(predictRequest{Inputs: map[string][]float32{c.config.InputName: waveform}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode predict request: %w", err)
	}

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.observer.RecordModelRetry(c.Name())

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.Backoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				c.observer.RecordModelRequest(c.Name(), "failure", time.Since(startTime).Seconds())
				return nil, ctx.Err()
			}
		}

		scores, err := c.doRequest(ctx, body)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.observer.RecordModelRequest(c.Name(), "success", time.Since(startTime).Seconds())
			return scores, nil
		}

		lastErr = err

		if !isRetryableError(ctx, err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.observer.RecordModelRequest(c.Name(), "failure", time.Since(startTime).Seconds())
	return nil, fmt.Errorf("model inference failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single predict call
func (c *TFServing) doRequest(ctx context.Context, body []byte) (ScoreMatrix, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL()+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Siren-Detection-Service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		var pr predictResponse
		if json.Unmarshal(respBody, &pr) == nil && pr.Error != "" {
			msg = pr.Error
		}
		return nil, &statusError{Code: resp.StatusCode, Body: msg}
	}

	var pr predictResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	scores, err := c.extractScores(pr.Outputs)
	if err != nil {
		return nil, err
	}

	if err := scores.Validate(); err != nil {
		return nil, err
	}

	return scores, nil
}

// extractScores handles both the single-output and the named-outputs reply shapes
func (c *TFServing) extractScores(outputs json.RawMessage) (ScoreMatrix, error) {
	trimmed := bytes.TrimSpace(outputs)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("response has no outputs")
	}

	if trimmed[0] == '{' {
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return nil, fmt.Errorf("failed to parse named outputs: %w", err)
		}
		raw, ok := named[c.config.ScoresOutput]
		if !ok {
			keys := make([]string, 0, len(named))
			for k := range named {
				keys = append(keys, k)
			}
			return nil, fmt.Errorf("response has no %q output (have %s)", c.config.ScoresOutput, strings.Join(keys, ", "))
		}
		trimmed = raw
	}

	var scores ScoreMatrix
	if err := json.Unmarshal(trimmed, &scores); err != nil {
		return nil, fmt.Errorf("failed to parse score matrix: %w", err)
	}
	return scores, nil
}

// isRetryableError reports whether another attempt could succeed
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Statistics methods
func (c *TFServing) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *TFServing) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *TFServing) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *TFServing) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *TFServing) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *TFServing) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return Stats{
		Backend:         c.Name(),
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests and releases idle connections
func (c *TFServing) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
