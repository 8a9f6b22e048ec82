package detection

import (
	"fmt"
	"math"
	"strings"

	"github.com/osamashannak/siren-detection-service/internal/catalog"
	"github.com/osamashannak/siren-detection-service/internal/classifier"
)

// Result labels returned to the caller
const (
	ResultSirenDetected = "Siren detected"
	ResultNoSiren       = "No siren detected"
)

// DefaultKeyword is matched against frame labels
const DefaultKeyword = "siren"

// ArgMax returns the index of the largest score, the lowest index on ties.
// NaN never wins over a number; an all-NaN vector yields 0 and an empty one -1.
func ArgMax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}

	best := -1
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > scores[best] {
			best = i
		}
	}

	if best < 0 {
		return 0
	}
	return best
}

// Labels maps every frame to the name of its top-scoring class
func Labels(m classifier.ScoreMatrix, c *catalog.Catalog) ([]string, error) {
	labels := make([]string, 0, len(m))
	for i, row := range m {
		if len(row) != c.Len() {
			return nil, fmt.Errorf("frame %d has %d scores but the catalog has %d classes", i, len(row), c.Len())
		}

		name, err := c.Name(ArgMax(row))
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		labels = append(labels, name)
	}
	return labels, nil
}

// Decide reports whether any label contains keyword, ignoring case
func Decide(labels []string, keyword string) bool {
	keyword = strings.ToLower(keyword)
	for _, label := range labels {
		if strings.Contains(strings.ToLower(label), keyword) {
			return true
		}
	}
	return false
}

// ResultText returns the caller-facing label for a decision
func ResultText(detected bool) string {
	if detected {
		return ResultSirenDetected
	}
	return ResultNoSiren
}
