package tutor

import (
	"strings"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// bloomFullConfidence is the keyword count at which a detection is certain.
const bloomFullConfidence = 3

// BloomDetection is the cognitive level read from a learner question, and
// the level one step above it to scaffold towards.
type BloomDetection struct {
	Level      int      `json:"level"`
	Name       string   `json:"name"`
	Next       int      `json:"next"`
	Scaffold   bool     `json:"scaffold"`
	Confidence float64  `json:"confidence"`
	Matched    []string `json:"matched,omitempty"`
}

// BloomClassifier scores a question against the lexicon's Bloom levels.
type BloomClassifier struct {
	levels []lexicon.BloomLevel
}

// NewBloomClassifier returns a classifier over the levels in lx.
func NewBloomClassifier(lx *lexicon.Lexicon) *BloomClassifier {
	return &BloomClassifier{levels: lx.Bloom}
}

// Detect returns the level with the most keyword hits in text. Ties go to the
// lower level; text with no hits is read as the lowest level.
func (c *BloomClassifier) Detect(text string) BloomDetection {
	if len(c.levels) == 0 {
		return BloomDetection{}
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return c.detection(0, 0, nil)
	}

	best, bestHits := 0, []string(nil)
	for i, l := range c.levels {
		var hits []string
		for _, kw := range l.Keywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > len(bestHits) {
			best, bestHits = i, hits
		}
	}
	if len(bestHits) == 0 {
		return c.detection(0, 0.3, nil)
	}
	return c.detection(best, min(float64(len(bestHits))/bloomFullConfidence, 1), bestHits)
}

func (c *BloomClassifier) detection(i int, confidence float64, hits []string) BloomDetection {
	next := c.levels[min(i+1, len(c.levels)-1)]
	return BloomDetection{
		Level:      c.levels[i].ID,
		Name:       c.levels[i].Name,
		Next:       next.ID,
		Scaffold:   i < len(c.levels)-1,
		Confidence: confidence,
		Matched:    hits,
	}
}
