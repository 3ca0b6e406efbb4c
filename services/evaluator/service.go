// Package evaluator scores response quality with cheap text heuristics
// (completeness, relevance, coherence) and tracks per-model quality
// trends to recommend switching away from a model that keeps producing
// low-quality output.
package evaluator

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
)

// Component weights for the overall quality score.
const (
	completenessWeight = 0.40
	relevanceWeight    = 0.35
	coherenceWeight    = 0.25

	historySize = 10
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "was": true, "are": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "may": true,
	"might": true, "must": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "it": true, "we": true, "they": true,
}

var errorIndicators = []string{
	"i cannot", "i can't", "unable to", "error",
	"sorry", "apologize", "don't have access",
}

// Evaluation breaks a quality score into its components.
type Evaluation struct {
	ModelID      string  `json:"model_id"`
	OverallScore float64 `json:"overall_score"`
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
}

// Service is the response evaluator.
type Service struct {
	qualityThreshold    float64
	consecutiveLowLimit int

	mu      sync.Mutex
	history map[string][]float64 // last N scores per model, oldest first

	logger *zap.Logger
}

// New creates an evaluator. qualityThreshold is the minimum acceptable
// score; consecutiveLowLimit is how many low scores in the recent history
// trigger a switch recommendation.
func New(qualityThreshold float64, consecutiveLowLimit int, logger *zap.Logger) *Service {
	if qualityThreshold <= 0 || qualityThreshold > 1 {
		qualityThreshold = 0.7
	}
	if consecutiveLowLimit <= 0 {
		consecutiveLowLimit = 3
	}
	return &Service{
		qualityThreshold:    qualityThreshold,
		consecutiveLowLimit: consecutiveLowLimit,
		history:             make(map[string][]float64),
		logger:              logger,
	}
}

// EvaluateResponse scores one response and records the score in the
// model's quality history.
func (s *Service) EvaluateResponse(resp *models.ModelResponse, req *models.ModelRequest) Evaluation {
	completeness := Completeness(resp, req)
	relevance := Relevance(resp, req)
	coherence := Coherence(resp)

	overall := completeness*completenessWeight +
		relevance*relevanceWeight +
		coherence*coherenceWeight

	s.record(resp.ModelID, overall)

	if overall < s.qualityThreshold {
		s.logger.Warn("low quality response",
			zap.String("model_id", resp.ModelID),
			zap.Float64("score", overall),
			zap.Float64("threshold", s.qualityThreshold))
	}

	return Evaluation{
		ModelID:      resp.ModelID,
		OverallScore: overall,
		Completeness: completeness,
		Relevance:    relevance,
		Coherence:    coherence,
	}
}

// ShouldSwitchModel recommends leaving a model that produced the
// configured number of low-quality responses within its recent history.
func (s *Service) ShouldSwitchModel(modelID string) bool {
	s.mu.Lock()
	scores := append([]float64(nil), s.history[modelID]...)
	s.mu.Unlock()

	low := 0
	for _, score := range scores {
		if score < s.qualityThreshold {
			low++
		}
	}

	if low >= s.consecutiveLowLimit {
		s.logger.Warn("model switch recommended",
			zap.String("model_id", modelID),
			zap.Int("low_quality_responses", low),
			zap.Int("history_size", len(scores)))
		return true
	}
	return false
}

// QualityHistory returns the model's recent scores, oldest first.
func (s *Service) QualityHistory(modelID string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.history[modelID]...)
}

// ClearHistory drops recorded scores for one model, or for all models
// when modelID is empty.
func (s *Service) ClearHistory(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if modelID == "" {
		s.history = make(map[string][]float64)
		return
	}
	delete(s.history, modelID)
}

func (s *Service) record(modelID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scores := append(s.history[modelID], score)
	if len(scores) > historySize {
		scores = scores[len(scores)-historySize:]
	}
	s.history[modelID] = scores
}

// Completeness checks whether a response looks like a full answer:
// empty or very short responses, refusal phrasing, and trailing
// truncation all pull the score down.
func Completeness(resp *models.ModelResponse, _ *models.ModelRequest) float64 {
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return 0
	}

	score := 1.0
	if len(content) < 50 {
		score *= 0.5
	}

	contentLower := strings.ToLower(content)
	for _, indicator := range errorIndicators {
		if strings.Contains(contentLower, indicator) {
			score *= 0.6
			break
		}
	}

	if strings.HasSuffix(content, "...") || strings.HasSuffix(content, "…") {
		score *= 0.8
	}

	return clamp(score)
}

// Relevance measures overlap between the prompt's key terms and the
// response content.
func Relevance(resp *models.ModelResponse, req *models.ModelRequest) float64 {
	content := strings.ToLower(strings.TrimSpace(resp.Content))
	prompt := strings.ToLower(strings.TrimSpace(req.Prompt))
	if content == "" || prompt == "" {
		return 0
	}

	var keyTerms []string
	for _, word := range strings.Fields(prompt) {
		if len(word) > 3 && !stopWords[word] {
			keyTerms = append(keyTerms, word)
		}
	}
	if len(keyTerms) == 0 {
		return 1.0
	}

	matches := 0
	for _, term := range keyTerms {
		if strings.Contains(content, term) {
			matches++
		}
	}
	score := float64(matches) / float64(len(keyTerms))

	// Substantial responses get a small boost
	if len(content) > 200 {
		score *= 1.1
	}

	return clamp(score)
}

// Coherence checks for basic structure: punctuation, limited word
// repetition, and reasonable sentence lengths.
func Coherence(resp *models.ModelResponse) float64 {
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return 0
	}

	score := 1.0

	if !strings.ContainsAny(content, ".!?") {
		score *= 0.7
	}

	words := strings.Fields(strings.ToLower(content))
	if len(words) > 0 {
		counts := make(map[string]int)
		maxCount := 0
		for _, word := range words {
			if len(word) > 3 {
				counts[word]++
				if counts[word] > maxCount {
					maxCount = counts[word]
				}
			}
		}
		if float64(maxCount) > float64(len(words))*0.2 {
			score *= 0.6
		}
	}

	var sentences []string
	for _, s := range strings.Split(content, ".") {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, strings.TrimSpace(s))
		}
	}
	if len(sentences) > 0 {
		totalWords := 0
		for _, sentence := range sentences {
			totalWords += len(strings.Fields(sentence))
		}
		avg := float64(totalWords) / float64(len(sentences))
		if avg < 3 {
			score *= 0.7
		}
		if avg > 50 {
			score *= 0.8
		}
	}

	// Code blocks and paragraph breaks usually indicate structure
	if strings.Contains(content, "```") || strings.Contains(content, "\n\n") {
		score *= 1.1
	}

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
