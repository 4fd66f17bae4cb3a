package ai

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// DeterministicScorer scores text with a fixed heuristic. Identical input
// always yields an identical result, which makes it the default backend for
// development and tests.
type DeterministicScorer struct{}

// NewDeterministicScorer constructs the heuristic scorer.
func NewDeterministicScorer() *DeterministicScorer {
	return &DeterministicScorer{}
}

// Name identifies the backend on stored assessments.
func (d *DeterministicScorer) Name() string {
	return "deterministic"
}

// Score rates content by length and by how often it mentions each criterion's terms.
func (d *DeterministicScorer) Score(ctx context.Context, input ScoringInput) (ScoringResult, error) {
	if err := ctx.Err(); err != nil {
		return ScoringResult{}, err
	}

	words := strings.Fields(strings.ToLower(input.Content))
	quality := math.Min(1, float64(len(words))/400)

	result := ScoringResult{
		Score:        round(40 + 55*quality),
		RubricScores: make(map[string]float64, len(input.Criteria)),
		Confidence:   round2(0.3 + 0.4*quality),
		Feedback: Feedback{
			Overall:  overallNarrative(len(words)),
			Criteria: make([]CriterionFeedback, 0, len(input.Criteria)),
		},
	}

	vocabulary := make(map[string]struct{}, len(words))
	for _, word := range words {
		vocabulary[strings.Trim(word, ".,;:!?()\"'")] = struct{}{}
	}

	for _, criterion := range input.Criteria {
		coverage := termCoverage(criterion.Name, vocabulary)
		score := round(clamp(40+50*quality+10*coverage, 0, 100))
		result.RubricScores[criterion.Name] = score
		result.Feedback.Criteria = append(result.Feedback.Criteria, CriterionFeedback{
			Name:        criterion.Name,
			Feedback:    fmt.Sprintf("%s scored %.0f based on the depth of the submitted work.", criterion.Name, score),
			Suggestions: criterionSuggestion(coverage),
		})
	}

	return result, nil
}

func termCoverage(name string, vocabulary map[string]struct{}) float64 {
	terms := strings.Fields(strings.ToLower(name))
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range terms {
		if _, ok := vocabulary[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func overallNarrative(wordCount int) string {
	switch {
	case wordCount == 0:
		return "No readable content was found in the submission. Manual review recommended."
	case wordCount < 100:
		return "The submission is brief; expanding the explanation would strengthen it."
	default:
		return "The submission addresses the task with a reasonable level of detail."
	}
}

func criterionSuggestion(coverage float64) string {
	if coverage >= 1 {
		return "Keep the same level of attention to this criterion."
	}
	return "Address this criterion more explicitly in the write-up."
}

func round(value float64) float64 {
	return math.Round(value)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
