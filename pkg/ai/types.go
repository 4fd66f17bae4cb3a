package ai

import "context"

// Criterion describes one rubric dimension handed to a scoring backend.
type Criterion struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Levels []Level `json:"levels"`
}

// Level is one point-valued step of a criterion.
type Level struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Points      float64 `json:"points"`
}

// ScoringInput contains the artefacts needed to score a submission against a rubric.
type ScoringInput struct {
	Content  string
	Criteria []Criterion
}

// CriterionFeedback is the narrative for a single criterion.
type CriterionFeedback struct {
	Name        string `json:"name"`
	Feedback    string `json:"feedback"`
	Suggestions string `json:"suggestions"`
}

// Feedback is the structured narrative returned by a scoring backend.
type Feedback struct {
	Overall  string              `json:"overall"`
	Criteria []CriterionFeedback `json:"criteria"`
}

// ScoringResult is the structured outcome returned by a scoring backend.
// Score is on a 0-100 scale and Confidence on 0-1.
type ScoringResult struct {
	Score        float64                `json:"score"`
	Feedback     Feedback               `json:"feedback"`
	RubricScores map[string]float64     `json:"rubricScores"`
	Confidence   float64                `json:"confidence"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// Scorer describes a backend capable of scoring extracted text against a rubric.
type Scorer interface {
	Score(ctx context.Context, input ScoringInput) (ScoringResult, error)
	Name() string
}

func clamp(value, lower, upper float64) float64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
