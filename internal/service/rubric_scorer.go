package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/pkg/ai"
)

const (
	degradedScore      = 75.0
	degradedConfidence = 0.5
	degradedOverall    = "Assessment completed with basic analysis. Manual review recommended."
)

// ScoreOutcome is the well-formed result handed back to the pipeline.
type ScoreOutcome struct {
	Score        float64
	Feedback     models.AssessmentFeedback
	RubricScores map[string]float64
	Confidence   float64
	Provider     string
	Degraded     bool
}

// RubricScorer scores extracted text against a rubric and never fails.
type RubricScorer interface {
	Score(ctx context.Context, text string, rubric models.RubricDefinition) ScoreOutcome
}

type rubricScorer struct {
	backend ai.Scorer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRubricScorer wraps a scoring backend so that its failures degrade into
// a conservative result.
func NewRubricScorer(backend ai.Scorer, timeout time.Duration, logger zerolog.Logger) RubricScorer {
	return &rubricScorer{
		backend: backend,
		timeout: timeout,
		logger:  logger.With().Str("component", "rubric_scorer").Logger(),
	}
}

func (s *rubricScorer) Score(ctx context.Context, text string, rubric models.RubricDefinition) (outcome ScoreOutcome) {
	if s.backend == nil {
		s.logger.Warn().Msg("no scoring backend configured")
		return s.degraded("none")
	}

	provider := s.backend.Name()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("provider", provider).Msg("scoring backend panicked")
			outcome = s.degraded(provider)
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.backend.Score(ctx, ai.ScoringInput{
		Content:  text,
		Criteria: toScoringCriteria(rubric),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Msg("scoring backend failed, using degraded assessment")
		return s.degraded(provider)
	}

	return ScoreOutcome{
		Score:        clampScore(result.Score, 0, 100),
		Feedback:     toAssessmentFeedback(result.Feedback),
		RubricScores: alignRubricScores(result.RubricScores, rubric, clampScore(result.Score, 0, 100)),
		Confidence:   clampScore(result.Confidence, 0, 1),
		Provider:     provider,
	}
}

func (s *rubricScorer) degraded(provider string) ScoreOutcome {
	observability.Degradations().WithLabelValues("scoring").Inc()
	return ScoreOutcome{
		Score: degradedScore,
		Feedback: models.AssessmentFeedback{
			Overall:  degradedOverall,
			Criteria: []models.CriterionFeedback{},
		},
		RubricScores: map[string]float64{},
		Confidence:   degradedConfidence,
		Provider:     provider,
		Degraded:     true,
	}
}

// alignRubricScores keeps exactly one entry per rubric criterion. Criteria the
// backend skipped take the overall score; names outside the rubric are dropped.
func alignRubricScores(scores map[string]float64, rubric models.RubricDefinition, fallback float64) map[string]float64 {
	aligned := make(map[string]float64, len(rubric.Criteria))
	for _, name := range rubric.CriterionNames() {
		value, ok := scores[name]
		if !ok {
			value = fallback
		}
		aligned[name] = clampScore(value, 0, 100)
	}
	return aligned
}

func toScoringCriteria(rubric models.RubricDefinition) []ai.Criterion {
	criteria := make([]ai.Criterion, 0, len(rubric.Criteria))
	for _, criterion := range rubric.Criteria {
		levels := make([]ai.Level, 0, len(criterion.Levels))
		for _, level := range criterion.Levels {
			levels = append(levels, ai.Level{
				Name:        level.Name,
				Description: level.Description,
				Points:      level.Points,
			})
		}
		criteria = append(criteria, ai.Criterion{
			Name:   criterion.Name,
			Weight: criterion.Weight,
			Levels: levels,
		})
	}
	return criteria
}

func toAssessmentFeedback(feedback ai.Feedback) models.AssessmentFeedback {
	criteria := make([]models.CriterionFeedback, 0, len(feedback.Criteria))
	for _, item := range feedback.Criteria {
		criteria = append(criteria, models.CriterionFeedback{
			Name:        item.Name,
			Feedback:    item.Feedback,
			Suggestions: item.Suggestions,
		})
	}
	return models.AssessmentFeedback{
		Overall:  feedback.Overall,
		Criteria: criteria,
	}
}

func clampScore(value, lower, upper float64) float64 {
	if math.IsNaN(value) {
		return lower
	}
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}

func describeOutcome(outcome ScoreOutcome) string {
	if outcome.Degraded {
		return fmt.Sprintf("degraded(%s)", outcome.Provider)
	}
	return outcome.Provider
}
