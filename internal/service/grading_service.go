package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

// GradingService records human grades on top of machine assessments.
type GradingService interface {
	Grade(ctx context.Context, submissionID uint, payload dto.GradeSubmissionRequest, actor Actor) (dto.AssessmentResponse, error)
}

type gradingService struct {
	submissions repository.SubmissionRepository
	assessments repository.AssessmentRepository
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewGradingService constructs the grading service.
func NewGradingService(submissions repository.SubmissionRepository, assessments repository.AssessmentRepository, validate *validator.Validate, logger zerolog.Logger) GradingService {
	return &gradingService{
		submissions: submissions,
		assessments: assessments,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "grading_service").Logger(),
		now:         time.Now,
	}
}

func (s *gradingService) Grade(ctx context.Context, submissionID uint, payload dto.GradeSubmissionRequest, actor Actor) (dto.AssessmentResponse, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/grading")
	ctx, span := tracer.Start(ctx, "grading.update")
	span.SetAttributes(
		attribute.Int64("grading.submission_id", int64(submissionID)),
		attribute.Int64("grading.actor_id", int64(actor.ID)),
	)
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.AssessmentResponse{}, err
	}

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission_not_found")
			return dto.AssessmentResponse{}, ErrSubmissionNotFound
		}
		span.SetStatus(codes.Error, "submission_lookup_failed")
		return dto.AssessmentResponse{}, fmt.Errorf("load submission: %w", err)
	}

	if err := AuthorizeReview(actor, submission); err != nil {
		span.SetStatus(codes.Error, "forbidden")
		return dto.AssessmentResponse{}, err
	}

	score := *payload.Score
	gradedAt := s.now()
	gradedBy := actor.ID
	assessment := models.Assessment{
		SubmissionID:  submissionID,
		HumanScore:    &score,
		HumanFeedback: strings.TrimSpace(s.sanitizer.Sanitize(payload.Feedback)),
		GradedBy:      &gradedBy,
		HumanGradedAt: &gradedAt,
	}

	if err := s.assessments.SaveHumanGrade(ctx, &assessment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grade_save_failed")
		return dto.AssessmentResponse{}, fmt.Errorf("save grade: %w", err)
	}

	stored, err := s.assessments.GetBySubmission(ctx, submissionID)
	if err != nil {
		span.RecordError(err)
		return dto.AssessmentResponse{}, fmt.Errorf("reload assessment: %w", err)
	}

	s.logger.Info().
		Uint("submission_id", submissionID).
		Uint("graded_by", actor.ID).
		Float64("score", score).
		Msg("submission graded")

	return dto.NewAssessmentResponse(stored), nil
}
