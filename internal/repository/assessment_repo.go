package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AssessmentRepository persists assessments with upsert-by-submission semantics.
type AssessmentRepository interface {
	GetBySubmission(ctx context.Context, submissionID uint) (models.Assessment, error)
	SaveMachineAssessment(ctx context.Context, assessment *models.Assessment) error
	SaveHumanGrade(ctx context.Context, assessment *models.Assessment) error
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository instantiates a GORM-backed repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

var machineColumns = []string{
	"machine_score",
	"feedback",
	"rubric_scores",
	"confidence",
	"provider",
	"machine_scored_at",
	"updated_at",
}

var humanColumns = []string{
	"human_score",
	"human_feedback",
	"graded_by",
	"human_graded_at",
	"final_score",
	"updated_at",
}

func (r *assessmentRepository) GetBySubmission(ctx context.Context, submissionID uint) (models.Assessment, error) {
	var assessment models.Assessment
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&assessment).Error; err != nil {
		return models.Assessment{}, err
	}

	return assessment, nil
}

// SaveMachineAssessment upserts the machine-scored columns and marks the
// submission ASSESSED in the same transaction. Human columns on an existing
// row are left untouched, and a present human score keeps precedence in
// final_score.
func (r *assessmentRepository) SaveMachineAssessment(ctx context.Context, assessment *models.Assessment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assessment.FinalScore = assessment.DeriveFinalScore()

		updates := clause.AssignmentColumns(machineColumns)
		updates = append(updates, clause.Assignment{
			Column: clause.Column{Name: "final_score"},
			Value:  gorm.Expr("COALESCE(assessments.human_score, excluded.machine_score)"),
		})

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}},
			DoUpdates: updates,
		}).Create(assessment).Error; err != nil {
			return err
		}

		return updateSubmissionStatus(tx, assessment.SubmissionID, models.SubmissionStatusAssessed)
	})
}

// SaveHumanGrade upserts the human-graded columns and marks the submission GRADED.
func (r *assessmentRepository) SaveHumanGrade(ctx context.Context, assessment *models.Assessment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assessment.FinalScore = assessment.DeriveFinalScore()

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}},
			DoUpdates: clause.AssignmentColumns(humanColumns),
		}).Create(assessment).Error; err != nil {
			return err
		}

		return updateSubmissionStatus(tx, assessment.SubmissionID, models.SubmissionStatusGraded)
	})
}
