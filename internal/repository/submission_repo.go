package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// SubmissionRepository defines the submission operations the assessment pipeline relies on.
type SubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	UpdateStatus(ctx context.Context, id uint, status string) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

// GetByID loads the submission together with its assignment so callers get the rubric.
func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Preload("Assignment").
		Preload("Student").
		First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	return updateSubmissionStatus(r.db.WithContext(ctx), id, status)
}

func updateSubmissionStatus(db *gorm.DB, id uint, status string) error {
	result := db.Model(&models.Submission{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
