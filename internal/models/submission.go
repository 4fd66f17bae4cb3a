package models

import "time"

// Submission represents a file uploaded by a student for an assignment.
type Submission struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AssignmentID uint       `gorm:"not null;index" json:"assignment_id"`
	StudentID    uint       `gorm:"not null;index" json:"student_id"`
	FileName     string     `gorm:"size:255" json:"file_name"`
	FilePath     string     `gorm:"size:512;not null" json:"file_path"`
	FileType     string     `gorm:"size:128" json:"file_type"`
	FileSize     int64      `json:"file_size"`
	Status       string     `gorm:"size:32;not null;index" json:"status"`
	SubmittedAt  time.Time  `gorm:"autoCreateTime" json:"submitted_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Assignment   Assignment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"assignment"`
	Student      Student    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"student"`
}

const (
	// SubmissionStatusSubmitted marks an uploaded submission that is not (or no longer) being assessed.
	SubmissionStatusSubmitted = "SUBMITTED"
	// SubmissionStatusProcessing marks a submission with a pipeline run in progress.
	SubmissionStatusProcessing = "PROCESSING"
	// SubmissionStatusAssessed marks a submission with a stored machine assessment.
	SubmissionStatusAssessed = "ASSESSED"
	// SubmissionStatusGraded marks a submission a teacher has graded.
	SubmissionStatusGraded = "GRADED"
)

// IsGraded reports whether a human grade has been recorded.
func (s Submission) IsGraded() bool {
	return s.Status == SubmissionStatusGraded
}
