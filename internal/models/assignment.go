package models

import (
	"time"

	"gorm.io/datatypes"
)

// Assignment is the teacher-defined task a submission answers. The assessment
// pipeline only reads it.
type Assignment struct {
	ID           uint                                `gorm:"primaryKey" json:"id"`
	TeacherID    uint                                `gorm:"index;not null" json:"teacher_id"`
	Title        string                              `gorm:"size:255;not null" json:"title"`
	Description  string                              `gorm:"type:text" json:"description"`
	DueDate      time.Time                           `gorm:"not null" json:"due_date"`
	RubricConfig datatypes.JSONType[RubricDefinition] `json:"rubric_config"`
	CreatedAt    time.Time                           `json:"created_at"`
	UpdatedAt    time.Time                           `json:"updated_at"`
	Submissions  []Submission
}

// IsPastDue returns true when the assignment deadline has already passed.
func (a Assignment) IsPastDue(reference time.Time) bool {
	return reference.After(a.DueDate)
}

// Rubric returns the rubric definition stored on the assignment.
func (a Assignment) Rubric() RubricDefinition {
	return a.RubricConfig.Data()
}
