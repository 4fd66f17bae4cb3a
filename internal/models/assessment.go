package models

import (
	"time"

	"gorm.io/datatypes"
)

// AssessmentFeedback is the structured narrative attached to an assessment.
type AssessmentFeedback struct {
	Overall  string              `json:"overall"`
	Criteria []CriterionFeedback `json:"criteria"`
}

// CriterionFeedback pairs a narrative with a suggestion for one rubric criterion.
type CriterionFeedback struct {
	Name        string `json:"name"`
	Feedback    string `json:"feedback"`
	Suggestions string `json:"suggestions"`
}

// Assessment is the scoring outcome of a submission. One row per submission.
type Assessment struct {
	ID              uint                                  `gorm:"primaryKey" json:"id"`
	SubmissionID    uint                                  `gorm:"uniqueIndex;not null" json:"submission_id"`
	MachineScore    *float64                              `json:"machine_score"`
	HumanScore      *float64                              `json:"human_score"`
	FinalScore      *float64                              `json:"final_score"`
	Feedback        datatypes.JSONType[AssessmentFeedback] `json:"feedback"`
	RubricScores    datatypes.JSONType[map[string]float64] `json:"rubric_scores"`
	Confidence      float64                               `json:"confidence"`
	Provider        string                                `gorm:"size:32" json:"provider"`
	MachineScoredAt *time.Time                            `json:"machine_scored_at"`
	HumanFeedback   string                                `gorm:"type:text" json:"human_feedback"`
	GradedBy        *uint                                 `json:"graded_by"`
	HumanGradedAt   *time.Time                            `json:"human_graded_at"`
	CreatedAt       time.Time                             `json:"created_at"`
	UpdatedAt       time.Time                             `json:"updated_at"`
}

// DeriveFinalScore returns the human score when present, else the machine score.
func (a Assessment) DeriveFinalScore() *float64 {
	if a.HumanScore != nil {
		return a.HumanScore
	}
	return a.MachineScore
}

// HasMachineScore reports whether a machine scoring pass has been stored.
func (a Assessment) HasMachineScore() bool {
	return a.MachineScore != nil && a.MachineScoredAt != nil
}
