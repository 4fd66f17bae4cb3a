package dto

import (
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// StartProcessingRequest identifies the submission to assess.
type StartProcessingRequest struct {
	SubmissionID uint `json:"submission_id" validate:"required,gt=0"`
}

// ProcessingStartResponse is returned once a run has been registered.
type ProcessingStartResponse struct {
	Message      string `json:"message"`
	ProcessingID string `json:"processing_id"`
	Coalesced    bool   `json:"coalesced,omitempty"`
}

// ProcessingSnapshotResponse is the tracker view of the newest run.
type ProcessingSnapshotResponse struct {
	ProcessingID string `json:"processing_id,omitempty"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Error        string `json:"error,omitempty"`
}

// ProcessingStatusResponse combines persisted and ephemeral assessment state.
type ProcessingStatusResponse struct {
	Status     string                     `json:"status"`
	Assessment *AssessmentResponse        `json:"assessment"`
	Processing ProcessingSnapshotResponse `json:"processing"`
}

// AssessmentResponse serializes an assessment row.
type AssessmentResponse struct {
	ID              uint                      `json:"id"`
	SubmissionID    uint                      `json:"submission_id"`
	MachineScore    *float64                  `json:"machine_score"`
	HumanScore      *float64                  `json:"human_score"`
	FinalScore      *float64                  `json:"final_score"`
	Feedback        models.AssessmentFeedback `json:"feedback"`
	RubricScores    map[string]float64        `json:"rubric_scores"`
	Confidence      float64                   `json:"confidence"`
	Provider        string                    `json:"provider"`
	MachineScoredAt *time.Time                `json:"machine_scored_at"`
	HumanFeedback   string                    `json:"human_feedback,omitempty"`
	GradedBy        *uint                     `json:"graded_by"`
	HumanGradedAt   *time.Time                `json:"human_graded_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// GradeSubmissionRequest is the teacher's override of the machine score.
type GradeSubmissionRequest struct {
	Score    *float64 `json:"score" validate:"required,gte=0,lte=100"`
	Feedback string   `json:"feedback" validate:"omitempty,max=5000"`
}

// NewAssessmentResponse converts an Assessment model into a DTO.
func NewAssessmentResponse(model models.Assessment) AssessmentResponse {
	rubricScores := model.RubricScores.Data()
	if rubricScores == nil {
		rubricScores = map[string]float64{}
	}
	feedback := model.Feedback.Data()
	if feedback.Criteria == nil {
		feedback.Criteria = []models.CriterionFeedback{}
	}

	return AssessmentResponse{
		ID:              model.ID,
		SubmissionID:    model.SubmissionID,
		MachineScore:    model.MachineScore,
		HumanScore:      model.HumanScore,
		FinalScore:      model.DeriveFinalScore(),
		Feedback:        feedback,
		RubricScores:    rubricScores,
		Confidence:      model.Confidence,
		Provider:        model.Provider,
		MachineScoredAt: model.MachineScoredAt,
		HumanFeedback:   model.HumanFeedback,
		GradedBy:        model.GradedBy,
		HumanGradedAt:   model.HumanGradedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}
