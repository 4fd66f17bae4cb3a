package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
)

type stubPipeline struct {
	mu        sync.Mutex
	started   []uint
	actors    []service.Actor
	startErr  error
	status    service.SubmissionAssessmentStatus
	statusErr error
}

func (s *stubPipeline) Launch(_ context.Context, submissionID uint) (service.ProcessingStart, error) {
	return service.ProcessingStart{ProcessingID: strconv.FormatUint(uint64(submissionID), 10) + "-1"}, nil
}

func (s *stubPipeline) Start(ctx context.Context, submissionID uint, actor service.Actor) (service.ProcessingStart, error) {
	s.mu.Lock()
	s.started = append(s.started, submissionID)
	s.actors = append(s.actors, actor)
	s.mu.Unlock()
	if s.startErr != nil {
		return service.ProcessingStart{}, s.startErr
	}
	return s.Launch(ctx, submissionID)
}

func (s *stubPipeline) Reprocess(ctx context.Context, submissionID uint, actor service.Actor) (service.ProcessingStart, error) {
	return s.Start(ctx, submissionID, actor)
}

func (s *stubPipeline) Status(_ context.Context, _ uint, _ service.Actor) (service.SubmissionAssessmentStatus, error) {
	return s.status, s.statusErr
}

func (s *stubPipeline) Wait(context.Context) error { return nil }

type stubGrading struct {
	payload dto.GradeSubmissionRequest
	err     error
}

func (s *stubGrading) Grade(_ context.Context, submissionID uint, payload dto.GradeSubmissionRequest, _ service.Actor) (dto.AssessmentResponse, error) {
	s.payload = payload
	if s.err != nil {
		return dto.AssessmentResponse{}, s.err
	}
	return dto.AssessmentResponse{SubmissionID: submissionID, HumanScore: payload.Score, FinalScore: payload.Score}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func setupAssessmentApp(t *testing.T, pipeline *stubPipeline, grading *stubGrading) *fiber.App {
	t.Helper()

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		AssessmentHandler: handler.NewAssessmentHandler(pipeline, validate, logger),
		GradingHandler:    handler.NewGradingHandler(grading, logger),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", uint(7))
			role := c.Get("X-Test-Role")
			if role == "" {
				role = "student"
			}
			c.Locals("user_role", role)
			return c.Next()
		},
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, role string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Test-Role", role)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestAssessEndpointAcceptsSubmission(t *testing.T) {
	pipeline := &stubPipeline{}
	app := setupAssessmentApp(t, pipeline, &stubGrading{})

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/ai/assess", "", map[string]uint{"submission_id": 42})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.True(t, payload.Success)

	var started dto.ProcessingStartResponse
	require.NoError(t, json.Unmarshal(payload.Data, &started))
	require.Equal(t, "42-1", started.ProcessingID)
	require.Equal(t, "AI assessment started", started.Message)

	require.Equal(t, []uint{42}, pipeline.started)
	require.Equal(t, service.Actor{ID: 7, Role: "student"}, pipeline.actors[0])
}

func TestAssessEndpointRejectsMissingSubmission(t *testing.T) {
	app := setupAssessmentApp(t, &stubPipeline{}, &stubGrading{})

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/ai/assess", "", map[string]string{})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.False(t, payload.Success)
	require.Equal(t, "submission id is required", payload.Message)
}

func TestAssessEndpointMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "missing", err: service.ErrSubmissionNotFound, status: fiber.StatusNotFound},
		{name: "forbidden", err: service.ErrForbidden, status: fiber.StatusForbidden},
		{name: "unexpected", err: io.ErrUnexpectedEOF, status: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := setupAssessmentApp(t, &stubPipeline{startErr: tc.err}, &stubGrading{})
			resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/ai/assess", "", map[string]uint{"submission_id": 3})
			require.Equal(t, tc.status, resp.StatusCode)
			require.False(t, payload.Success)
		})
	}
}

func TestReprocessEndpointRequiresReviewer(t *testing.T) {
	pipeline := &stubPipeline{}
	app := setupAssessmentApp(t, pipeline, &stubGrading{})

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/ai/reprocess", "student", map[string]uint{"submission_id": 9})
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Empty(t, pipeline.started)

	resp, payload := doJSON(t, app, http.MethodPost, "/api/v1/ai/reprocess", "teacher", map[string]uint{"submission_id": 9})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.Equal(t, "AI reprocessing started", payload.Message)
	require.Equal(t, []uint{9}, pipeline.started)
}

func TestStatusEndpointReturnsCombinedView(t *testing.T) {
	machine := 82.0
	assessment := models.Assessment{
		SubmissionID: 5,
		MachineScore: &machine,
		FinalScore:   &machine,
		RubricScores: datatypes.NewJSONType(map[string]float64{"Logic Flow": 80}),
		Confidence:   0.9,
		Provider:     "deterministic",
	}
	pipeline := &stubPipeline{status: service.SubmissionAssessmentStatus{
		Submission: models.Submission{ID: 5, Status: models.SubmissionStatusAssessed},
		Assessment: &assessment,
		Processing: service.ProcessingSnapshot{ProcessingID: "5-100", Phase: service.PhaseCompleted, Progress: 100},
	}}
	app := setupAssessmentApp(t, pipeline, &stubGrading{})

	resp, payload := doJSON(t, app, http.MethodGet, "/api/v1/ai/status/5", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var status dto.ProcessingStatusResponse
	require.NoError(t, json.Unmarshal(payload.Data, &status))
	require.Equal(t, models.SubmissionStatusAssessed, status.Status)
	require.Equal(t, "completed", status.Processing.Status)
	require.Equal(t, 100, status.Processing.Progress)
	require.NotNil(t, status.Assessment)
	require.Equal(t, 82.0, *status.Assessment.FinalScore)
	require.Equal(t, 80.0, status.Assessment.RubricScores["Logic Flow"])
}

func TestStatusEndpointWithoutRun(t *testing.T) {
	pipeline := &stubPipeline{status: service.SubmissionAssessmentStatus{
		Submission: models.Submission{ID: 6, Status: models.SubmissionStatusSubmitted},
		Processing: service.ProcessingSnapshot{Phase: service.PhaseNotFound},
	}}
	app := setupAssessmentApp(t, pipeline, &stubGrading{})

	resp, payload := doJSON(t, app, http.MethodGet, "/api/v1/ai/status/6", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload.Data, &raw))
	require.JSONEq(t, "null", string(raw["assessment"]))

	var status dto.ProcessingStatusResponse
	require.NoError(t, json.Unmarshal(payload.Data, &status))
	require.Equal(t, "not_found", status.Processing.Status)
	require.Zero(t, status.Processing.Progress)
}

func TestStatusEndpointRejectsInvalidIdentifier(t *testing.T) {
	app := setupAssessmentApp(t, &stubPipeline{}, &stubGrading{})

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/ai/status/abc", "", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/ai/status/0", "", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGradeEndpoint(t *testing.T) {
	grading := &stubGrading{}
	app := setupAssessmentApp(t, &stubPipeline{}, grading)

	resp, _ := doJSON(t, app, http.MethodPut, "/api/v1/submissions/4/grade", "student", map[string]interface{}{"score": 90})
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, payload := doJSON(t, app, http.MethodPut, "/api/v1/submissions/4/grade", "teacher", map[string]interface{}{"score": 90, "feedback": "Solid work"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "Solid work", grading.payload.Feedback)

	var graded dto.AssessmentResponse
	require.NoError(t, json.Unmarshal(payload.Data, &graded))
	require.Equal(t, uint(4), graded.SubmissionID)
	require.Equal(t, 90.0, *graded.FinalScore)
}

func TestGradeEndpointMapsForbidden(t *testing.T) {
	app := setupAssessmentApp(t, &stubPipeline{}, &stubGrading{err: service.ErrForbidden})

	resp, payload := doJSON(t, app, http.MethodPut, "/api/v1/submissions/4/grade", "teacher", map[string]interface{}{"score": 90})
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Equal(t, "access denied", payload.Message)
}
