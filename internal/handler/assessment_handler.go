package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

const (
	defaultStreamInterval = time.Second
	startRateLimit        = 20
	startRateWindow       = time.Minute
)

// AssessmentHandler exposes the assessment pipeline over HTTP.
type AssessmentHandler struct {
	pipeline       service.AssessmentPipelineService
	validator      *validator.Validate
	logger         zerolog.Logger
	streamInterval time.Duration
}

// NewAssessmentHandler constructs the handler.
func NewAssessmentHandler(pipeline service.AssessmentPipelineService, validate *validator.Validate, logger zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		pipeline:       pipeline,
		validator:      validate,
		logger:         logger.With().Str("component", "assessment_handler").Logger(),
		streamInterval: defaultStreamInterval,
	}
}

// Register attaches assessment endpoints to the router group.
func (h *AssessmentHandler) Register(router fiber.Router) {
	router.Post("/assess",
		middleware.RateLimit("ai_assess", startRateLimit, startRateWindow),
		middleware.WithAuth(h.assess, middleware.AuthOptions{RequireUser: true}),
	)
	router.Post("/reprocess",
		middleware.RateLimit("ai_reprocess", startRateLimit, startRateWindow),
		middleware.WithAuth(h.reprocess, middleware.AuthOptions{Role: middleware.AuthRoleReviewer}),
	)
	router.Get("/status/:submissionId", middleware.WithAuth(h.status, middleware.AuthOptions{RequireUser: true}))

	router.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/stream/:submissionId", websocket.New(h.stream))
}

func (h *AssessmentHandler) assess(c *fiber.Ctx) error {
	payload, err := h.parseStartRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	started, err := h.pipeline.Start(requestContext(c), payload.SubmissionID, actorFromContext(c))
	if err != nil {
		return h.sendServiceError(c, err, payload.SubmissionID, "failed to start assessment")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "AI assessment started", dto.ProcessingStartResponse{
		Message:      "AI assessment started",
		ProcessingID: started.ProcessingID,
		Coalesced:    started.Coalesced,
	})
}

func (h *AssessmentHandler) reprocess(c *fiber.Ctx) error {
	payload, err := h.parseStartRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	started, err := h.pipeline.Reprocess(requestContext(c), payload.SubmissionID, actorFromContext(c))
	if err != nil {
		return h.sendServiceError(c, err, payload.SubmissionID, "failed to start reprocessing")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "AI reprocessing started", dto.ProcessingStartResponse{
		Message:      "AI reprocessing started",
		ProcessingID: started.ProcessingID,
		Coalesced:    started.Coalesced,
	})
}

func (h *AssessmentHandler) status(c *fiber.Ctx) error {
	submissionID, err := parseUintParam(c, "submissionId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission id")
	}

	status, err := h.pipeline.Status(requestContext(c), submissionID, actorFromContext(c))
	if err != nil {
		return h.sendServiceError(c, err, submissionID, "failed to load assessment status")
	}

	return utils.SendSuccess(c, "assessment status", newProcessingStatusResponse(status))
}

// stream pushes the status object until the newest run reaches a terminal phase.
func (h *AssessmentHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	submissionID, err := parseIdentifier(conn.Params("submissionId"))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid submission id"))
		return
	}

	actor := service.Actor{
		ID:   userIDFromLocal(conn.Locals("user_id")),
		Role: userRoleFromLocal(conn.Locals("user_role")),
	}
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := h.logger.With().Uint("submission_id", submissionID).Logger()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		status, err := h.pipeline.Status(ctx, submissionID, actor)
		if err != nil {
			code, message := statusForError(err)
			if code == fiber.StatusInternalServerError {
				logger.Error().Err(err).Msg("status stream lookup failed")
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
			return
		}

		response := newProcessingStatusResponse(status)
		if err := conn.WriteJSON(response); err != nil {
			logger.Debug().Err(err).Msg("status stream closed by client")
			return
		}
		if status.Processing.Phase.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Processing.Phase)))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *AssessmentHandler) parseStartRequest(c *fiber.Ctx) (dto.StartProcessingRequest, error) {
	var payload dto.StartProcessingRequest
	if err := c.BodyParser(&payload); err != nil {
		return payload, errors.New("invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return payload, errors.New("submission id is required")
	}
	return payload, nil
}

func (h *AssessmentHandler) sendServiceError(c *fiber.Ctx, err error, submissionID uint, fallback string) error {
	code, message := statusForError(err)
	if code == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", submissionID).Msg(fallback)
		message = fallback
	}
	return utils.SendError(c, code, message)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return fiber.StatusNotFound, "submission not found"
	case errors.Is(err, service.ErrForbidden):
		return fiber.StatusForbidden, "access denied"
	case isValidationError(err):
		return fiber.StatusBadRequest, err.Error()
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

func newProcessingStatusResponse(status service.SubmissionAssessmentStatus) dto.ProcessingStatusResponse {
	response := dto.ProcessingStatusResponse{
		Status: status.Submission.Status,
		Processing: dto.ProcessingSnapshotResponse{
			ProcessingID: status.Processing.ProcessingID,
			Status:       string(status.Processing.Phase),
			Progress:     status.Processing.Progress,
			Error:        status.Processing.Error,
		},
	}
	if status.Assessment != nil {
		assessment := dto.NewAssessmentResponse(*status.Assessment)
		response.Assessment = &assessment
	}
	return response
}
