package handler

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/service"
)

// sequencePipeline answers Status with the queued snapshots, repeating the last one.
type sequencePipeline struct {
	mu     sync.Mutex
	phases []service.ProcessingPhase
	err    error
	calls  int
	actors []service.Actor
}

func (p *sequencePipeline) Launch(context.Context, uint) (service.ProcessingStart, error) {
	return service.ProcessingStart{}, nil
}

func (p *sequencePipeline) Start(context.Context, uint, service.Actor) (service.ProcessingStart, error) {
	return service.ProcessingStart{}, nil
}

func (p *sequencePipeline) Reprocess(context.Context, uint, service.Actor) (service.ProcessingStart, error) {
	return service.ProcessingStart{}, nil
}

func (p *sequencePipeline) Status(_ context.Context, submissionID uint, actor service.Actor) (service.SubmissionAssessmentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actors = append(p.actors, actor)
	if p.err != nil {
		return service.SubmissionAssessmentStatus{}, p.err
	}

	index := p.calls
	if index >= len(p.phases) {
		index = len(p.phases) - 1
	}
	p.calls++

	phase := p.phases[index]
	return service.SubmissionAssessmentStatus{
		Submission: models.Submission{ID: submissionID, Status: models.SubmissionStatusProcessing},
		Processing: service.ProcessingSnapshot{
			ProcessingID: fmt.Sprintf("%d-1", submissionID),
			Phase:        phase,
			Progress:     phase.Progress(),
		},
	}, nil
}

func (p *sequencePipeline) Wait(context.Context) error { return nil }

func startStreamServer(t *testing.T, pipeline service.AssessmentPipelineService) (*fiber.App, string) {
	t.Helper()

	h := NewAssessmentHandler(pipeline, validator.New(), zerolog.Nop())
	h.streamInterval = 10 * time.Millisecond

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	ai := app.Group("/api/v1/ai", func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(3))
		c.Locals("user_role", "student")
		return c.Next()
	})
	h.Register(ai)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return app, "ws://" + ln.Addr().String()
}

func dialStream(t *testing.T, base string, submissionID uint) *fastws.Conn {
	t.Helper()
	conn, _, err := fastws.DefaultDialer.Dial(fmt.Sprintf("%s/api/v1/ai/stream/%d", base, submissionID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestStreamPushesUntilTerminalPhase(t *testing.T) {
	pipeline := &sequencePipeline{phases: []service.ProcessingPhase{service.PhaseAnalyzing, service.PhaseCompleted}}
	_, base := startStreamServer(t, pipeline)
	conn := dialStream(t, base, 5)

	var first dto.ProcessingStatusResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "analyzing", first.Processing.Status)
	require.Equal(t, 60, first.Processing.Progress)
	require.Equal(t, "5-1", first.Processing.ProcessingID)

	var second dto.ProcessingStatusResponse
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, "completed", second.Processing.Status)
	require.Equal(t, 100, second.Processing.Progress)

	_, _, err := conn.ReadMessage()
	require.True(t, fastws.IsCloseError(err, fastws.CloseNormalClosure), "unexpected error: %v", err)

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	require.Equal(t, service.Actor{ID: 3, Role: "student"}, pipeline.actors[0])
}

func TestStreamClosesOnNotFoundPhase(t *testing.T) {
	_, base := startStreamServer(t, &sequencePipeline{phases: []service.ProcessingPhase{service.PhaseNotFound}})
	conn := dialStream(t, base, 8)

	var frame dto.ProcessingStatusResponse
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "not_found", frame.Processing.Status)

	_, _, err := conn.ReadMessage()
	require.True(t, fastws.IsCloseError(err, fastws.CloseNormalClosure), "unexpected error: %v", err)
}

func TestStreamRejectsForbiddenViewer(t *testing.T) {
	_, base := startStreamServer(t, &sequencePipeline{err: service.ErrForbidden})
	conn := dialStream(t, base, 5)

	_, _, err := conn.ReadMessage()
	var closeErr *fastws.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, fastws.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "access denied", closeErr.Text)
}

func TestStreamRequiresUpgrade(t *testing.T) {
	app, _ := startStreamServer(t, &sequencePipeline{phases: []service.ProcessingPhase{service.PhaseCompleted}})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/ai/stream/5", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
