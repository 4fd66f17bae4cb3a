package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/pkg/storage"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrAssignmentNotFound indicates the submission's assignment, and so its rubric, is gone.
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// ProcessingStart is returned as soon as a run has been registered.
type ProcessingStart struct {
	ProcessingID string
	// Coalesced is true when the submission already had a run in flight and
	// the caller was handed that run's handle.
	Coalesced bool
}

// ProcessingSnapshot is the tracker view of the newest run for a submission.
type ProcessingSnapshot struct {
	ProcessingID string
	Phase        ProcessingPhase
	Progress     int
	Error        string
}

// SubmissionAssessmentStatus combines persisted and ephemeral state.
type SubmissionAssessmentStatus struct {
	Submission models.Submission
	Assessment *models.Assessment
	Processing ProcessingSnapshot
}

// AssessmentPipelineService drives submissions from upload to assessment.
type AssessmentPipelineService interface {
	// Launch registers a run for the submission and executes it in the
	// background. It does not touch persistence before returning.
	Launch(ctx context.Context, submissionID uint) (ProcessingStart, error)
	Start(ctx context.Context, submissionID uint, actor Actor) (ProcessingStart, error)
	Reprocess(ctx context.Context, submissionID uint, actor Actor) (ProcessingStart, error)
	Status(ctx context.Context, submissionID uint, actor Actor) (SubmissionAssessmentStatus, error)
	// Wait blocks until every background run has finished or ctx is done.
	Wait(ctx context.Context) error
}

// AssessmentPipelineDeps groups the collaborators of the pipeline.
type AssessmentPipelineDeps struct {
	Submissions repository.SubmissionRepository
	Assessments repository.AssessmentRepository
	Files       storage.FileStore
	Extractor   ContentExtractor
	Scorer      RubricScorer
	Tracker     ProcessingTracker
	Events      AssessmentEventPublisher
}

// AssessmentPipelineConfig bounds background work.
type AssessmentPipelineConfig struct {
	MaxConcurrentRuns int
}

type assessmentPipelineService struct {
	submissions repository.SubmissionRepository
	assessments repository.AssessmentRepository
	files       storage.FileStore
	extractor   ContentExtractor
	scorer      RubricScorer
	tracker     ProcessingTracker
	events      AssessmentEventPublisher

	handles  *HandleMinter
	slots    *semaphore.Weighted
	runs     sync.WaitGroup
	mu       sync.Mutex
	inflight map[uint]string

	tracer trace.Tracer
	logger zerolog.Logger
	now    func() time.Time
}

// NewAssessmentPipelineService wires the orchestrator.
func NewAssessmentPipelineService(deps AssessmentPipelineDeps, cfg AssessmentPipelineConfig, logger zerolog.Logger) AssessmentPipelineService {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}

	return &assessmentPipelineService{
		submissions: deps.Submissions,
		assessments: deps.Assessments,
		files:       deps.Files,
		extractor:   deps.Extractor,
		scorer:      deps.Scorer,
		tracker:     deps.Tracker,
		events:      deps.Events,
		handles:     NewHandleMinter(time.Now),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		inflight:    make(map[uint]string),
		tracer:      otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/assessment_pipeline"),
		logger:      logger.With().Str("component", "assessment_pipeline").Logger(),
		now:         time.Now,
	}
}

func (s *assessmentPipelineService) Start(ctx context.Context, submissionID uint, actor Actor) (ProcessingStart, error) {
	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return ProcessingStart{}, err
	}
	if err := AuthorizeView(actor, submission); err != nil {
		return ProcessingStart{}, err
	}

	return s.Launch(ctx, submissionID)
}

func (s *assessmentPipelineService) Reprocess(ctx context.Context, submissionID uint, actor Actor) (ProcessingStart, error) {
	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return ProcessingStart{}, err
	}
	if err := AuthorizeReview(actor, submission); err != nil {
		return ProcessingStart{}, err
	}

	return s.Launch(ctx, submissionID)
}

func (s *assessmentPipelineService) Launch(ctx context.Context, submissionID uint) (ProcessingStart, error) {
	s.mu.Lock()
	if handle, ok := s.inflight[submissionID]; ok {
		s.mu.Unlock()
		observability.PipelineRuns().WithLabelValues("coalesced").Inc()
		s.logger.Debug().Uint("submission_id", submissionID).Str("processing_id", handle).Msg("run already in flight")
		return ProcessingStart{ProcessingID: handle, Coalesced: true}, nil
	}
	handle := s.handles.Mint(submissionID)
	s.inflight[submissionID] = handle
	s.mu.Unlock()

	if _, err := s.tracker.Begin(ctx, handle); err != nil {
		s.release(submissionID, handle)
		return ProcessingStart{}, fmt.Errorf("register processing run: %w", err)
	}

	s.runs.Add(1)
	go s.run(context.WithoutCancel(ctx), submissionID, handle)

	return ProcessingStart{ProcessingID: handle}, nil
}

func (s *assessmentPipelineService) release(submissionID uint, handle string) {
	s.mu.Lock()
	if s.inflight[submissionID] == handle {
		delete(s.inflight, submissionID)
	}
	s.mu.Unlock()
}

func (s *assessmentPipelineService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pipelineRun carries the per-run state shared between the phases and the
// failure path.
type pipelineRun struct {
	submissionID uint
	handle       string
	loaded       bool
	phase        ProcessingPhase
	phaseStarted time.Time
	logger       zerolog.Logger
	span         trace.Span
}

func (s *assessmentPipelineService) run(ctx context.Context, submissionID uint, handle string) {
	defer s.runs.Done()
	defer s.release(submissionID, handle)

	ctx, span := s.tracer.Start(ctx, "assessment.pipeline.run")
	span.SetAttributes(
		attribute.Int64("assessment.submission_id", int64(submissionID)),
		attribute.String("assessment.processing_id", handle),
	)
	defer span.End()

	runLogger := s.logger.With().
		Uint("submission_id", submissionID).
		Str("processing_id", handle).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Logger()
	run := &pipelineRun{
		submissionID: submissionID,
		handle:       handle,
		phase:        PhaseStarted,
		phaseStarted: s.now(),
		logger:       runLogger,
		span:         span,
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.fail(ctx, run, fmt.Errorf("acquire run slot: %w", err))
		return
	}
	defer s.slots.Release(1)

	observability.PipelineRunsActive().Inc()
	defer observability.PipelineRunsActive().Dec()

	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, run, fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	if err := s.execute(ctx, run); err != nil {
		s.fail(ctx, run, err)
	}
}

func (s *assessmentPipelineService) execute(ctx context.Context, run *pipelineRun) error {
	s.advance(ctx, run, PhaseLoading)
	submission, err := s.loadSubmission(ctx, run.submissionID)
	if err != nil {
		return err
	}
	if submission.Assignment.ID == 0 {
		return ErrAssignmentNotFound
	}
	run.loaded = true

	if err := s.submissions.UpdateStatus(ctx, run.submissionID, models.SubmissionStatusProcessing); err != nil {
		return fmt.Errorf("mark submission processing: %w", err)
	}

	s.advance(ctx, run, PhaseExtracting)
	text := s.extractor.Extract(ctx, StoredFile{Store: s.files, Path: submission.FilePath}, submission.FileType)

	s.advance(ctx, run, PhaseAnalyzing)
	outcome := s.scorer.Score(ctx, text, submission.Assignment.Rubric())
	run.span.SetAttributes(
		attribute.String("assessment.provider", outcome.Provider),
		attribute.Bool("assessment.degraded", outcome.Degraded),
	)

	s.advance(ctx, run, PhaseSaving)
	scoredAt := s.now()
	score := outcome.Score
	assessment := models.Assessment{
		SubmissionID:    run.submissionID,
		MachineScore:    &score,
		Feedback:        datatypes.NewJSONType(outcome.Feedback),
		RubricScores:    datatypes.NewJSONType(outcome.RubricScores),
		Confidence:      outcome.Confidence,
		Provider:        outcome.Provider,
		MachineScoredAt: &scoredAt,
	}
	if err := s.assessments.SaveMachineAssessment(ctx, &assessment); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("save assessment: %w", ErrSubmissionNotFound)
		}
		return fmt.Errorf("save assessment: %w", err)
	}

	s.advance(ctx, run, PhaseCompleted)
	observability.PipelineRuns().WithLabelValues("completed").Inc()
	run.span.SetStatus(codes.Ok, "completed")
	run.logger.Info().
		Float64("score", outcome.Score).
		Float64("confidence", outcome.Confidence).
		Str("scorer", describeOutcome(outcome)).
		Msg("submission assessed")

	s.publish(ctx, run, AssessmentEvent{
		Type:         EventAssessmentCompleted,
		SubmissionID: run.submissionID,
		ProcessingID: run.handle,
		Score:        &score,
		Confidence:   outcome.Confidence,
		Provider:     outcome.Provider,
		Degraded:     outcome.Degraded,
		OccurredAt:   scoredAt,
	})
	return nil
}

// advance moves the tracker to phase and records how long the previous phase took.
// A missing record (evicted, or a shared store hiccup) is logged and the run continues.
func (s *assessmentPipelineService) advance(ctx context.Context, run *pipelineRun, phase ProcessingPhase) {
	now := s.now()
	observability.PipelinePhaseDuration().WithLabelValues(string(run.phase)).Observe(now.Sub(run.phaseStarted).Seconds())
	run.phase = phase
	run.phaseStarted = now

	if err := s.tracker.Advance(ctx, run.handle, phase, phase.Progress()); err != nil {
		run.logger.Warn().Err(err).Str("phase", string(phase)).Msg("failed to record processing phase")
	}
	run.logger.Debug().Str("phase", string(phase)).Msg("pipeline phase")
}

func (s *assessmentPipelineService) fail(ctx context.Context, run *pipelineRun, cause error) {
	observability.PipelineRuns().WithLabelValues("failed").Inc()
	run.span.RecordError(cause)
	run.span.SetStatus(codes.Error, string(run.phase))
	run.logger.Error().Err(cause).Str("phase", string(run.phase)).Msg("assessment run failed")

	if run.loaded {
		if err := s.submissions.UpdateStatus(ctx, run.submissionID, models.SubmissionStatusSubmitted); err != nil {
			run.logger.Error().Err(err).Msg("failed to roll back submission status")
		}
	}

	message := cause.Error()
	if message == "" {
		message = "assessment failed"
	}
	if err := s.tracker.Fail(ctx, run.handle, message); err != nil {
		run.logger.Warn().Err(err).Msg("failed to record processing error")
	}

	s.publish(ctx, run, AssessmentEvent{
		Type:         EventAssessmentFailed,
		SubmissionID: run.submissionID,
		ProcessingID: run.handle,
		Error:        message,
		OccurredAt:   s.now(),
	})
}

func (s *assessmentPipelineService) publish(ctx context.Context, run *pipelineRun, event AssessmentEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		run.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to publish assessment event")
	}
}

func (s *assessmentPipelineService) Status(ctx context.Context, submissionID uint, actor Actor) (SubmissionAssessmentStatus, error) {
	submission, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return SubmissionAssessmentStatus{}, err
	}
	if err := AuthorizeView(actor, submission); err != nil {
		return SubmissionAssessmentStatus{}, err
	}

	status := SubmissionAssessmentStatus{
		Submission: submission,
		Processing: ProcessingSnapshot{Phase: PhaseNotFound},
	}

	assessment, err := s.assessments.GetBySubmission(ctx, submissionID)
	switch {
	case err == nil:
		status.Assessment = &assessment
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return SubmissionAssessmentStatus{}, fmt.Errorf("load assessment: %w", err)
	}

	record, found, err := s.tracker.Lookup(ctx, submissionID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("processing lookup failed")
	}
	if err == nil && found {
		status.Processing = ProcessingSnapshot{
			ProcessingID: record.Handle,
			Phase:        record.Phase,
			Progress:     record.Progress,
			Error:        record.Error,
		}
	}

	return status, nil
}

func (s *assessmentPipelineService) loadSubmission(ctx context.Context, submissionID uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, fmt.Errorf("load submission: %w", err)
	}
	return submission, nil
}
