package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

// ProcessingPhase is the fine-grained, non-persisted stage of a pipeline run.
type ProcessingPhase string

const (
	PhaseStarted    ProcessingPhase = "started"
	PhaseLoading    ProcessingPhase = "loading"
	PhaseExtracting ProcessingPhase = "extracting"
	PhaseAnalyzing  ProcessingPhase = "analyzing"
	PhaseSaving     ProcessingPhase = "saving"
	PhaseCompleted  ProcessingPhase = "completed"
	PhaseError      ProcessingPhase = "error"
	// PhaseNotFound is reported when no record exists for a submission.
	PhaseNotFound ProcessingPhase = "not_found"
)

var phaseProgress = map[ProcessingPhase]int{
	PhaseStarted:    0,
	PhaseLoading:    10,
	PhaseExtracting: 30,
	PhaseAnalyzing:  60,
	PhaseSaving:     90,
	PhaseCompleted:  100,
}

// Progress returns the percentage associated with the phase.
func (p ProcessingPhase) Progress() int {
	return phaseProgress[p]
}

// Terminal reports whether no further transitions follow the phase.
func (p ProcessingPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseNotFound
}

// ErrInvalidProcessingHandle indicates a handle that does not follow the submissionID-nanos layout.
var ErrInvalidProcessingHandle = errors.New("invalid processing handle")

// ErrProcessingRecordNotFound indicates the record was never registered or has been evicted.
var ErrProcessingRecordNotFound = errors.New("processing record not found")

// ProcessingRecord is the ephemeral progress state of one pipeline run.
type ProcessingRecord struct {
	Handle       string          `json:"handle"`
	SubmissionID uint            `json:"submission_id"`
	Phase        ProcessingPhase `json:"phase"`
	Progress     int             `json:"progress"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ProcessingTracker is the progress side-channel keyed by processing handle.
type ProcessingTracker interface {
	Begin(ctx context.Context, handle string) (ProcessingRecord, error)
	Advance(ctx context.Context, handle string, phase ProcessingPhase, progress int) error
	Fail(ctx context.Context, handle string, message string) error
	// Lookup returns the newest record for the submission. The boolean is
	// false when nothing is tracked, which is not an error.
	Lookup(ctx context.Context, submissionID uint) (ProcessingRecord, bool, error)
	// Evict drops records created before now minus the retention window and
	// returns how many were removed.
	Evict(ctx context.Context, now time.Time) (int, error)
}

// HandleMinter produces processing handles of the form "<submissionID>-<unix nanos>".
// Timestamps are strictly increasing so two handles never collide, even when
// minted within the same clock tick.
type HandleMinter struct {
	last atomic.Int64
	now  func() time.Time
}

// NewHandleMinter builds a minter reading the supplied clock.
func NewHandleMinter(now func() time.Time) *HandleMinter {
	if now == nil {
		now = time.Now
	}
	return &HandleMinter{now: now}
}

// Mint returns a fresh handle for the submission.
func (m *HandleMinter) Mint(submissionID uint) string {
	for {
		candidate := m.now().UnixNano()
		last := m.last.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if m.last.CompareAndSwap(last, candidate) {
			return fmt.Sprintf("%d-%d", submissionID, candidate)
		}
	}
}

// ParseHandle splits a handle into the submission id and its creation time.
func ParseHandle(handle string) (uint, time.Time, error) {
	idx := strings.LastIndexByte(handle, '-')
	if idx <= 0 || idx == len(handle)-1 {
		return 0, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidProcessingHandle, handle)
	}

	submissionID, err := strconv.ParseUint(handle[:idx], 10, strconv.IntSize)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidProcessingHandle, handle)
	}

	nanos, err := strconv.ParseInt(handle[idx+1:], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidProcessingHandle, handle)
	}

	return uint(submissionID), time.Unix(0, nanos), nil
}

func newProcessingRecord(handle string, now time.Time) (ProcessingRecord, error) {
	submissionID, createdAt, err := ParseHandle(handle)
	if err != nil {
		return ProcessingRecord{}, err
	}

	return ProcessingRecord{
		Handle:       handle,
		SubmissionID: submissionID,
		Phase:        PhaseStarted,
		Progress:     PhaseStarted.Progress(),
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}, nil
}

// MemoryProcessingTracker keeps records in a mutex-guarded map local to the process.
type MemoryProcessingTracker struct {
	mu        sync.RWMutex
	records   map[string]ProcessingRecord
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMemoryProcessingTracker constructs an in-process tracker.
func NewMemoryProcessingTracker(retention time.Duration, logger zerolog.Logger) *MemoryProcessingTracker {
	if retention <= 0 {
		retention = time.Hour
	}

	return &MemoryProcessingTracker{
		records:   make(map[string]ProcessingRecord),
		retention: retention,
		logger:    logger.With().Str("component", "processing_tracker").Logger(),
		now:       time.Now,
	}
}

func (t *MemoryProcessingTracker) Begin(_ context.Context, handle string) (ProcessingRecord, error) {
	record, err := newProcessingRecord(handle, t.now())
	if err != nil {
		return ProcessingRecord{}, err
	}

	t.mu.Lock()
	t.records[handle] = record
	size := len(t.records)
	t.mu.Unlock()

	observability.TrackerRecords().Set(float64(size))
	return record, nil
}

func (t *MemoryProcessingTracker) Advance(_ context.Context, handle string, phase ProcessingPhase, progress int) error {
	return t.update(handle, func(record *ProcessingRecord) {
		record.Phase = phase
		record.Progress = progress
		record.Error = ""
	})
}

func (t *MemoryProcessingTracker) Fail(_ context.Context, handle string, message string) error {
	return t.update(handle, func(record *ProcessingRecord) {
		record.Phase = PhaseError
		record.Progress = 0
		record.Error = message
	})
}

func (t *MemoryProcessingTracker) update(handle string, mutate func(*ProcessingRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessingRecordNotFound, handle)
	}

	mutate(&record)
	record.UpdatedAt = t.now()
	t.records[handle] = record
	return nil
}

func (t *MemoryProcessingTracker) Lookup(_ context.Context, submissionID uint) (ProcessingRecord, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		latest ProcessingRecord
		found  bool
	)
	for _, record := range t.records {
		if record.SubmissionID != submissionID {
			continue
		}
		if !found || record.CreatedAt.After(latest.CreatedAt) {
			latest = record
			found = true
		}
	}

	return latest, found, nil
}

func (t *MemoryProcessingTracker) Evict(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	removed := 0
	for handle, record := range t.records {
		if record.CreatedAt.Before(cutoff) {
			delete(t.records, handle)
			removed++
		}
	}
	size := len(t.records)
	t.mu.Unlock()

	observability.TrackerRecords().Set(float64(size))
	return removed, nil
}

// Snapshot returns the tracked records ordered by creation time.
func (t *MemoryProcessingTracker) Snapshot() []ProcessingRecord {
	t.mu.RLock()
	records := make([]ProcessingRecord, 0, len(t.records))
	for _, record := range t.records {
		records = append(records, record)
	}
	t.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

// RunTrackerSweep evicts stale records every interval until ctx is cancelled.
func RunTrackerSweep(ctx context.Context, tracker ProcessingTracker, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sweepLogger := logger.With().Str("component", "processing_tracker_sweep").Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := tracker.Evict(ctx, now)
			if err != nil {
				sweepLogger.Warn().Err(err).Msg("tracker sweep failed")
				continue
			}
			if removed > 0 {
				sweepLogger.Debug().Int("removed", removed).Msg("evicted stale processing records")
			}
		}
	}
}
