package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-engine/internal/dto"
	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
	"github.com/noah-isme/timetable-engine/internal/engine/strategy"
	"github.com/noah-isme/timetable-engine/internal/models"
	appErrors "github.com/noah-isme/timetable-engine/pkg/errors"
	"github.com/noah-isme/timetable-engine/pkg/jobs"
)

const generationJobType = "timetable.generate"

// EntitySource supplies the scheduling records of a request.
type EntitySource interface {
	Load(ctx context.Context, scope models.EntityScope) (*models.Dataset, error)
}

type pipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type resultCache interface {
	Enabled() bool
	Key(parts ...string) string
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type generationMetrics interface {
	ObserveStage(stage string, seconds float64)
	ObserveRun(state string, unscheduled int)
}

// GenerationConfig governs job behaviour.
type GenerationConfig struct {
	DefaultQuality string
	Seed           uint64
	// QTableScope is used when a request names no department.
	QTableScope string
	ResultTTL   time.Duration
	// Profile is the hardware captured at process start.
	Profile strategy.HardwareProfile
	Queue   jobs.QueueConfig
}

// GenerationService runs timetable generation jobs in the background and
// keeps their outcome for ResultTTL.
type GenerationService struct {
	runner    pipelineRunner
	source    EntitySource
	progress  *ProgressTracker
	cache     resultCache
	metrics   generationMetrics
	validator *validator.Validate
	logger    *zap.Logger
	cfg       GenerationConfig
	store     *jobStore
	queue     *jobs.Queue
}

// NewGenerationService wires the job service. source, cache and metrics are optional.
func NewGenerationService(
	runner pipelineRunner,
	source EntitySource,
	progress *ProgressTracker,
	cache resultCache,
	metrics generationMetrics,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg GenerationConfig,
) *GenerationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgressTracker()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = string(strategy.QualityBalanced)
	}
	if cfg.QTableScope == "" {
		cfg.QTableScope = "default"
	}
	if cfg.Queue.Logger == nil {
		cfg.Queue.Logger = logger
	}
	s := &GenerationService{
		runner:    runner,
		source:    source,
		progress:  progress,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		store:     newJobStore(cfg.ResultTTL),
	}
	s.queue = jobs.NewQueue("generation", s.process, cfg.Queue)
	return s
}

// Start launches the workers and the expiry sweep.
func (s *GenerationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	go s.sweep(ctx)
}

// Stop cancels running jobs and waits for the workers.
func (s *GenerationService) Stop() {
	s.queue.Stop()
}

// Submit validates the request, loads its records and queues the run.
func (s *GenerationService) Submit(ctx context.Context, req dto.GenerationRequest) (*dto.SubmitResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generation payload")
	}
	qualityRaw := req.QualityMode
	if qualityRaw == "" {
		qualityRaw = s.cfg.DefaultQuality
	}
	quality, err := strategy.ParseQualityMode(qualityRaw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid quality mode")
	}
	entities, err := s.loadEntities(ctx, req)
	if err != nil {
		return nil, err
	}

	seed := s.cfg.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	job := &generationJob{
		id:          uuid.NewString(),
		state:       jobStateQueued,
		submittedAt: time.Now().UTC(),
	}
	job.request = pipeline.Request{
		JobID:    job.id,
		Entities: entities,
		Profile:  s.cfg.Profile,
		Quality:  quality,
		Scope:    s.scopeFor(req),
		Seed:     seed,
	}
	s.store.Save(job)

	if err := s.queue.TryEnqueue(jobs.Job{ID: job.id, Type: generationJobType}); err != nil {
		s.store.Delete(job.id)
		return nil, appErrors.Wrap(err, appErrors.ErrQueueUnavailable.Code, appErrors.ErrQueueUnavailable.Status, appErrors.ErrQueueUnavailable.Message)
	}
	s.logger.Info("generation job queued",
		zap.String("job_id", job.id),
		zap.Int("courses", len(entities.Courses)),
		zap.Int("sessions", entities.TotalSessions()),
		zap.String("quality", string(quality)),
	)
	return &dto.SubmitResponse{JobID: job.id, State: jobStateQueued}, nil
}

// Status reports the job state with the latest progress event.
func (s *GenerationService) Status(_ context.Context, jobID string) (*dto.JobStatus, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found or expired")
	}
	job.mu.Lock()
	status := job.status()
	job.mu.Unlock()

	if event, ok := s.progress.Latest(jobID); ok {
		status.Progress = &event
		if status.State == jobStateRunning {
			status.State = string(event.Stage)
		}
	}
	return &status, nil
}

// Result returns the finished timetable. Jobs that ended without one report
// the error that stopped them.
func (s *GenerationService) Result(ctx context.Context, jobID string) (*dto.GenerationResult, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return s.cachedResult(ctx, jobID)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	switch {
	case job.result != nil:
		return toGenerationResult(job.id, job.result, *job.finishedAt), nil
	case job.terminal() && job.failure != nil:
		return nil, job.failure
	default:
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "job has not completed")
	}
}

// Cancel stops a queued or running job.
func (s *GenerationService) Cancel(_ context.Context, jobID string) (*dto.JobStatus, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found or expired")
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.terminal() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "job already finished")
	}
	running := s.queue.Cancel(jobID)
	if !running && job.state == jobStateQueued {
		job.failure = appErrors.Clone(appErrors.ErrCancelled, "generation cancelled before start")
		job.finish(pipeline.StateCancelled)
		s.observeRun(pipeline.StateCancelled, 0)
	}
	s.logger.Info("generation job cancel requested", zap.String("job_id", jobID), zap.Bool("running", running))
	status := job.status()
	return &status, nil
}

// AddCourse places one more course into a completed job's timetable without
// moving existing sessions.
func (s *GenerationService) AddCourse(ctx context.Context, jobID string, req dto.AddCourseRequest) (*dto.GenerationResult, error) {
	if err := validateCourse(req.Course); err != nil {
		return nil, err
	}
	return s.withCompleted(ctx, jobID, func(job *generationJob) (*models.Schedule, error) {
		sched := job.result.Schedule
		if _, exists := sched.Entities().Course(req.Course.ID); exists {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("course %s is already scheduled", req.Course.ID))
		}
		updated, err := pipeline.AddCourse(ctx, sched, req.Course)
		if err != nil {
			if ctx.Err() != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrCancelled.Code, appErrors.ErrCancelled.Status, "request cancelled")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "course cannot be added")
		}
		return updated, nil
	})
}

// RemoveCourse drops a course from a completed job's timetable.
func (s *GenerationService) RemoveCourse(ctx context.Context, jobID, courseID string) (*dto.GenerationResult, error) {
	if strings.TrimSpace(courseID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "course id is required")
	}
	return s.withCompleted(ctx, jobID, func(job *generationJob) (*models.Schedule, error) {
		sched := job.result.Schedule
		if _, exists := sched.Entities().Course(courseID); !exists {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("course %s not found in timetable", courseID))
		}
		updated, err := pipeline.RemoveCourse(sched, courseID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "course cannot be removed")
		}
		return updated, nil
	})
}

func (s *GenerationService) withCompleted(ctx context.Context, jobID string, update func(*generationJob) (*models.Schedule, error)) (*dto.GenerationResult, error) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found or expired")
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.result == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "job has no completed timetable")
	}
	sched, err := update(job)
	if err != nil {
		return nil, err
	}

	next := *job.result
	next.Schedule = sched
	next.Quality = pipeline.Measure(sched)
	next.Stats.Courses = len(sched.Entities().Courses)
	next.Stats.Sessions = sched.Entities().TotalSessions()
	job.result = &next

	out := toGenerationResult(job.id, job.result, *job.finishedAt)
	s.mirror(ctx, out)
	return out, nil
}

// process is the queue handler.
func (s *GenerationService) process(ctx context.Context, task jobs.Job) error {
	job, ok := s.store.Get(task.ID)
	if !ok {
		return nil
	}
	job.mu.Lock()
	if job.terminal() {
		job.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	job.state = jobStateRunning
	job.startedAt = &now
	job.attempts++
	req := job.request
	job.mu.Unlock()

	result, err := s.runner.Run(ctx, req)
	if err != nil {
		return s.failJob(job, err, task.Attempt)
	}

	job.mu.Lock()
	job.result = result
	job.failure = nil
	job.finish(pipeline.StateCompleted)
	out := toGenerationResult(job.id, result, *job.finishedAt)
	job.mu.Unlock()

	s.observeStages(result.Stats)
	s.observeRun(pipeline.StateCompleted, result.Quality.UnscheduledCount)
	s.mirror(ctx, out)
	return nil
}

// failJob records the failure. Memory exhaustion is retried by the queue
// while attempts remain; every other failure is final.
func (s *GenerationService) failJob(job *generationJob, err error, attempt int) error {
	appErr := mapPipelineError(err)
	var pe *pipeline.PipelineError
	hasStats := errors.As(err, &pe)

	job.mu.Lock()
	job.failure = appErr
	if hasStats {
		job.lastStage = pe.LastStage
	}
	if pipeline.KindOf(err) == pipeline.KindResourceExhausted && attempt < s.cfg.Queue.MaxRetries {
		job.state = jobStateQueued
		job.mu.Unlock()
		s.logger.Warn("generation job will retry", zap.String("job_id", job.id), zap.Int("attempt", attempt+1), zap.Error(err))
		return err
	}
	terminal := pipeline.StateFailed
	if pipeline.KindOf(err) == pipeline.KindCancelled {
		terminal = pipeline.StateCancelled
	}
	job.finish(terminal)
	job.mu.Unlock()

	if hasStats {
		s.observeStages(pe.Stats)
	}
	s.observeRun(terminal, 0)
	return jobs.Permanent(err)
}

func (s *GenerationService) loadEntities(ctx context.Context, req dto.GenerationRequest) (*models.Entities, error) {
	var dataset *models.Dataset
	if req.Dataset != nil {
		dataset = req.Dataset.Filter(req.DepartmentID, req.BatchIDs)
	} else {
		if s.source == nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "dataset is required when no record store is configured")
		}
		loaded, err := s.source.Load(ctx, models.EntityScope{
			OrganizationID: req.OrganizationID,
			DepartmentID:   req.DepartmentID,
			BatchIDs:       req.BatchIDs,
			Semester:       req.Semester,
			AcademicYear:   req.AcademicYear,
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load scheduling records")
		}
		dataset = loaded
	}
	if len(dataset.Courses) == 0 {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no courses found for the requested scope")
	}

	scoped := *dataset
	switch {
	case req.TimeGrid != nil:
		slots, err := pipeline.BuildGrid(req.TimeGrid.GridConfig())
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid time grid")
		}
		scoped.TimeSlots = slots
	case len(scoped.TimeSlots) == 0:
		slots, err := pipeline.BuildGrid(pipeline.DefaultGridConfig())
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build default time grid")
		}
		scoped.TimeSlots = slots
	}

	entities, err := scoped.Entities()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid scheduling records")
	}
	return entities, nil
}

func (s *GenerationService) scopeFor(req dto.GenerationRequest) string {
	if req.DepartmentID != "" {
		return req.DepartmentID
	}
	return s.cfg.QTableScope
}

func (s *GenerationService) cachedResult(ctx context.Context, jobID string) (*dto.GenerationResult, error) {
	if s.cache == nil || !s.cache.Enabled() {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found or expired")
	}
	var out dto.GenerationResult
	if err := s.cache.Get(ctx, s.cache.Key("result", jobID), &out); err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "job not found or expired")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read cached result")
	}
	return &out, nil
}

func (s *GenerationService) mirror(ctx context.Context, result *dto.GenerationResult) {
	if s.cache == nil || !s.cache.Enabled() {
		return
	}
	if err := s.cache.Set(context.WithoutCancel(ctx), s.cache.Key("result", result.JobID), result, s.cfg.ResultTTL); err != nil {
		s.logger.Warn("failed to cache generation result", zap.String("job_id", result.JobID), zap.Error(err))
	}
}

func (s *GenerationService) sweep(ctx context.Context) {
	interval := s.cfg.ResultTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = s.cfg.ResultTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.store.Sweep(now) {
				s.progress.Forget(id)
			}
		}
	}
}

func (s *GenerationService) observeStages(stats pipeline.Stats) {
	if s.metrics == nil {
		return
	}
	for _, stage := range stats.Stages {
		s.metrics.ObserveStage(string(stage.Stage), stage.ElapsedSeconds)
	}
}

func (s *GenerationService) observeRun(state pipeline.State, unscheduled int) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveRun(string(state), unscheduled)
}

func mapPipelineError(err error) *appErrors.Error {
	switch pipeline.KindOf(err) {
	case pipeline.KindResourceExhausted:
		return appErrors.Wrap(err, appErrors.ErrResourceExhausted.Code, appErrors.ErrResourceExhausted.Status, appErrors.ErrResourceExhausted.Message)
	case pipeline.KindCancelled:
		return appErrors.Wrap(err, appErrors.ErrCancelled.Code, appErrors.ErrCancelled.Status, appErrors.ErrCancelled.Message)
	case pipeline.KindInvariantViolation:
		return appErrors.Wrap(err, appErrors.ErrInvariantViolation.Code, appErrors.ErrInvariantViolation.Status, appErrors.ErrInvariantViolation.Message)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "generation failed")
}

func validateCourse(c models.Course) error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return appErrors.Clone(appErrors.ErrValidation, "course id is required")
	case strings.TrimSpace(c.FacultyID) == "":
		return appErrors.Clone(appErrors.ErrValidation, "course faculty_id is required")
	case c.Sessions <= 0:
		return appErrors.Clone(appErrors.ErrValidation, "course sessions must be greater than zero")
	}
	return nil
}

func toGenerationResult(jobID string, result *pipeline.Result, completedAt time.Time) *dto.GenerationResult {
	sched := result.Schedule
	e := sched.Entities()
	entries := make([]dto.ScheduleEntry, 0, sched.Len())
	for _, key := range sched.Keys() {
		placement, _ := sched.Lookup(key)
		course, _ := e.Course(key.CourseID)
		slot, _ := e.Slot(placement.SlotID)
		entries = append(entries, dto.ScheduleEntry{
			CourseID:      key.CourseID,
			SessionNumber: key.Session + 1,
			FacultyID:     course.FacultyID,
			RoomID:        placement.RoomID,
			TimeSlotID:    placement.SlotID,
			Day:           slot.Day,
			StartTime:     slot.Start,
			EndTime:       slot.End,
			StudentIDs:    e.Students(key.CourseID),
			BatchIDs:      course.BatchIDs,
		})
	}
	unscheduled := lo.Map(sched.Unscheduled(), func(u models.Unscheduled, _ int) dto.UnscheduledSession {
		return dto.UnscheduledSession{CourseID: u.Key.CourseID, SessionNumber: u.Key.Session + 1, Reason: u.Reason}
	})
	return &dto.GenerationResult{
		JobID:       jobID,
		Entries:     entries,
		Unscheduled: unscheduled,
		Statistics:  result.Stats,
		Quality:     result.Quality,
		Strategy:    result.Strategy,
		CompletedAt: completedAt,
	}
}
