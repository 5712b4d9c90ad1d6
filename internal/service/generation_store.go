package service

import (
	"sync"
	"time"

	"github.com/noah-isme/timetable-engine/internal/dto"
	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
	appErrors "github.com/noah-isme/timetable-engine/pkg/errors"
)

// Job states outside the pipeline's own state machine.
const (
	jobStateQueued  = "queued"
	jobStateRunning = "running"
)

type generationJob struct {
	mu          sync.Mutex
	id          string
	state       string
	attempts    int
	submittedAt time.Time
	startedAt   *time.Time
	finishedAt  *time.Time
	request     pipeline.Request
	failure     *appErrors.Error
	lastStage   pipeline.State
	result      *pipeline.Result
}

func (j *generationJob) terminal() bool {
	return pipeline.State(j.state).Terminal()
}

func (j *generationJob) status() dto.JobStatus {
	status := dto.JobStatus{
		JobID:       j.id,
		State:       j.state,
		SubmittedAt: j.submittedAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.failure != nil {
		status.Error = &dto.JobError{
			Code:      j.failure.Code,
			Message:   j.failure.Message,
			LastStage: string(j.lastStage),
		}
	}
	return status
}

func (j *generationJob) finish(state pipeline.State) {
	now := time.Now().UTC()
	j.state = string(state)
	j.finishedAt = &now
}

// jobStore holds jobs in memory. Finished jobs expire ttl after they end.
type jobStore struct {
	ttl   time.Duration
	mu    sync.RWMutex
	items map[string]*generationJob
}

func newJobStore(ttl time.Duration) *jobStore {
	return &jobStore{
		ttl:   ttl,
		items: make(map[string]*generationJob),
	}
}

func (s *jobStore) Save(job *generationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[job.id] = job
}

func (s *jobStore) Get(id string) (*generationJob, bool) {
	s.mu.RLock()
	job, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	job.mu.Lock()
	expired := job.finishedAt != nil && time.Since(*job.finishedAt) > s.ttl
	job.mu.Unlock()
	if expired {
		s.Delete(id)
		return nil, false
	}
	return job, true
}

func (s *jobStore) Delete(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

// Sweep removes every expired job and returns their ids.
func (s *jobStore) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, job := range s.items {
		job.mu.Lock()
		expired := job.finishedAt != nil && now.Sub(*job.finishedAt) > s.ttl
		job.mu.Unlock()
		if expired {
			delete(s.items, id)
			removed = append(removed, id)
		}
	}
	return removed
}
