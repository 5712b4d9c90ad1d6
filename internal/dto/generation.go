package dto

import (
	"time"

	"github.com/noah-isme/timetable-engine/internal/engine/pipeline"
	"github.com/noah-isme/timetable-engine/internal/engine/strategy"
	"github.com/noah-isme/timetable-engine/internal/models"
)

// TimeGridRequest overrides the stored time slots with a generated grid.
type TimeGridRequest struct {
	WorkingDays         []int  `json:"working_days" validate:"required,min=1,max=7,dive,min=1,max=7"`
	SlotsPerDay         int    `json:"slots_per_day" validate:"required,min=1,max=16"`
	SlotDurationMinutes int    `json:"slot_duration_minutes" validate:"required,min=15,max=240"`
	StartTime           string `json:"start_time" validate:"required,datetime=15:04"`
	LunchStart          string `json:"lunch_start" validate:"omitempty,datetime=15:04"`
	LunchEnd            string `json:"lunch_end" validate:"required_with=LunchStart,omitempty,datetime=15:04"`
}

// GridConfig converts the request into the engine's grid description.
func (r TimeGridRequest) GridConfig() pipeline.GridConfig {
	return pipeline.GridConfig{
		WorkingDays:  r.WorkingDays,
		SlotsPerDay:  r.SlotsPerDay,
		SlotDuration: time.Duration(r.SlotDurationMinutes) * time.Minute,
		DayStart:     r.StartTime,
		LunchStart:   r.LunchStart,
		LunchEnd:     r.LunchEnd,
	}
}

// GenerationRequest submits a timetable generation job. Dataset carries the
// records inline instead of loading them from the record store.
type GenerationRequest struct {
	OrganizationID string           `json:"organization_id" validate:"required"`
	DepartmentID   string           `json:"department_id"`
	BatchIDs       []string         `json:"batch_ids" validate:"omitempty,dive,required"`
	Semester       int              `json:"semester" validate:"required,min=1,max=12"`
	AcademicYear   string           `json:"academic_year" validate:"required,max=16"`
	QualityMode    string           `json:"quality_mode" validate:"omitempty,oneof=fast balanced best"`
	Seed           *uint64          `json:"seed,omitempty"`
	TimeGrid       *TimeGridRequest `json:"time_grid,omitempty" validate:"omitempty"`
	Dataset        *models.Dataset  `json:"dataset,omitempty" validate:"omitempty"`
}

// ScheduleEntry is one placed session in the result.
type ScheduleEntry struct {
	CourseID      string   `json:"course_id"`
	SessionNumber int      `json:"session_number"`
	FacultyID     string   `json:"faculty_id"`
	RoomID        string   `json:"room_id"`
	TimeSlotID    string   `json:"time_slot_id"`
	Day           int      `json:"day"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	StudentIDs    []string `json:"student_ids"`
	BatchIDs      []string `json:"batch_ids"`
}

// UnscheduledSession reports a session that could not be placed.
type UnscheduledSession struct {
	CourseID      string `json:"course_id"`
	SessionNumber int    `json:"session_number"`
	Reason        string `json:"reason"`
}

// GenerationResult is the finished timetable.
type GenerationResult struct {
	JobID       string                  `json:"job_id"`
	Entries     []ScheduleEntry         `json:"entries"`
	Unscheduled []UnscheduledSession    `json:"unscheduled"`
	Statistics  pipeline.Stats          `json:"statistics"`
	Quality     pipeline.Quality        `json:"quality"`
	Strategy    strategy.StrategyConfig `json:"strategy"`
	CompletedAt time.Time               `json:"completed_at"`
}

// ProgressEvent is the wire form of a pipeline progress event.
type ProgressEvent = pipeline.ProgressEvent

// JobStatus is returned by the status endpoint.
type JobStatus struct {
	JobID       string         `json:"job_id"`
	State       string         `json:"state"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Progress    *ProgressEvent `json:"progress,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
}

// JobError describes why a job ended without a result.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	LastStage string `json:"last_stage,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// AddCourseRequest extends a completed job's timetable with one course.
type AddCourseRequest struct {
	Course models.Course `json:"course"`
}
