package pipeline

import (
	"context"
	"fmt"

	"github.com/noah-isme/timetable-engine/internal/engine/solver"
	"github.com/noah-isme/timetable-engine/internal/models"
)

// AddCourse places a new course into a finished schedule. Existing
// placements never move; sessions that find no free candidate are reported
// unscheduled. The input schedule is not modified.
func AddCourse(ctx context.Context, sched *models.Schedule, course models.Course) (*models.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := sched.Entities()
	if _, exists := e.Course(course.ID); exists {
		return nil, fmt.Errorf("add course: %s already scheduled", course.ID)
	}
	extended, err := e.WithCourse(course)
	if err != nil {
		return nil, fmt.Errorf("add course: %w", err)
	}
	out, err := sched.Rebind(extended)
	if err != nil {
		return nil, fmt.Errorf("add course: %w", err)
	}

	domains := models.BuildValidDomain(extended)
	keys := make([]models.SessionKey, 0, course.Sessions)
	for i := 0; i < course.Sessions; i++ {
		keys = append(keys, models.SessionKey{CourseID: course.ID, Session: i})
	}
	solver.Greedy(out, domains, keys)
	if err := Validate(out); err != nil {
		return nil, fmt.Errorf("add course: %w", err)
	}
	return out, nil
}

// RemoveCourse drops a course and its sessions, leaving every other
// placement where it was.
func RemoveCourse(sched *models.Schedule, courseID string) (*models.Schedule, error) {
	e := sched.Entities()
	if _, exists := e.Course(courseID); !exists {
		return nil, fmt.Errorf("remove course: %s not found", courseID)
	}
	reduced, err := e.WithoutCourse(courseID)
	if err != nil {
		return nil, fmt.Errorf("remove course: %w", err)
	}
	out, err := sched.Rebind(reduced)
	if err != nil {
		return nil, fmt.Errorf("remove course: %w", err)
	}
	return out, nil
}
