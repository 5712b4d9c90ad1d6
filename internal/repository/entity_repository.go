package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/noah-isme/timetable-engine/internal/models"
)

type courseRow struct {
	ID               string         `db:"id"`
	Code             string         `db:"code"`
	DepartmentID     string         `db:"department_id"`
	FacultyID        string         `db:"faculty_id"`
	Sessions         int            `db:"sessions_per_week"`
	Credits          float64        `db:"credits"`
	SubjectType      string         `db:"subject_type"`
	RequiredFeatures pq.StringArray `db:"required_features"`
}

type facultyRow struct {
	ID                string         `db:"id"`
	DepartmentID      string         `db:"department_id"`
	MaxWeeklySessions int            `db:"max_weekly_sessions"`
	AvailableSlots    pq.StringArray `db:"available_slots"`
	Preferences       types.JSONText `db:"preferences"`
}

type roomRow struct {
	ID           string         `db:"id"`
	Capacity     int            `db:"capacity"`
	Features     pq.StringArray `db:"features"`
	DepartmentID string         `db:"department_id"`
}

type slotRow struct {
	ID        string `db:"id"`
	Day       int    `db:"day"`
	Period    int    `db:"period"`
	StartTime string `db:"start_time"`
	EndTime   string `db:"end_time"`
}

type memberRow struct {
	OwnerID  string `db:"owner_id"`
	MemberID string `db:"member_id"`
}

type batchRow struct {
	ID           string `db:"id"`
	DepartmentID string `db:"department_id"`
}

// EntityRepository reads the scheduling records of a request from PostgreSQL.
type EntityRepository struct {
	db *sqlx.DB
}

// NewEntityRepository constructs the repository.
func NewEntityRepository(db *sqlx.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Load returns the courses of the scope together with the faculty, rooms,
// slots and batches they reference.
func (r *EntityRepository) Load(ctx context.Context, scope models.EntityScope) (*models.Dataset, error) {
	courses, err := r.courses(ctx, scope)
	if err != nil {
		return nil, err
	}
	courseIDs := lo.Map(courses, func(c models.Course, _ int) string { return c.ID })
	facultyIDs := lo.Uniq(lo.Map(courses, func(c models.Course, _ int) string { return c.FacultyID }))

	students, err := r.members(ctx, `SELECT course_id AS owner_id, student_id AS member_id FROM course_students WHERE course_id = ANY($1) ORDER BY course_id, student_id`, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("load course students: %w", err)
	}
	batchLinks, err := r.members(ctx, `SELECT course_id AS owner_id, batch_id AS member_id FROM course_batches WHERE course_id = ANY($1) ORDER BY course_id, batch_id`, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("load course batches: %w", err)
	}
	for i := range courses {
		courses[i].StudentIDs = students[courses[i].ID]
		courses[i].BatchIDs = batchLinks[courses[i].ID]
	}

	faculty, err := r.faculty(ctx, facultyIDs)
	if err != nil {
		return nil, err
	}
	batchIDs := lo.Uniq(lo.Flatten(lo.Values(batchLinks)))
	batches, err := r.batches(ctx, batchIDs)
	if err != nil {
		return nil, err
	}
	rooms, err := r.rooms(ctx, scope.OrganizationID)
	if err != nil {
		return nil, err
	}
	slots, err := r.slots(ctx, scope.OrganizationID)
	if err != nil {
		return nil, err
	}
	return &models.Dataset{Courses: courses, Faculty: faculty, Rooms: rooms, TimeSlots: slots, Batches: batches}, nil
}

func (r *EntityRepository) courses(ctx context.Context, scope models.EntityScope) ([]models.Course, error) {
	const query = `SELECT id, code, department_id, faculty_id, sessions_per_week, credits, subject_type, required_features
		FROM courses
		WHERE organization_id = $1 AND semester = $2 AND academic_year = $3
		  AND ($4 = '' OR department_id = $4)
		  AND (cardinality($5::text[]) = 0 OR id IN (SELECT course_id FROM course_batches WHERE batch_id = ANY($5)))
		ORDER BY id`
	var rows []courseRow
	if err := r.db.SelectContext(ctx, &rows, query, scope.OrganizationID, scope.Semester, scope.AcademicYear, scope.DepartmentID, pq.Array(scope.BatchIDs)); err != nil {
		return nil, fmt.Errorf("load courses: %w", err)
	}
	return lo.Map(rows, func(row courseRow, _ int) models.Course {
		return models.Course{
			ID:               row.ID,
			Code:             row.Code,
			Department:       row.DepartmentID,
			FacultyID:        row.FacultyID,
			Sessions:         row.Sessions,
			Credits:          row.Credits,
			SubjectType:      models.SubjectType(row.SubjectType),
			RequiredFeatures: []string(row.RequiredFeatures),
		}
	}), nil
}

func (r *EntityRepository) members(ctx context.Context, query string, ownerIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(ownerIDs) == 0 {
		return out, nil
	}
	var rows []memberRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ownerIDs)); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.OwnerID] = append(out[row.OwnerID], row.MemberID)
	}
	return out, nil
}

func (r *EntityRepository) faculty(ctx context.Context, ids []string) ([]models.Faculty, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT id, department_id, max_weekly_sessions, available_slots, preferences FROM faculty WHERE id = ANY($1) ORDER BY id`
	var rows []facultyRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load faculty: %w", err)
	}
	out := make([]models.Faculty, 0, len(rows))
	for _, row := range rows {
		f := models.Faculty{
			ID:                row.ID,
			Department:        row.DepartmentID,
			MaxWeeklySessions: row.MaxWeeklySessions,
			AvailableSlots:    []string(row.AvailableSlots),
		}
		if len(row.Preferences) > 0 {
			if err := json.Unmarshal(row.Preferences, &f.Preferences); err != nil {
				return nil, fmt.Errorf("decode preferences of faculty %s: %w", row.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *EntityRepository) batches(ctx context.Context, ids []string) ([]models.Batch, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, department_id FROM batches WHERE id = ANY($1) ORDER BY id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}
	students, err := r.members(ctx, `SELECT batch_id AS owner_id, student_id AS member_id FROM batch_students WHERE batch_id = ANY($1) ORDER BY batch_id, student_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load batch students: %w", err)
	}
	return lo.Map(rows, func(row batchRow, _ int) models.Batch {
		return models.Batch{ID: row.ID, Department: row.DepartmentID, StudentIDs: students[row.ID]}
	}), nil
}

func (r *EntityRepository) rooms(ctx context.Context, organizationID string) ([]models.Room, error) {
	var rows []roomRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, capacity, features, department_id FROM rooms WHERE organization_id = $1 ORDER BY id`, organizationID); err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	return lo.Map(rows, func(row roomRow, _ int) models.Room {
		return models.Room{ID: row.ID, Capacity: row.Capacity, Features: []string(row.Features), Department: row.DepartmentID}
	}), nil
}

func (r *EntityRepository) slots(ctx context.Context, organizationID string) ([]models.TimeSlot, error) {
	var rows []slotRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, day, period, start_time, end_time FROM time_slots WHERE organization_id = $1 ORDER BY day, period`, organizationID); err != nil {
		return nil, fmt.Errorf("load time slots: %w", err)
	}
	return lo.Map(rows, func(row slotRow, _ int) models.TimeSlot {
		return models.TimeSlot{ID: row.ID, Day: row.Day, Period: row.Period, Start: row.StartTime, End: row.EndTime}
	}), nil
}
