package solver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-engine/internal/models"
)

func gridSlots(days, periods int) []models.TimeSlot {
	var slots []models.TimeSlot
	for d := 0; d < days; d++ {
		for p := 0; p < periods; p++ {
			slots = append(slots, models.TimeSlot{ID: fmt.Sprintf("d%dp%d", d, p), Day: d, Period: p})
		}
	}
	return slots
}

func assertHardConstraints(t *testing.T, sched *models.Schedule) {
	t.Helper()
	e := sched.Entities()
	type owner struct{ who, slot string }
	faculty := map[owner]models.SessionKey{}
	rooms := map[owner]models.SessionKey{}
	students := map[owner]models.SessionKey{}
	for _, key := range sched.Keys() {
		p, _ := sched.Lookup(key)
		course, _ := e.Course(key.CourseID)
		room, _ := e.Room(p.RoomID)

		assert.GreaterOrEqual(t, room.Capacity, e.Enrollment(course.ID), "capacity for %s", key)
		assert.Subset(t, room.Features, course.RequiredFeatures, "features for %s", key)

		if other, dup := faculty[owner{course.FacultyID, p.SlotID}]; dup {
			t.Errorf("faculty clash between %s and %s", key, other)
		}
		faculty[owner{course.FacultyID, p.SlotID}] = key
		if other, dup := rooms[owner{p.RoomID, p.SlotID}]; dup {
			t.Errorf("room clash between %s and %s", key, other)
		}
		rooms[owner{p.RoomID, p.SlotID}] = key
		for _, s := range e.Students(course.ID) {
			if other, dup := students[owner{s, p.SlotID}]; dup {
				t.Errorf("student %s clash between %s and %s", s, key, other)
			}
			students[owner{s, p.SlotID}] = key
		}
	}
}

func TestThreeCourseScenarioIsFullyScheduledByExactSolver(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "c1", FacultyID: "f1", StudentIDs: []string{"a1", "a2"}, Sessions: 2},
			{ID: "c2", FacultyID: "f1", StudentIDs: []string{"b1", "b2"}, Sessions: 2},
			{ID: "c3", FacultyID: "f2", StudentIDs: []string{"c1", "c2", "c3"}, Sessions: 3},
		},
		[]models.Faculty{{ID: "f1"}, {ID: "f2"}},
		[]models.Room{{ID: "r1", Capacity: 30}, {ID: "r2", Capacity: 40}},
		gridSlots(2, 5),
		nil,
	)
	require.NoError(t, err)
	domains := BuildDomains(e)

	cluster := models.Cluster{ID: 0, CourseIDs: []string{"c1", "c2", "c3"}}
	partial := SolveCluster(context.Background(), cluster, e, domains, Options{Exact: true, Timeout: time.Second, NodeBudget: 10_000})

	assert.Equal(t, MethodExact, partial.Method)
	assert.Empty(t, partial.Fallback)
	assert.Equal(t, 7, partial.Schedule.Len())
	assert.Empty(t, partial.Schedule.Unscheduled())
	assert.Empty(t, partial.Schedule.Missing())
	assertHardConstraints(t, partial.Schedule)
}

func TestSingleFacultyLimitedSlotsRespectsAvailability(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "c1", FacultyID: "f1", Sessions: 3},
			{ID: "c2", FacultyID: "f1", Sessions: 3},
		},
		[]models.Faculty{{ID: "f1", AvailableSlots: []string{"d0p0", "d0p1", "d1p0"}}},
		[]models.Room{{ID: "r1", Capacity: 30}, {ID: "r2", Capacity: 30}},
		gridSlots(2, 5),
		nil,
	)
	require.NoError(t, err)
	domains := BuildDomains(e)

	partial := SolveCluster(context.Background(), models.Cluster{CourseIDs: []string{"c1", "c2"}}, e, domains, Options{Exact: true, Timeout: time.Second})

	assert.Equal(t, MethodGreedy, partial.Method)
	assert.Equal(t, FallbackInfeasible, partial.Fallback)
	assert.Equal(t, 3, partial.Schedule.Len())
	assert.Equal(t, 3, partial.Schedule.FacultyLoad("f1"))
	unscheduled := partial.Schedule.Unscheduled()
	require.Len(t, unscheduled, 3)
	for _, u := range unscheduled {
		assert.Equal(t, "c2", u.Key.CourseID)
		assert.Equal(t, string(models.ConflictFaculty), u.Reason)
	}
	assertHardConstraints(t, partial.Schedule)
}

func TestWeeklyCapIsRespected(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "c1", FacultyID: "f1", Sessions: 3},
			{ID: "c2", FacultyID: "f1", Sessions: 3},
		},
		[]models.Faculty{{ID: "f1", MaxWeeklySessions: 3}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(2, 5),
		nil,
	)
	require.NoError(t, err)

	partial := SolveCluster(context.Background(), models.Cluster{CourseIDs: []string{"c1", "c2"}}, e, BuildDomains(e), Options{Exact: true})
	assert.Equal(t, 3, partial.Schedule.FacultyLoad("f1"))
	require.Len(t, partial.Schedule.Unscheduled(), 3)
	assert.Equal(t, string(models.ConflictFacultyCap), partial.Schedule.Unscheduled()[0].Reason)
}

func TestGreedySpreadsSessionsAcrossDays(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{{ID: "c1", FacultyID: "f1", Sessions: 3}},
		[]models.Faculty{{ID: "f1"}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(3, 4),
		nil,
	)
	require.NoError(t, err)
	sched := models.NewSchedule(e)

	placed := Greedy(sched, BuildDomains(e), []models.SessionKey{{CourseID: "c1", Session: 0}, {CourseID: "c1", Session: 1}, {CourseID: "c1", Session: 2}})
	require.Equal(t, 3, placed)

	days := map[int]bool{}
	for _, key := range sched.Keys() {
		p, _ := sched.Lookup(key)
		slot, _ := e.Slot(p.SlotID)
		days[slot.Day] = true
	}
	assert.Len(t, days, 3)
}

func TestOrderByDifficultyPlacesConstrainedCoursesFirst(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "easy", FacultyID: "f1", Sessions: 1},
			{ID: "big", FacultyID: "f1", Sessions: 1, StudentIDs: []string{"s1", "s2", "s3"}},
			{ID: "lab", FacultyID: "f2", Sessions: 1, RequiredFeatures: []string{"lab"}},
		},
		[]models.Faculty{{ID: "f1"}, {ID: "f2"}},
		[]models.Room{{ID: "r1", Capacity: 30}, {ID: "r2", Capacity: 30, Features: []string{"lab"}}},
		gridSlots(1, 2),
		nil,
	)
	require.NoError(t, err)

	keys := OrderByDifficulty(e, BuildDomains(e), []models.SessionKey{{CourseID: "easy"}, {CourseID: "big"}, {CourseID: "lab"}})
	assert.Equal(t, []string{"lab", "big", "easy"}, []string{keys[0].CourseID, keys[1].CourseID, keys[2].CourseID})
}

func TestNodeBudgetFallsBackToGreedy(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{{ID: "c1", FacultyID: "f1", Sessions: 2}},
		[]models.Faculty{{ID: "f1"}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(1, 4),
		nil,
	)
	require.NoError(t, err)

	partial := SolveCluster(context.Background(), models.Cluster{CourseIDs: []string{"c1"}}, e, BuildDomains(e), Options{Exact: true, NodeBudget: 1})
	assert.Equal(t, MethodGreedy, partial.Method)
	assert.Equal(t, FallbackBudget, partial.Fallback)
	assert.Equal(t, 2, partial.Schedule.Len())
}

func TestSolveAllAndMergeResolveCrossClusterCollisions(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "a", FacultyID: "f1", Sessions: 1},
			{ID: "b", FacultyID: "f2", Sessions: 1},
		},
		[]models.Faculty{{ID: "f1"}, {ID: "f2"}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(1, 2),
		nil,
	)
	require.NoError(t, err)
	domains := BuildDomains(e)
	clusters := []models.Cluster{{ID: 0, CourseIDs: []string{"a"}}, {ID: 1, CourseIDs: []string{"b"}}}

	partials, err := SolveAll(context.Background(), clusters, e, domains, 2, Options{Exact: true, Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, partials, 2)

	merged, stats := Merge(e, domains, partials)
	assert.Equal(t, 1, stats.Committed)
	assert.Equal(t, 1, stats.Collisions)
	assert.Equal(t, 1, stats.Replaced)
	assert.Zero(t, stats.Unscheduled)
	assert.Equal(t, 2, merged.Len())
	assertHardConstraints(t, merged)
}

func TestMergeReportsSessionsThatCannotBeReplaced(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{
			{ID: "a", FacultyID: "f1", Sessions: 1},
			{ID: "b", FacultyID: "f2", Sessions: 1},
		},
		[]models.Faculty{{ID: "f1"}, {ID: "f2"}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(1, 1),
		nil,
	)
	require.NoError(t, err)
	domains := BuildDomains(e)
	clusters := []models.Cluster{{ID: 0, CourseIDs: []string{"a"}}, {ID: 1, CourseIDs: []string{"b"}}}

	partials, err := SolveAll(context.Background(), clusters, e, domains, 1, Options{Exact: true})
	require.NoError(t, err)

	merged, stats := Merge(e, domains, partials)
	assert.Equal(t, 1, merged.Len())
	assert.Equal(t, 1, stats.Unscheduled)
	require.Len(t, merged.Unscheduled(), 1)
	assert.Equal(t, "b", merged.Unscheduled()[0].Key.CourseID)
	assert.Equal(t, string(models.ConflictRoom), merged.Unscheduled()[0].Reason)
}

func TestSolveAllStopsWhenCancelled(t *testing.T) {
	e, err := models.NewEntities(
		[]models.Course{{ID: "a", FacultyID: "f1", Sessions: 1}},
		[]models.Faculty{{ID: "f1"}},
		[]models.Room{{ID: "r1", Capacity: 30}},
		gridSlots(1, 2),
		nil,
	)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = SolveAll(ctx, []models.Cluster{{CourseIDs: []string{"a"}}}, e, BuildDomains(e), 1, Options{Exact: true})
	require.ErrorIs(t, err, context.Canceled)
}
