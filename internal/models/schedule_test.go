package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleFixture(t *testing.T) *Entities {
	t.Helper()
	entities, err := NewEntities(
		[]Course{
			{ID: "math", FacultyID: "f1", StudentIDs: []string{"s1", "s2"}, Sessions: 2},
			{ID: "physics", FacultyID: "f2", BatchIDs: []string{"b1"}, Sessions: 1, RequiredFeatures: []string{"lab"}},
			{ID: "chem", FacultyID: "f1", StudentIDs: []string{"s9"}, Sessions: 1},
		},
		[]Faculty{
			{ID: "f1", MaxWeeklySessions: 2},
			{ID: "f2", AvailableSlots: []string{"mon-1", "mon-2"}},
		},
		[]Room{
			{ID: "r-small", Capacity: 2},
			{ID: "r-lab", Capacity: 30, Features: []string{"lab", "projector"}},
		},
		[]TimeSlot{
			{ID: "mon-1", Day: 1, Period: 0},
			{ID: "mon-2", Day: 1, Period: 1},
			{ID: "tue-1", Day: 2, Period: 0},
		},
		[]Batch{{ID: "b1", StudentIDs: []string{"s2", "s3"}}},
	)
	require.NoError(t, err)
	return entities
}

func TestNewEntitiesExpandsBatches(t *testing.T) {
	e := scheduleFixture(t)
	assert.Equal(t, []string{"s2", "s3"}, e.Students("physics"))
	assert.Equal(t, 1, e.SharedStudents("math", "physics"))
	assert.Equal(t, 4, e.TotalSessions())
	assert.True(t, e.IsLastPeriod(TimeSlot{Day: 1, Period: 1}))
	assert.False(t, e.IsLastPeriod(TimeSlot{Day: 1, Period: 0}))
}

func TestNewEntitiesRejectsUnknownFaculty(t *testing.T) {
	_, err := NewEntities([]Course{{ID: "c", FacultyID: "ghost", Sessions: 1}}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestScheduleAssignEnforcesExclusivity(t *testing.T) {
	e := scheduleFixture(t)
	s := NewSchedule(e)

	require.NoError(t, s.Assign(SessionKey{"math", 0}, Placement{SlotID: "mon-1", RoomID: "r-small"}))

	err := s.Assign(SessionKey{"chem", 0}, Placement{SlotID: "mon-1", RoomID: "r-lab"})
	assert.Equal(t, ConflictFaculty, ConflictKindOf(err))

	err = s.Assign(SessionKey{"physics", 0}, Placement{SlotID: "mon-1", RoomID: "r-lab"})
	assert.Equal(t, ConflictStudent, ConflictKindOf(err))

	err = s.Assign(SessionKey{"math", 1}, Placement{SlotID: "mon-1", RoomID: "r-small"})
	assert.Equal(t, ConflictFaculty, ConflictKindOf(err))

	err = s.Assign(SessionKey{"math", 0}, Placement{SlotID: "tue-1", RoomID: "r-small"})
	assert.Equal(t, ConflictDuplicate, ConflictKindOf(err))
}

func TestScheduleAssignEnforcesRoomAndAvailability(t *testing.T) {
	e := scheduleFixture(t)
	s := NewSchedule(e)

	err := s.Assign(SessionKey{"physics", 0}, Placement{SlotID: "mon-1", RoomID: "r-small"})
	assert.Equal(t, ConflictCapacity, ConflictKindOf(err))

	err = s.Assign(SessionKey{"physics", 0}, Placement{SlotID: "tue-1", RoomID: "r-lab"})
	assert.Equal(t, ConflictAvailability, ConflictKindOf(err))

	require.NoError(t, s.Assign(SessionKey{"physics", 0}, Placement{SlotID: "mon-2", RoomID: "r-lab"}))
	err = s.Assign(SessionKey{"chem", 0}, Placement{SlotID: "mon-2", RoomID: "r-lab"})
	assert.Equal(t, ConflictRoom, ConflictKindOf(err))
}

func TestScheduleFacultyCap(t *testing.T) {
	e := scheduleFixture(t)
	s := NewSchedule(e)
	require.NoError(t, s.Assign(SessionKey{"math", 0}, Placement{SlotID: "mon-1", RoomID: "r-small"}))
	require.NoError(t, s.Assign(SessionKey{"math", 1}, Placement{SlotID: "mon-2", RoomID: "r-small"}))

	err := s.Assign(SessionKey{"chem", 0}, Placement{SlotID: "tue-1", RoomID: "r-small"})
	assert.Equal(t, ConflictFacultyCap, ConflictKindOf(err))
}

func TestScheduleUnassignReleasesOccupancy(t *testing.T) {
	e := scheduleFixture(t)
	s := NewSchedule(e)
	key := SessionKey{"math", 0}
	require.NoError(t, s.Assign(key, Placement{SlotID: "mon-1", RoomID: "r-small"}))

	p, ok := s.Unassign(key)
	require.True(t, ok)
	assert.Equal(t, "mon-1", p.SlotID)
	assert.Equal(t, 0, s.FacultyLoad("f1"))
	_, busy := s.RoomOccupant("r-small", "mon-1")
	assert.False(t, busy)
	require.NoError(t, s.Assign(SessionKey{"chem", 0}, Placement{SlotID: "mon-1", RoomID: "r-lab"}))
}

func TestScheduleCloneIsIndependent(t *testing.T) {
	e := scheduleFixture(t)
	s := NewSchedule(e)
	require.NoError(t, s.Assign(SessionKey{"math", 0}, Placement{SlotID: "mon-1", RoomID: "r-small"}))
	s.MarkUnscheduled(SessionKey{"chem", 0}, "no room")

	clone := s.Clone()
	clone.Unassign(SessionKey{"math", 0})

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, clone.Len())
	assert.Len(t, clone.Unscheduled(), 1)
	assert.Len(t, s.Missing(), 3)
}

func TestBuildValidDomain(t *testing.T) {
	e := scheduleFixture(t)
	d := BuildValidDomain(e)

	assert.Equal(t, []Placement{{"mon-1", "r-lab"}, {"mon-2", "r-lab"}}, d.For(SessionKey{"physics", 0}))
	assert.Equal(t, 2, d.DistinctSlots("physics"))
	// math fits both rooms in every slot; the tighter room comes first.
	assert.Equal(t, Placement{"mon-1", "r-small"}, d.For(SessionKey{"math", 1})[0])
	assert.Equal(t, 6, d.Options("math"))
}
