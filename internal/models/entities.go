package models

import (
	"fmt"
	"sort"
)

// Entities is the read-only bundle of records a generation run works on.
// It is built once per request and shared by every stage without locking.
type Entities struct {
	Courses []Course
	Rooms   []Room
	Slots   []TimeSlot

	faculty     map[string]Faculty
	batches     map[string]Batch
	courseIndex map[string]int
	roomIndex   map[string]int
	slotIndex   map[string]int

	students     map[string][]string
	studentSets  map[string]stringSet
	features     map[string]stringSet
	roomFeatures map[string]stringSet
	available    map[string]stringSet
	lastPeriod   map[int]int
}

// NewEntities validates referential integrity and builds lookup indexes.
func NewEntities(courses []Course, faculty []Faculty, rooms []Room, slots []TimeSlot, batches []Batch) (*Entities, error) {
	e := &Entities{
		faculty:      make(map[string]Faculty, len(faculty)),
		batches:      make(map[string]Batch, len(batches)),
		courseIndex:  make(map[string]int, len(courses)),
		roomIndex:    make(map[string]int, len(rooms)),
		slotIndex:    make(map[string]int, len(slots)),
		students:     make(map[string][]string, len(courses)),
		studentSets:  make(map[string]stringSet, len(courses)),
		features:     make(map[string]stringSet, len(courses)),
		roomFeatures: make(map[string]stringSet, len(rooms)),
		available:    make(map[string]stringSet, len(faculty)),
		lastPeriod:   make(map[int]int),
	}

	for _, f := range faculty {
		if f.ID == "" {
			return nil, fmt.Errorf("faculty id is required")
		}
		if _, dup := e.faculty[f.ID]; dup {
			return nil, fmt.Errorf("duplicate faculty %s", f.ID)
		}
		e.faculty[f.ID] = f
		e.available[f.ID] = newStringSet(f.AvailableSlots)
	}
	for _, b := range batches {
		e.batches[b.ID] = b
	}

	e.Slots = append([]TimeSlot(nil), slots...)
	sort.SliceStable(e.Slots, func(i, j int) bool {
		if e.Slots[i].Day == e.Slots[j].Day {
			return e.Slots[i].Period < e.Slots[j].Period
		}
		return e.Slots[i].Day < e.Slots[j].Day
	})
	for i, s := range e.Slots {
		if s.ID == "" {
			return nil, fmt.Errorf("time slot id is required")
		}
		if _, dup := e.slotIndex[s.ID]; dup {
			return nil, fmt.Errorf("duplicate time slot %s", s.ID)
		}
		e.slotIndex[s.ID] = i
		if last, ok := e.lastPeriod[s.Day]; !ok || s.Period > last {
			e.lastPeriod[s.Day] = s.Period
		}
	}

	e.Rooms = append([]Room(nil), rooms...)
	sort.SliceStable(e.Rooms, func(i, j int) bool { return e.Rooms[i].ID < e.Rooms[j].ID })
	for i, r := range e.Rooms {
		if r.ID == "" {
			return nil, fmt.Errorf("room id is required")
		}
		if _, dup := e.roomIndex[r.ID]; dup {
			return nil, fmt.Errorf("duplicate room %s", r.ID)
		}
		e.roomIndex[r.ID] = i
		e.roomFeatures[r.ID] = newStringSet(r.Features)
	}

	e.Courses = append([]Course(nil), courses...)
	sort.SliceStable(e.Courses, func(i, j int) bool { return e.Courses[i].ID < e.Courses[j].ID })
	for i, c := range e.Courses {
		if err := e.indexCourse(i, c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Entities) indexCourse(i int, c Course) error {
	if c.ID == "" {
		return fmt.Errorf("course id is required")
	}
	if _, dup := e.courseIndex[c.ID]; dup {
		return fmt.Errorf("duplicate course %s", c.ID)
	}
	if c.Sessions < 0 {
		return fmt.Errorf("course %s has negative session count", c.ID)
	}
	if _, ok := e.faculty[c.FacultyID]; !ok {
		return fmt.Errorf("course %s references unknown faculty %s", c.ID, c.FacultyID)
	}
	set := newStringSet(c.StudentIDs)
	for _, batchID := range c.BatchIDs {
		batch, ok := e.batches[batchID]
		if !ok {
			return fmt.Errorf("course %s references unknown batch %s", c.ID, batchID)
		}
		for _, student := range batch.StudentIDs {
			set[student] = struct{}{}
		}
	}
	e.courseIndex[c.ID] = i
	e.studentSets[c.ID] = set
	e.students[c.ID] = set.sorted()
	e.features[c.ID] = newStringSet(c.RequiredFeatures)
	return nil
}

// Course returns the course with the given id.
func (e *Entities) Course(id string) (Course, bool) {
	idx, ok := e.courseIndex[id]
	if !ok {
		return Course{}, false
	}
	return e.Courses[idx], true
}

// Faculty returns the faculty member with the given id.
func (e *Entities) Faculty(id string) (Faculty, bool) {
	f, ok := e.faculty[id]
	return f, ok
}

// FacultyList returns all faculty ordered by id.
func (e *Entities) FacultyList() []Faculty {
	list := make([]Faculty, 0, len(e.faculty))
	for _, f := range e.faculty {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Room returns the room with the given id.
func (e *Entities) Room(id string) (Room, bool) {
	idx, ok := e.roomIndex[id]
	if !ok {
		return Room{}, false
	}
	return e.Rooms[idx], true
}

// Slot returns the time slot with the given id.
func (e *Entities) Slot(id string) (TimeSlot, bool) {
	idx, ok := e.slotIndex[id]
	if !ok {
		return TimeSlot{}, false
	}
	return e.Slots[idx], true
}

// SlotOrder is the position of the slot in the day/period ordered grid, or -1.
func (e *Entities) SlotOrder(id string) int {
	idx, ok := e.slotIndex[id]
	if !ok {
		return -1
	}
	return idx
}

// Students returns the expanded, sorted student ids attending a course.
func (e *Entities) Students(courseID string) []string {
	return e.students[courseID]
}

// Enrollment is the number of distinct students attending a course.
func (e *Entities) Enrollment(courseID string) int {
	return len(e.students[courseID])
}

// SharedStudents counts students enrolled in both courses.
func (e *Entities) SharedStudents(a, b string) int {
	left, right := e.studentSets[a], e.studentSets[b]
	if len(left) > len(right) {
		left, right = right, left
	}
	shared := 0
	for student := range left {
		if right.has(student) {
			shared++
		}
	}
	return shared
}

// FacultyAvailable reports whether the faculty may teach in the slot.
func (e *Entities) FacultyAvailable(facultyID, slotID string) bool {
	set, ok := e.available[facultyID]
	if !ok {
		return false
	}
	return len(set) == 0 || set.has(slotID)
}

// RoomSuits checks capacity, feature and department restrictions.
func (e *Entities) RoomSuits(room Room, course Course) bool {
	if room.Capacity < e.Enrollment(course.ID) {
		return false
	}
	if room.Department != "" && course.Department != "" && room.Department != course.Department {
		return false
	}
	have := e.roomFeatures[room.ID]
	for feature := range e.features[course.ID] {
		if !have.has(feature) {
			return false
		}
	}
	return true
}

// IsLastPeriod reports whether the slot is the final period of its day.
func (e *Entities) IsLastPeriod(slot TimeSlot) bool {
	last, ok := e.lastPeriod[slot.Day]
	return ok && slot.Period == last
}

// PeriodsPerDay returns the widest day of the grid.
func (e *Entities) PeriodsPerDay() int {
	max := 0
	for _, last := range e.lastPeriod {
		if last+1 > max {
			max = last + 1
		}
	}
	return max
}

// TotalSessions sums the weekly sessions over all courses.
func (e *Entities) TotalSessions() int {
	total := 0
	for _, c := range e.Courses {
		total += c.Sessions
	}
	return total
}

// WithCourse returns a copy of the entities extended by one course.
func (e *Entities) WithCourse(c Course) (*Entities, error) {
	courses := append(append([]Course(nil), e.Courses...), c)
	return NewEntities(courses, e.FacultyList(), e.Rooms, e.Slots, e.batchList())
}

// WithoutCourse returns a copy of the entities without the given course.
func (e *Entities) WithoutCourse(id string) (*Entities, error) {
	courses := make([]Course, 0, len(e.Courses))
	for _, c := range e.Courses {
		if c.ID != id {
			courses = append(courses, c)
		}
	}
	return NewEntities(courses, e.FacultyList(), e.Rooms, e.Slots, e.batchList())
}

func (e *Entities) batchList() []Batch {
	list := make([]Batch, 0, len(e.batches))
	for _, b := range e.batches {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
