package models

import (
	"errors"
	"fmt"
	"sort"
)

// SessionKey identifies one weekly occurrence of a course.
type SessionKey struct {
	CourseID string `json:"course_id"`
	Session  int    `json:"session"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s#%d", k.CourseID, k.Session)
}

// Placement is the (time slot, room) pair a session is assigned to.
type Placement struct {
	SlotID string `json:"slot_id"`
	RoomID string `json:"room_id"`
}

// ConflictKind names the dimension an assignment violates.
type ConflictKind string

const (
	ConflictNone         ConflictKind = "none"
	ConflictFaculty      ConflictKind = "faculty"
	ConflictRoom         ConflictKind = "room"
	ConflictStudent      ConflictKind = "student"
	ConflictCapacity     ConflictKind = "capacity"
	ConflictAvailability ConflictKind = "availability"
	ConflictFacultyCap   ConflictKind = "faculty_cap"
	ConflictUnknown      ConflictKind = "unknown"
	ConflictDuplicate    ConflictKind = "duplicate"
)

// ConflictError is returned when an assignment would break a hard constraint.
type ConflictError struct {
	Kind      ConflictKind `json:"kind"`
	Key       SessionKey   `json:"key"`
	Placement Placement    `json:"placement"`
	With      *SessionKey  `json:"with,omitempty"`
	Message   string       `json:"message"`
}

// Error implements the error interface for conflict errors.
func (e *ConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// ConflictKindOf extracts the conflict dimension from an assignment error.
func ConflictKindOf(err error) ConflictKind {
	if err == nil {
		return ConflictNone
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Kind
	}
	return ConflictUnknown
}

// Unscheduled records a session that could not be placed.
type Unscheduled struct {
	Key    SessionKey `json:"key"`
	Reason string     `json:"reason"`
}

type occupancyKey struct {
	Owner string
	Slot  string
}

// Schedule maps sessions to placements and rejects any assignment that
// would break faculty, room or student exclusivity, room suitability,
// faculty availability or the faculty weekly cap.
type Schedule struct {
	entities    *Entities
	assignments map[SessionKey]Placement
	facultyAt   map[occupancyKey]SessionKey
	roomAt      map[occupancyKey]SessionKey
	studentAt   map[occupancyKey]SessionKey
	facultyLoad map[string]int
	slotLoad    map[string]int
	unscheduled map[SessionKey]string
}

// NewSchedule returns an empty schedule bound to the entities.
func NewSchedule(entities *Entities) *Schedule {
	return &Schedule{
		entities:    entities,
		assignments: make(map[SessionKey]Placement),
		facultyAt:   make(map[occupancyKey]SessionKey),
		roomAt:      make(map[occupancyKey]SessionKey),
		studentAt:   make(map[occupancyKey]SessionKey),
		facultyLoad: make(map[string]int),
		slotLoad:    make(map[string]int),
		unscheduled: make(map[SessionKey]string),
	}
}

// Entities exposes the records the schedule validates against.
func (s *Schedule) Entities() *Entities {
	return s.entities
}

// Check reports whether the placement can be assigned without committing it.
func (s *Schedule) Check(key SessionKey, p Placement) error {
	course, ok := s.entities.Course(key.CourseID)
	if !ok || key.Session < 0 || key.Session >= course.Sessions {
		return s.conflict(ConflictUnknown, key, p, nil, "unknown session %s", key)
	}
	if _, exists := s.assignments[key]; exists {
		return s.conflict(ConflictDuplicate, key, p, nil, "session %s already assigned", key)
	}
	if _, ok := s.entities.Slot(p.SlotID); !ok {
		return s.conflict(ConflictUnknown, key, p, nil, "unknown time slot %s", p.SlotID)
	}
	room, ok := s.entities.Room(p.RoomID)
	if !ok {
		return s.conflict(ConflictUnknown, key, p, nil, "unknown room %s", p.RoomID)
	}
	if !s.entities.RoomSuits(room, course) {
		return s.conflict(ConflictCapacity, key, p, nil, "room %s does not suit course %s", room.ID, course.ID)
	}
	if !s.entities.FacultyAvailable(course.FacultyID, p.SlotID) {
		return s.conflict(ConflictAvailability, key, p, nil, "faculty %s unavailable in %s", course.FacultyID, p.SlotID)
	}
	if other, busy := s.facultyAt[occupancyKey{course.FacultyID, p.SlotID}]; busy {
		return s.conflict(ConflictFaculty, key, p, &other, "faculty %s already teaches %s in %s", course.FacultyID, other, p.SlotID)
	}
	if other, busy := s.roomAt[occupancyKey{p.RoomID, p.SlotID}]; busy {
		return s.conflict(ConflictRoom, key, p, &other, "room %s already hosts %s in %s", p.RoomID, other, p.SlotID)
	}
	for _, student := range s.entities.Students(course.ID) {
		if other, busy := s.studentAt[occupancyKey{student, p.SlotID}]; busy {
			return s.conflict(ConflictStudent, key, p, &other, "student %s already attends %s in %s", student, other, p.SlotID)
		}
	}
	if faculty, _ := s.entities.Faculty(course.FacultyID); faculty.MaxWeeklySessions > 0 && s.facultyLoad[course.FacultyID] >= faculty.MaxWeeklySessions {
		return s.conflict(ConflictFacultyCap, key, p, nil, "faculty %s reached weekly cap %d", course.FacultyID, faculty.MaxWeeklySessions)
	}
	return nil
}

// Assign commits a placement after validating it.
func (s *Schedule) Assign(key SessionKey, p Placement) error {
	if err := s.Check(key, p); err != nil {
		return err
	}
	course, _ := s.entities.Course(key.CourseID)
	s.assignments[key] = p
	s.facultyAt[occupancyKey{course.FacultyID, p.SlotID}] = key
	s.roomAt[occupancyKey{p.RoomID, p.SlotID}] = key
	for _, student := range s.entities.Students(course.ID) {
		s.studentAt[occupancyKey{student, p.SlotID}] = key
	}
	s.facultyLoad[course.FacultyID]++
	s.slotLoad[p.SlotID]++
	delete(s.unscheduled, key)
	return nil
}

// Unassign removes a session's placement and releases its occupancy.
func (s *Schedule) Unassign(key SessionKey) (Placement, bool) {
	p, ok := s.assignments[key]
	if !ok {
		return Placement{}, false
	}
	course, _ := s.entities.Course(key.CourseID)
	delete(s.assignments, key)
	delete(s.facultyAt, occupancyKey{course.FacultyID, p.SlotID})
	delete(s.roomAt, occupancyKey{p.RoomID, p.SlotID})
	for _, student := range s.entities.Students(course.ID) {
		delete(s.studentAt, occupancyKey{student, p.SlotID})
	}
	if s.facultyLoad[course.FacultyID] > 0 {
		s.facultyLoad[course.FacultyID]--
	}
	if s.slotLoad[p.SlotID] > 0 {
		s.slotLoad[p.SlotID]--
	}
	return p, true
}

// Lookup returns the placement of a session.
func (s *Schedule) Lookup(key SessionKey) (Placement, bool) {
	p, ok := s.assignments[key]
	return p, ok
}

// Len is the number of assigned sessions.
func (s *Schedule) Len() int {
	return len(s.assignments)
}

// Keys returns assigned session keys ordered by course then session.
func (s *Schedule) Keys() []SessionKey {
	keys := make([]SessionKey, 0, len(s.assignments))
	for key := range s.assignments {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

// Assignments returns a copy of the assignment map.
func (s *Schedule) Assignments() map[SessionKey]Placement {
	out := make(map[SessionKey]Placement, len(s.assignments))
	for k, v := range s.assignments {
		out[k] = v
	}
	return out
}

// FacultyOccupant returns the session the faculty teaches in the slot.
func (s *Schedule) FacultyOccupant(facultyID, slotID string) (SessionKey, bool) {
	key, ok := s.facultyAt[occupancyKey{facultyID, slotID}]
	return key, ok
}

// RoomOccupant returns the session hosted by the room in the slot.
func (s *Schedule) RoomOccupant(roomID, slotID string) (SessionKey, bool) {
	key, ok := s.roomAt[occupancyKey{roomID, slotID}]
	return key, ok
}

// StudentOccupants lists sessions in the slot that share students with the course.
func (s *Schedule) StudentOccupants(courseID, slotID string) []SessionKey {
	seen := make(map[SessionKey]struct{})
	var out []SessionKey
	for _, student := range s.entities.Students(courseID) {
		key, busy := s.studentAt[occupancyKey{student, slotID}]
		if !busy {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sortKeys(out)
	return out
}

// FacultyLoad is the number of sessions assigned to the faculty.
func (s *Schedule) FacultyLoad(facultyID string) int {
	return s.facultyLoad[facultyID]
}

// SlotLoad is the number of sessions assigned to the slot.
func (s *Schedule) SlotLoad(slotID string) int {
	return s.slotLoad[slotID]
}

// MarkUnscheduled records that a session could not be placed.
func (s *Schedule) MarkUnscheduled(key SessionKey, reason string) {
	if _, assigned := s.assignments[key]; assigned {
		return
	}
	s.unscheduled[key] = reason
}

// Unscheduled lists sessions that were reported as unplaceable.
func (s *Schedule) Unscheduled() []Unscheduled {
	keys := make([]SessionKey, 0, len(s.unscheduled))
	for key := range s.unscheduled {
		keys = append(keys, key)
	}
	sortKeys(keys)
	out := make([]Unscheduled, 0, len(keys))
	for _, key := range keys {
		out = append(out, Unscheduled{Key: key, Reason: s.unscheduled[key]})
	}
	return out
}

// UnscheduledReason returns the recorded reason for an unplaced session.
func (s *Schedule) UnscheduledReason(key SessionKey) (string, bool) {
	reason, ok := s.unscheduled[key]
	return reason, ok
}

// Missing returns every session of every course that has no placement.
func (s *Schedule) Missing() []SessionKey {
	var out []SessionKey
	for _, c := range s.entities.Courses {
		for i := 0; i < c.Sessions; i++ {
			key := SessionKey{CourseID: c.ID, Session: i}
			if _, ok := s.assignments[key]; !ok {
				out = append(out, key)
			}
		}
	}
	return out
}

// Clone returns an independent copy sharing only the read-only entities.
func (s *Schedule) Clone() *Schedule {
	out := &Schedule{
		entities:    s.entities,
		assignments: make(map[SessionKey]Placement, len(s.assignments)),
		facultyAt:   make(map[occupancyKey]SessionKey, len(s.facultyAt)),
		roomAt:      make(map[occupancyKey]SessionKey, len(s.roomAt)),
		studentAt:   make(map[occupancyKey]SessionKey, len(s.studentAt)),
		facultyLoad: make(map[string]int, len(s.facultyLoad)),
		slotLoad:    make(map[string]int, len(s.slotLoad)),
		unscheduled: make(map[SessionKey]string, len(s.unscheduled)),
	}
	for k, v := range s.assignments {
		out.assignments[k] = v
	}
	for k, v := range s.facultyAt {
		out.facultyAt[k] = v
	}
	for k, v := range s.roomAt {
		out.roomAt[k] = v
	}
	for k, v := range s.studentAt {
		out.studentAt[k] = v
	}
	for k, v := range s.facultyLoad {
		out.facultyLoad[k] = v
	}
	for k, v := range s.slotLoad {
		out.slotLoad[k] = v
	}
	for k, v := range s.unscheduled {
		out.unscheduled[k] = v
	}
	return out
}

// Rebind replays the assignments onto a schedule for other entities,
// skipping sessions whose course no longer exists.
func (s *Schedule) Rebind(entities *Entities) (*Schedule, error) {
	out := NewSchedule(entities)
	for _, key := range s.Keys() {
		if _, ok := entities.Course(key.CourseID); !ok {
			continue
		}
		if err := out.Assign(key, s.assignments[key]); err != nil {
			return nil, err
		}
	}
	for key, reason := range s.unscheduled {
		if _, ok := entities.Course(key.CourseID); ok {
			out.MarkUnscheduled(key, reason)
		}
	}
	return out, nil
}

func (s *Schedule) conflict(kind ConflictKind, key SessionKey, p Placement, with *SessionKey, format string, args ...any) error {
	return &ConflictError{Kind: kind, Key: key, Placement: p, With: with, Message: fmt.Sprintf(format, args...)}
}

func sortKeys(keys []SessionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CourseID == keys[j].CourseID {
			return keys[i].Session < keys[j].Session
		}
		return keys[i].CourseID < keys[j].CourseID
	})
}
