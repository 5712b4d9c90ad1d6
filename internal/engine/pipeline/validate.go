package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// ErrInvariant is wrapped by every validation failure.
var ErrInvariant = errors.New("schedule invariant violated")

// Violation is one broken hard constraint found by the validator.
type Violation struct {
	Kind    models.ConflictKind `json:"kind"`
	Key     models.SessionKey   `json:"key"`
	With    *models.SessionKey  `json:"with,omitempty"`
	Message string              `json:"message"`
}

// Violations re-derives every hard constraint from the raw assignments,
// without trusting the schedule's own occupancy indexes.
func Violations(s *models.Schedule) []Violation {
	e := s.Entities()
	type owner struct{ id, slot string }
	faculty := make(map[owner]models.SessionKey)
	rooms := make(map[owner]models.SessionKey)
	students := make(map[owner]models.SessionKey)
	load := make(map[string]int)
	var out []Violation
	add := func(kind models.ConflictKind, key models.SessionKey, with *models.SessionKey, format string, args ...any) {
		out = append(out, Violation{Kind: kind, Key: key, With: with, Message: fmt.Sprintf(format, args...)})
	}

	for _, key := range s.Keys() {
		p, _ := s.Lookup(key)
		course, ok := e.Course(key.CourseID)
		if !ok {
			add(models.ConflictUnknown, key, nil, "unknown course %s", key.CourseID)
			continue
		}
		room, ok := e.Room(p.RoomID)
		if !ok {
			add(models.ConflictUnknown, key, nil, "unknown room %s", p.RoomID)
			continue
		}
		if _, ok := e.Slot(p.SlotID); !ok {
			add(models.ConflictUnknown, key, nil, "unknown slot %s", p.SlotID)
			continue
		}
		if room.Capacity < e.Enrollment(course.ID) {
			add(models.ConflictCapacity, key, nil, "room %s holds %d, course %s enrols %d", room.ID, room.Capacity, course.ID, e.Enrollment(course.ID))
		}
		if missing := missingFeatures(room, course); len(missing) > 0 {
			add(models.ConflictCapacity, key, nil, "room %s lacks features %s", room.ID, strings.Join(missing, ","))
		} else if !e.RoomSuits(room, course) && room.Capacity >= e.Enrollment(course.ID) {
			add(models.ConflictCapacity, key, nil, "room %s is restricted to department %s", room.ID, room.Department)
		}
		if !e.FacultyAvailable(course.FacultyID, p.SlotID) {
			add(models.ConflictAvailability, key, nil, "faculty %s unavailable in %s", course.FacultyID, p.SlotID)
		}
		if key.Session < 0 || key.Session >= course.Sessions {
			add(models.ConflictDuplicate, key, nil, "course %s has no session %d", course.ID, key.Session)
		}
		load[course.FacultyID]++
		if other, clash := faculty[owner{course.FacultyID, p.SlotID}]; clash {
			add(models.ConflictFaculty, key, &other, "faculty %s double booked in %s", course.FacultyID, p.SlotID)
		} else {
			faculty[owner{course.FacultyID, p.SlotID}] = key
		}
		if other, clash := rooms[owner{room.ID, p.SlotID}]; clash {
			add(models.ConflictRoom, key, &other, "room %s double booked in %s", room.ID, p.SlotID)
		} else {
			rooms[owner{room.ID, p.SlotID}] = key
		}
		for _, student := range e.Students(course.ID) {
			if other, clash := students[owner{student, p.SlotID}]; clash {
				add(models.ConflictStudent, key, &other, "student %s double booked in %s", student, p.SlotID)
				break
			}
			students[owner{student, p.SlotID}] = key
		}
	}

	for _, f := range e.FacultyList() {
		if f.MaxWeeklySessions > 0 && load[f.ID] > f.MaxWeeklySessions {
			add(models.ConflictFacultyCap, models.SessionKey{}, nil, "faculty %s teaches %d sessions, cap %d", f.ID, load[f.ID], f.MaxWeeklySessions)
		}
	}

	for _, key := range s.Missing() {
		if _, reported := s.UnscheduledReason(key); !reported {
			add(models.ConflictUnknown, key, nil, "session %s neither assigned nor reported unscheduled", key)
		}
	}
	return out
}

// Validate returns an error wrapping ErrInvariant when any hard constraint
// is broken.
func Validate(s *models.Schedule) error {
	violations := Violations(s)
	if len(violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d violations, first: %s", ErrInvariant, len(violations), violations[0].Message)
}

func missingFeatures(room models.Room, course models.Course) []string {
	have := make(map[string]bool, len(room.Features))
	for _, f := range room.Features {
		have[f] = true
	}
	var missing []string
	for _, f := range course.RequiredFeatures {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}
