package models

import "sort"

// Cluster is a conflict-connected subset of courses solved together.
type Cluster struct {
	ID        int      `json:"id"`
	CourseIDs []string `json:"course_ids"`
	Oversized bool     `json:"oversized"`
}

// Sessions counts the weekly sessions of the cluster's courses.
func (c Cluster) Sessions(e *Entities) int {
	total := 0
	for _, id := range c.CourseIDs {
		if course, ok := e.Course(id); ok {
			total += course.Sessions
		}
	}
	return total
}

// ValidDomain holds the precomputed candidate placements per course. All
// sessions of a course share one candidate list; it is a search aid only,
// Schedule.Assign remains the authority.
type ValidDomain struct {
	byCourse map[string][]Placement
}

// BuildValidDomain lists the (slot, room) pairs that satisfy capacity,
// features, room department and faculty availability for every course.
// Candidates are ordered by slot and then by tightest room fit.
func BuildValidDomain(e *Entities) *ValidDomain {
	d := &ValidDomain{byCourse: make(map[string][]Placement, len(e.Courses))}
	for _, course := range e.Courses {
		d.byCourse[course.ID] = candidatesFor(e, course)
	}
	return d
}

// Extend adds candidates for a course that was not known when the domain was built.
func (d *ValidDomain) Extend(e *Entities, course Course) {
	d.byCourse[course.ID] = candidatesFor(e, course)
}

func candidatesFor(e *Entities, course Course) []Placement {
	rooms := make([]Room, 0, len(e.Rooms))
	for _, room := range e.Rooms {
		if e.RoomSuits(room, course) {
			rooms = append(rooms, room)
		}
	}
	sort.SliceStable(rooms, func(i, j int) bool { return rooms[i].Capacity < rooms[j].Capacity })
	var out []Placement
	for _, slot := range e.Slots {
		if !e.FacultyAvailable(course.FacultyID, slot.ID) {
			continue
		}
		for _, room := range rooms {
			out = append(out, Placement{SlotID: slot.ID, RoomID: room.ID})
		}
	}
	return out
}

// For returns the candidates of a session.
func (d *ValidDomain) For(key SessionKey) []Placement {
	return d.byCourse[key.CourseID]
}

// Options is the candidate count of a course.
func (d *ValidDomain) Options(courseID string) int {
	return len(d.byCourse[courseID])
}

// DistinctSlots counts the slots a course can use.
func (d *ValidDomain) DistinctSlots(courseID string) int {
	seen := make(map[string]struct{})
	for _, p := range d.byCourse[courseID] {
		seen[p.SlotID] = struct{}{}
	}
	return len(seen)
}
