// Package refine improves a feasible schedule with a single-population
// genetic search over feasibility-preserving moves.
package refine

import "github.com/noah-isme/timetable-engine/internal/models"

// Fitness weights and penalties.
const (
	WeightFacultyPreference = 0.4
	WeightRoomUtilization   = 0.3
	WeightPeakSpread        = 0.3

	EdgeSlotPenalty   = 5.0
	EarlyPeriodCutoff = 2
	OversizeRatio     = 2.0
	PeakRatio         = 1.5
)

// Fitness is the weighted soft score of a schedule. Higher is better and a
// schedule without soft violations scores zero or more.
type Fitness struct {
	Total             float64 `json:"total"`
	FacultyPreference float64 `json:"faculty_preference"`
	RoomUtilization   float64 `json:"room_utilization"`
	PeakSpread        float64 `json:"peak_spread"`
}

// Evaluate scores the assigned sessions of a schedule.
func Evaluate(s *models.Schedule) Fitness {
	e := s.Entities()
	var f Fitness
	for _, key := range s.Keys() {
		p, _ := s.Lookup(key)
		course, _ := e.Course(key.CourseID)
		slot, _ := e.Slot(p.SlotID)
		room, _ := e.Room(p.RoomID)
		faculty, _ := e.Faculty(course.FacultyID)

		if weight, ok := faculty.Preferences[slot.ID]; ok {
			f.FacultyPreference += weight
		} else if slot.Period < EarlyPeriodCutoff || e.IsLastPeriod(slot) {
			f.FacultyPreference -= EdgeSlotPenalty
		}

		enrollment := max(e.Enrollment(course.ID), 1)
		if float64(room.Capacity) > OversizeRatio*float64(enrollment) {
			f.RoomUtilization -= float64(room.Capacity)/float64(enrollment) - OversizeRatio
		}
	}

	if len(e.Slots) > 0 && s.Len() > 0 {
		avg := float64(s.Len()) / float64(len(e.Slots))
		for _, slot := range e.Slots {
			count := float64(s.SlotLoad(slot.ID))
			if count > PeakRatio*avg {
				f.PeakSpread -= count - PeakRatio*avg
			}
		}
	}

	f.Total = WeightFacultyPreference*f.FacultyPreference +
		WeightRoomUtilization*f.RoomUtilization +
		WeightPeakSpread*f.PeakSpread
	return f
}

// Better orders candidate schedules: more assigned sessions first, then
// higher fitness.
func Better(a *models.Schedule, fa Fitness, b *models.Schedule, fb Fitness) bool {
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	return fa.Total > fb.Total
}
