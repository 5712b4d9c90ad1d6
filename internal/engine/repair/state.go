package repair

import (
	"github.com/noah-isme/timetable-engine/internal/engine/solver"
	"github.com/noah-isme/timetable-engine/internal/models"
)

// ConflictType is the collapsed conflict dimension of a state.
type ConflictType string

const (
	ConflictNone    ConflictType = "none"
	ConflictFaculty ConflictType = "faculty"
	ConflictRoom    ConflictType = "room"
	ConflictStudent ConflictType = "student"
)

// LoadBucket buckets the faculty's current teaching load.
type LoadBucket string

const (
	LoadLow    LoadBucket = "low"
	LoadMedium LoadBucket = "medium"
	LoadHigh   LoadBucket = "high"
)

// DensityBucket names the part of the day a session competes for.
type DensityBucket string

const (
	DensityMorning DensityBucket = "morning"
	DensityMidday  DensityBucket = "midday"
	DensityEvening DensityBucket = "evening"
)

// State is the three-part observation the table is keyed by.
type State struct {
	Conflict ConflictType
	Load     LoadBucket
	Density  DensityBucket
}

// Key is the persisted form of the state.
func (s State) Key() string {
	return string(s.Conflict) + "|" + string(s.Load) + "|" + string(s.Density)
}

// Conflict is an unplaced session and what blocks it.
type Conflict struct {
	Key  models.SessionKey
	Type ConflictType
}

func collapse(kind models.ConflictKind) ConflictType {
	switch kind {
	case models.ConflictNone:
		return ConflictNone
	case models.ConflictRoom, models.ConflictCapacity:
		return ConflictRoom
	case models.ConflictStudent:
		return ConflictStudent
	default:
		return ConflictFaculty
	}
}

// detect lists the sessions still missing from the schedule.
func detect(sched *models.Schedule, domains *models.ValidDomain) []Conflict {
	missing := sched.Missing()
	out := make([]Conflict, 0, len(missing))
	for _, key := range missing {
		out = append(out, Conflict{Key: key, Type: collapse(solver.DominantBlocker(sched, domains, key))})
	}
	return out
}

func observe(sched *models.Schedule, domains *models.ValidDomain, c Conflict) State {
	return State{Conflict: c.Type, Load: loadBucket(sched, c.Key.CourseID), Density: densityBucket(sched, domains, c.Key)}
}

func loadBucket(sched *models.Schedule, courseID string) LoadBucket {
	e := sched.Entities()
	course, _ := e.Course(courseID)
	faculty, _ := e.Faculty(course.FacultyID)
	load := float64(sched.FacultyLoad(faculty.ID))

	var ratio float64
	if faculty.MaxWeeklySessions > 0 {
		ratio = load / float64(faculty.MaxWeeklySessions)
	} else {
		list := e.FacultyList()
		total := 0
		for _, f := range list {
			total += sched.FacultyLoad(f.ID)
		}
		if total == 0 {
			return LoadLow
		}
		mean := float64(total) / float64(len(list))
		ratio = load / (2 * mean)
	}
	switch {
	case ratio < 0.4:
		return LoadLow
	case ratio < 0.8:
		return LoadMedium
	default:
		return LoadHigh
	}
}

// densityBucket picks the part of the day where the session's candidate
// slots are most crowded.
func densityBucket(sched *models.Schedule, domains *models.ValidDomain, key models.SessionKey) DensityBucket {
	e := sched.Entities()
	periods := max(e.PeriodsPerDay(), 1)
	var load [3]int
	seen := make(map[string]bool)
	for _, p := range domains.For(key) {
		if seen[p.SlotID] {
			continue
		}
		seen[p.SlotID] = true
		slot, _ := e.Slot(p.SlotID)
		part := min(slot.Period*3/periods, 2)
		load[part] += sched.SlotLoad(slot.ID)
	}
	switch {
	case load[0] >= load[1] && load[0] >= load[2]:
		return DensityMorning
	case load[1] >= load[2]:
		return DensityMidday
	default:
		return DensityEvening
	}
}
