package solver

import (
	"sort"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// ReasonNoCandidates marks a session whose course has an empty valid domain.
const ReasonNoCandidates = "no_candidates"

// Difficulty ranks how constrained a course is. Only the ordering matters:
// fewer domain options first, then larger enrollment, then more required
// features.
type Difficulty struct {
	Options    int
	Enrollment int
	Features   int
}

// Harder reports whether d should be placed before other.
func (d Difficulty) Harder(other Difficulty) bool {
	if d.Options != other.Options {
		return d.Options < other.Options
	}
	if d.Enrollment != other.Enrollment {
		return d.Enrollment > other.Enrollment
	}
	return d.Features > other.Features
}

// DifficultyOf computes the ranking inputs of a course.
func DifficultyOf(e *models.Entities, domains *models.ValidDomain, course models.Course) Difficulty {
	return Difficulty{
		Options:    domains.Options(course.ID),
		Enrollment: e.Enrollment(course.ID),
		Features:   len(course.RequiredFeatures),
	}
}

// OrderByDifficulty sorts session keys so the most constrained courses come
// first; sessions of one course keep their index order.
func OrderByDifficulty(e *models.Entities, domains *models.ValidDomain, keys []models.SessionKey) []models.SessionKey {
	ordered := append([]models.SessionKey(nil), keys...)
	cache := make(map[string]Difficulty)
	difficulty := func(courseID string) Difficulty {
		if d, ok := cache[courseID]; ok {
			return d
		}
		course, _ := e.Course(courseID)
		d := DifficultyOf(e, domains, course)
		cache[courseID] = d
		return d
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.CourseID != b.CourseID {
			da, db := difficulty(a.CourseID), difficulty(b.CourseID)
			if da.Harder(db) {
				return true
			}
			if db.Harder(da) {
				return false
			}
			return a.CourseID < b.CourseID
		}
		return a.Session < b.Session
	})
	return ordered
}

// Greedy places each key at the first non-conflicting candidate of its
// domain, trying the least loaded days first and avoiding days the course
// already uses. Keys that cannot be placed are marked unscheduled with the
// dominant conflict kind as reason. It returns the number of placed keys.
func Greedy(sched *models.Schedule, domains *models.ValidDomain, keys []models.SessionKey) int {
	e := sched.Entities()
	placed := 0
	dayLoad := make(map[int]int)
	for _, key := range sched.Keys() {
		p, _ := sched.Lookup(key)
		if slot, ok := e.Slot(p.SlotID); ok {
			dayLoad[slot.Day]++
		}
	}

	for _, key := range OrderByDifficulty(e, domains, keys) {
		if _, assigned := sched.Lookup(key); assigned {
			continue
		}
		candidates := domains.For(key)
		if len(candidates) == 0 {
			sched.MarkUnscheduled(key, ReasonNoCandidates)
			continue
		}

		courseDays := daysOfCourse(sched, key.CourseID)
		ordered := append([]models.Placement(nil), candidates...)
		sort.SliceStable(ordered, func(i, j int) bool {
			si, _ := e.Slot(ordered[i].SlotID)
			sj, _ := e.Slot(ordered[j].SlotID)
			ui, uj := courseDays[si.Day], courseDays[sj.Day]
			if ui != uj {
				return !ui
			}
			return dayLoad[si.Day] < dayLoad[sj.Day]
		})

		blockers := make(map[models.ConflictKind]int)
		ok := false
		for _, p := range ordered {
			err := sched.Assign(key, p)
			if err == nil {
				slot, _ := e.Slot(p.SlotID)
				dayLoad[slot.Day]++
				placed++
				ok = true
				break
			}
			blockers[models.ConflictKindOf(err)]++
		}
		if !ok {
			sched.MarkUnscheduled(key, string(dominant(blockers)))
		}
	}
	return placed
}

// DominantBlocker re-checks every candidate of an unplaced key and returns
// the conflict kind that rejects most of them.
func DominantBlocker(sched *models.Schedule, domains *models.ValidDomain, key models.SessionKey) models.ConflictKind {
	candidates := domains.For(key)
	if len(candidates) == 0 {
		return models.ConflictAvailability
	}
	blockers := make(map[models.ConflictKind]int)
	for _, p := range candidates {
		blockers[models.ConflictKindOf(sched.Check(key, p))]++
	}
	return dominant(blockers)
}

func dominant(blockers map[models.ConflictKind]int) models.ConflictKind {
	best, count := models.ConflictNone, 0
	for kind, n := range blockers {
		if n > count || (n == count && kind < best) {
			best, count = kind, n
		}
	}
	return best
}

func daysOfCourse(sched *models.Schedule, courseID string) map[int]bool {
	e := sched.Entities()
	course, ok := e.Course(courseID)
	days := make(map[int]bool)
	if !ok {
		return days
	}
	for i := 0; i < course.Sessions; i++ {
		if p, assigned := sched.Lookup(models.SessionKey{CourseID: courseID, Session: i}); assigned {
			if slot, ok := e.Slot(p.SlotID); ok {
				days[slot.Day] = true
			}
		}
	}
	return days
}
