package solver

import (
	"errors"
	"time"

	"github.com/noah-isme/timetable-engine/internal/models"
)

var (
	errInfeasible = errors.New("cluster infeasible")
	errTimeout    = errors.New("solver timeout")
	errBudget     = errors.New("node budget exhausted")
)

// search is a depth-first search over the 0/1 candidate model of one
// cluster. Each decision commits one (session, slot, room) candidate. Only
// the lowest unassigned session of a course is eligible and its slot must
// follow the previous session's slot, which removes permutations of
// interchangeable sessions.
type search struct {
	sched    *models.Schedule
	domains  *models.ValidDomain
	courses  []models.Course
	next     map[string]int
	deadline time.Time
	budget   int
	nodes    int
}

func solveExact(sched *models.Schedule, domains *models.ValidDomain, courseIDs []string, timeout time.Duration, budget int) (int, error) {
	e := sched.Entities()
	s := &search{
		sched:   sched,
		domains: domains,
		next:    make(map[string]int, len(courseIDs)),
		budget:  budget,
	}
	if timeout > 0 {
		s.deadline = time.Now().Add(timeout)
	}
	for _, id := range courseIDs {
		course, ok := e.Course(id)
		if !ok || course.Sessions == 0 {
			continue
		}
		s.courses = append(s.courses, course)
		s.next[id] = 0
	}
	if err := precheck(e, domains, s.courses); err != nil {
		return 0, err
	}
	if err := s.solve(); err != nil {
		return s.nodes, err
	}
	return s.nodes, nil
}

// precheck proves infeasibility cheaply: an empty domain, or a faculty whose
// demanded sessions exceed its weekly cap or its usable slots.
func precheck(e *models.Entities, domains *models.ValidDomain, courses []models.Course) error {
	demand := make(map[string]int)
	slots := make(map[string]map[string]struct{})
	for _, c := range courses {
		if domains.Options(c.ID) == 0 {
			return errInfeasible
		}
		if domains.DistinctSlots(c.ID) < c.Sessions {
			return errInfeasible
		}
		demand[c.FacultyID] += c.Sessions
		if slots[c.FacultyID] == nil {
			slots[c.FacultyID] = make(map[string]struct{})
		}
		for _, p := range domains.For(models.SessionKey{CourseID: c.ID}) {
			slots[c.FacultyID][p.SlotID] = struct{}{}
		}
	}
	for facultyID, n := range demand {
		if n > len(slots[facultyID]) {
			return errInfeasible
		}
		if f, ok := e.Faculty(facultyID); ok && f.MaxWeeklySessions > 0 && n > f.MaxWeeklySessions {
			return errInfeasible
		}
	}
	return nil
}

func (s *search) solve() error {
	s.nodes++
	if s.budget > 0 && s.nodes > s.budget {
		return errBudget
	}
	if !s.deadline.IsZero() && s.nodes&63 == 0 && time.Now().After(s.deadline) {
		return errTimeout
	}

	course, options, done := s.pick()
	if done {
		return nil
	}
	if len(options) == 0 {
		return errInfeasible
	}

	key := models.SessionKey{CourseID: course.ID, Session: s.next[course.ID]}
	for _, p := range options {
		if err := s.sched.Assign(key, p); err != nil {
			continue
		}
		s.next[course.ID]++
		if s.forwardCheck() {
			err := s.solve()
			if err == nil {
				return nil
			}
			if !errors.Is(err, errInfeasible) {
				return err
			}
		}
		s.next[course.ID]--
		s.sched.Unassign(key)
	}
	return errInfeasible
}

// pick returns the eligible session with the fewest viable candidates.
func (s *search) pick() (models.Course, []models.Placement, bool) {
	var (
		best    models.Course
		options []models.Placement
		found   bool
	)
	for _, c := range s.courses {
		if s.next[c.ID] >= c.Sessions {
			continue
		}
		viable := s.viable(c)
		if !found || len(viable) < len(options) {
			best, options, found = c, viable, true
			if len(viable) == 0 {
				break
			}
		}
	}
	return best, options, !found
}

// forwardCheck fails when an eligible session has no viable candidate left
// or a course cannot fit its remaining sessions into the slots after the
// last one used.
func (s *search) forwardCheck() bool {
	for _, c := range s.courses {
		remaining := c.Sessions - s.next[c.ID]
		if remaining <= 0 {
			continue
		}
		viable := s.viable(c)
		if len(viable) == 0 {
			return false
		}
		slots := make(map[string]struct{})
		for _, p := range viable {
			slots[p.SlotID] = struct{}{}
		}
		if len(slots) < remaining {
			return false
		}
	}
	return true
}

func (s *search) viable(c models.Course) []models.Placement {
	e := s.sched.Entities()
	session := s.next[c.ID]
	key := models.SessionKey{CourseID: c.ID, Session: session}
	after := -1
	if session > 0 {
		prev, _ := s.sched.Lookup(models.SessionKey{CourseID: c.ID, Session: session - 1})
		after = e.SlotOrder(prev.SlotID)
	}
	var out []models.Placement
	for _, p := range s.domains.For(key) {
		if e.SlotOrder(p.SlotID) <= after {
			continue
		}
		if s.sched.Check(key, p) == nil {
			out = append(out, p)
		}
	}
	return out
}
