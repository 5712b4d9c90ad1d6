package pipeline

import (
	"math"
	"sort"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// Quality summarises a finished schedule. Scores are in [0,1], higher is better.
type Quality struct {
	Violations       map[string]int `json:"violations"`
	Unscheduled      map[string]int `json:"unscheduled"`
	GapPenalty       float64        `json:"gap_penalty"`
	Compactness      float64        `json:"compactness"`
	WorkloadBalance  float64        `json:"workload_balance"`
	RoomUtilization  float64        `json:"room_utilization"`
	ScheduledRatio   float64        `json:"scheduled_ratio"`
	ScheduledCount   int            `json:"scheduled_count"`
	UnscheduledCount int            `json:"unscheduled_count"`
}

// Measure computes the quality report of a schedule.
func Measure(s *models.Schedule) Quality {
	e := s.Entities()
	q := Quality{
		Violations:  make(map[string]int),
		Unscheduled: make(map[string]int),
	}
	for _, v := range Violations(s) {
		q.Violations[string(v.Kind)]++
	}
	for _, u := range s.Unscheduled() {
		q.Unscheduled[u.Reason]++
	}
	q.ScheduledCount = s.Len()
	q.UnscheduledCount = len(s.Missing())
	if total := e.TotalSessions(); total > 0 {
		q.ScheduledRatio = float64(q.ScheduledCount) / float64(total)
	} else {
		q.ScheduledRatio = 1
	}

	gaps, days := facultyGaps(s)
	q.GapPenalty = gaps
	q.Compactness = 1
	if days > 0 {
		q.Compactness = 1 / (1 + gaps/float64(days))
	}
	q.WorkloadBalance = workloadBalance(s)
	q.RoomUtilization = roomUtilization(s)
	return q
}

// facultyGaps sums the idle periods between a faculty member's first and
// last session of each day and returns it with the number of teaching days.
func facultyGaps(s *models.Schedule) (float64, int) {
	e := s.Entities()
	type facultyDay struct {
		faculty string
		day     int
	}
	periods := make(map[facultyDay][]int)
	for key, p := range s.Assignments() {
		course, _ := e.Course(key.CourseID)
		slot, _ := e.Slot(p.SlotID)
		fd := facultyDay{course.FacultyID, slot.Day}
		periods[fd] = append(periods[fd], slot.Period)
	}
	var penalty float64
	for _, times := range periods {
		if len(times) <= 1 {
			continue
		}
		sort.Ints(times)
		for i := 0; i < len(times)-1; i++ {
			if diff := times[i+1] - times[i]; diff > 1 {
				penalty += float64(diff - 1)
			}
		}
	}
	return penalty, len(periods)
}

// workloadBalance is one minus the coefficient of variation of faculty
// loads, floored at zero.
func workloadBalance(s *models.Schedule) float64 {
	list := s.Entities().FacultyList()
	if len(list) == 0 {
		return 1
	}
	mean := 0.0
	for _, f := range list {
		mean += float64(s.FacultyLoad(f.ID))
	}
	mean /= float64(len(list))
	if mean == 0 {
		return 1
	}
	variance := 0.0
	for _, f := range list {
		d := float64(s.FacultyLoad(f.ID)) - mean
		variance += d * d
	}
	cv := math.Sqrt(variance/float64(len(list))) / mean
	return math.Max(0, 1-cv)
}

// roomUtilization averages enrollment over room capacity across placed sessions.
func roomUtilization(s *models.Schedule) float64 {
	e := s.Entities()
	assignments := s.Assignments()
	if len(assignments) == 0 {
		return 0
	}
	total := 0.0
	for key, p := range assignments {
		room, _ := e.Room(p.RoomID)
		if room.Capacity <= 0 {
			continue
		}
		total += math.Min(1, float64(e.Enrollment(key.CourseID))/float64(room.Capacity))
	}
	return total / float64(len(assignments))
}
