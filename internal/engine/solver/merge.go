package solver

import (
	"sort"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// MergeStats counts what happened while combining partial schedules.
type MergeStats struct {
	Committed   int `json:"committed"`
	Collisions  int `json:"collisions"`
	Replaced    int `json:"replaced"`
	Unscheduled int `json:"unscheduled"`
}

// Merge commits partial schedules in cluster order into one schedule.
// Clusters share rooms and may share students or faculty across weak
// edges, so placements that collide with an earlier cluster are re-placed
// greedily; sessions that still do not fit are reported unscheduled.
func Merge(e *models.Entities, domains *models.ValidDomain, partials []Partial) (*models.Schedule, MergeStats) {
	ordered := append([]Partial(nil), partials...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ClusterID < ordered[j].ClusterID })

	global := models.NewSchedule(e)
	var stats MergeStats
	var collided []models.SessionKey
	for _, partial := range ordered {
		if partial.Schedule == nil {
			continue
		}
		for _, key := range partial.Schedule.Keys() {
			p, _ := partial.Schedule.Lookup(key)
			if err := global.Assign(key, p); err != nil {
				collided = append(collided, key)
				continue
			}
			stats.Committed++
		}
		for _, u := range partial.Schedule.Unscheduled() {
			global.MarkUnscheduled(u.Key, u.Reason)
		}
	}

	stats.Collisions = len(collided)
	if len(collided) > 0 {
		stats.Replaced = Greedy(global, domains, collided)
	}
	for _, key := range global.Missing() {
		if _, marked := global.UnscheduledReason(key); !marked {
			global.MarkUnscheduled(key, string(DominantBlocker(global, domains, key)))
		}
	}
	stats.Unscheduled = len(global.Unscheduled())
	return global, stats
}
