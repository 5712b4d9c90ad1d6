package repair

import (
	"sort"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// Action is one of the local moves the agent may take on a conflict.
type Action int

const (
	ActionPlaceDirect Action = iota
	ActionRelocateBlocker
	ActionSwapSlots
	ActionRebalanceLoad
)

// Actions enumerates the action space in table column order.
var Actions = []Action{ActionPlaceDirect, ActionRelocateBlocker, ActionSwapSlots, ActionRebalanceLoad}

func (a Action) String() string {
	switch a {
	case ActionPlaceDirect:
		return "place_direct"
	case ActionRelocateBlocker:
		return "relocate_blocker"
	case ActionSwapSlots:
		return "swap_slots"
	case ActionRebalanceLoad:
		return "rebalance_load"
	default:
		return "unknown"
	}
}

const (
	maxBlockers     = 2
	swapPartnerScan = 64
	reasonEvicted   = "evicted"
)

type mover struct {
	sched   *models.Schedule
	domains *models.ValidDomain
}

func (m mover) apply(action Action, key models.SessionKey) bool {
	switch action {
	case ActionPlaceDirect:
		return m.placeDirect(key)
	case ActionRelocateBlocker:
		return m.relocate(key, m.domainOrder, true)
	case ActionSwapSlots:
		return m.swap(key)
	case ActionRebalanceLoad:
		return m.relocate(key, m.leastLoadedOrder, false)
	default:
		return false
	}
}

func (m mover) placeDirect(key models.SessionKey) bool {
	for _, p := range m.domains.For(key) {
		if m.sched.Assign(key, p) == nil {
			return true
		}
	}
	return false
}

// blockers lists the assigned sessions occupying the faculty, room or
// students the key needs at placement p.
func (m mover) blockers(key models.SessionKey, p models.Placement) []models.SessionKey {
	course, _ := m.sched.Entities().Course(key.CourseID)
	seen := make(map[models.SessionKey]bool)
	var out []models.SessionKey
	add := func(k models.SessionKey) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	if k, ok := m.sched.FacultyOccupant(course.FacultyID, p.SlotID); ok {
		add(k)
	}
	if k, ok := m.sched.RoomOccupant(p.RoomID, p.SlotID); ok {
		add(k)
	}
	for _, k := range m.sched.StudentOccupants(course.ID, p.SlotID) {
		add(k)
	}
	return out
}

func (m mover) domainOrder(candidates []models.Placement) []models.Placement {
	return candidates
}

func (m mover) leastLoadedOrder(candidates []models.Placement) []models.Placement {
	ordered := append([]models.Placement(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return m.sched.SlotLoad(ordered[i].SlotID) < m.sched.SlotLoad(ordered[j].SlotID)
	})
	return ordered
}

// relocate frees a candidate placement by moving its blockers elsewhere.
// With evict set, a single blocker that fits nowhere is dropped to the
// unscheduled list and is scored as an introduced conflict.
func (m mover) relocate(key models.SessionKey, order func([]models.Placement) []models.Placement, evict bool) bool {
	for _, p := range m.domains.For(key) {
		blockers := m.blockers(key, p)
		if len(blockers) == 0 {
			if m.sched.Assign(key, p) == nil {
				return true
			}
			continue
		}
		if len(blockers) > maxBlockers {
			continue
		}

		saved := make(map[models.SessionKey]models.Placement, len(blockers))
		for _, b := range blockers {
			saved[b], _ = m.sched.Unassign(b)
		}
		if m.sched.Assign(key, p) != nil {
			m.restore(nil, saved)
			continue
		}

		var moved []models.SessionKey
		ok := true
		for _, b := range blockers {
			if !m.placeAvoiding(b, saved[b], order) {
				ok = false
				break
			}
			moved = append(moved, b)
		}
		if ok {
			return true
		}
		if evict && len(blockers) == 1 {
			m.sched.MarkUnscheduled(blockers[0], reasonEvicted)
			return true
		}
		m.sched.Unassign(key)
		m.restore(moved, saved)
	}
	return false
}

func (m mover) placeAvoiding(key models.SessionKey, old models.Placement, order func([]models.Placement) []models.Placement) bool {
	for _, p := range order(m.domains.For(key)) {
		if p == old {
			continue
		}
		if m.sched.Assign(key, p) == nil {
			return true
		}
	}
	return false
}

// swap exchanges the slot of the single blocker at a candidate with the
// slot of another assigned session, then places the key.
func (m mover) swap(key models.SessionKey) bool {
	for _, p := range m.domains.For(key) {
		blockers := m.blockers(key, p)
		if len(blockers) != 1 {
			continue
		}
		blocker := blockers[0]
		blockerAt, _ := m.sched.Lookup(blocker)

		scanned := 0
		for _, partner := range m.sched.Keys() {
			if scanned >= swapPartnerScan {
				break
			}
			partnerAt, _ := m.sched.Lookup(partner)
			if partner == blocker || partnerAt.SlotID == blockerAt.SlotID {
				continue
			}
			scanned++

			saved := map[models.SessionKey]models.Placement{blocker: blockerAt, partner: partnerAt}
			m.sched.Unassign(blocker)
			m.sched.Unassign(partner)
			var moved []models.SessionKey
			if m.placeInSlot(blocker, partnerAt.SlotID) {
				moved = append(moved, blocker)
				if m.placeInSlot(partner, blockerAt.SlotID) {
					moved = append(moved, partner)
					if m.sched.Assign(key, p) == nil {
						return true
					}
				}
			}
			m.restore(moved, saved)
		}
	}
	return false
}

func (m mover) placeInSlot(key models.SessionKey, slotID string) bool {
	for _, p := range m.domains.For(key) {
		if p.SlotID == slotID && m.sched.Assign(key, p) == nil {
			return true
		}
	}
	return false
}

// restore undoes moves and puts the saved placements back. The saved
// placements were valid together, so re-assigning them cannot fail.
func (m mover) restore(moved []models.SessionKey, saved map[models.SessionKey]models.Placement) {
	for _, k := range moved {
		m.sched.Unassign(k)
	}
	keys := make([]models.SessionKey, 0, len(saved))
	for k := range saved {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		_ = m.sched.Assign(k, saved[k])
	}
}

// loadVariance is the variance of per-faculty session counts.
func loadVariance(sched *models.Schedule) float64 {
	list := sched.Entities().FacultyList()
	if len(list) == 0 {
		return 0
	}
	mean := 0.0
	for _, f := range list {
		mean += float64(sched.FacultyLoad(f.ID))
	}
	mean /= float64(len(list))
	variance := 0.0
	for _, f := range list {
		d := float64(sched.FacultyLoad(f.ID)) - mean
		variance += d * d
	}
	return variance / float64(len(list))
}
