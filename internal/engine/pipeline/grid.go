package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/noah-isme/timetable-engine/internal/models"
)

const clockLayout = "15:04"

// GridConfig describes a weekly grid. Days use 1 for Monday through 7 for
// Sunday. Slots overlapping the lunch window are pushed past it.
type GridConfig struct {
	WorkingDays  []int
	SlotsPerDay  int
	SlotDuration time.Duration
	DayStart     string
	LunchStart   string
	LunchEnd     string
}

// DefaultGridConfig is a Monday to Friday grid of eight one hour slots
// starting 08:00 with lunch at 12:00.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		WorkingDays:  []int{1, 2, 3, 4, 5},
		SlotsPerDay:  8,
		SlotDuration: time.Hour,
		DayStart:     "08:00",
		LunchStart:   "12:00",
		LunchEnd:     "13:00",
	}
}

// BuildGrid expands the configuration into time slots ordered by day and
// period, with ids of the form D1-P0.
func BuildGrid(cfg GridConfig) ([]models.TimeSlot, error) {
	days := normalizeDays(cfg.WorkingDays)
	if len(days) == 0 {
		return nil, fmt.Errorf("grid: at least one working day between 1 and 7 is required")
	}
	if cfg.SlotsPerDay <= 0 {
		return nil, fmt.Errorf("grid: slots per day must be positive")
	}
	if cfg.SlotDuration <= 0 {
		return nil, fmt.Errorf("grid: slot duration must be positive")
	}
	start, err := parseClock(cfg.DayStart, "day start")
	if err != nil {
		return nil, err
	}
	var lunchStart, lunchEnd time.Duration
	hasLunch := cfg.LunchStart != "" || cfg.LunchEnd != ""
	if hasLunch {
		if lunchStart, err = parseClock(cfg.LunchStart, "lunch start"); err != nil {
			return nil, err
		}
		if lunchEnd, err = parseClock(cfg.LunchEnd, "lunch end"); err != nil {
			return nil, err
		}
		if lunchEnd <= lunchStart {
			return nil, fmt.Errorf("grid: lunch window must end after it starts")
		}
	}

	slots := make([]models.TimeSlot, 0, len(days)*cfg.SlotsPerDay)
	for _, day := range days {
		cursor := start
		for period := 0; period < cfg.SlotsPerDay; period++ {
			end := cursor + cfg.SlotDuration
			if hasLunch && cursor < lunchEnd && end > lunchStart {
				cursor = lunchEnd
				end = cursor + cfg.SlotDuration
			}
			if end > 24*time.Hour {
				return nil, fmt.Errorf("grid: day %d runs past midnight at period %d", day, period)
			}
			slots = append(slots, models.TimeSlot{
				ID:     fmt.Sprintf("D%d-P%d", day, period),
				Day:    day,
				Period: period,
				Start:  formatClock(cursor),
				End:    formatClock(end),
			})
			cursor = end
		}
	}
	return slots, nil
}

func normalizeDays(days []int) []int {
	unique := make(map[int]struct{})
	for _, day := range days {
		if day < 1 || day > 7 {
			continue
		}
		unique[day] = struct{}{}
	}
	result := make([]int, 0, len(unique))
	for day := range unique {
		result = append(result, day)
	}
	sort.Ints(result)
	return result
}

func parseClock(value, field string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, value)
	if err != nil {
		return 0, fmt.Errorf("grid: invalid %s %q: %w", field, value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
