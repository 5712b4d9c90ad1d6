package models

import (
	"sort"

	"github.com/samber/lo"
)

// SubjectType classifies a course within the curriculum.
type SubjectType string

const (
	SubjectTypeCore     SubjectType = "core"
	SubjectTypeElective SubjectType = "elective"
	SubjectTypeOpen     SubjectType = "open"
)

// Course is a unit of teaching that needs Sessions weekly placements.
type Course struct {
	ID               string      `json:"id" yaml:"id"`
	Code             string      `json:"code" yaml:"code"`
	Department       string      `json:"department" yaml:"department"`
	FacultyID        string      `json:"faculty_id" yaml:"faculty_id"`
	StudentIDs       []string    `json:"student_ids" yaml:"student_ids"`
	BatchIDs         []string    `json:"batch_ids" yaml:"batch_ids"`
	Sessions         int         `json:"sessions" yaml:"sessions"`
	Credits          float64     `json:"credits" yaml:"credits"`
	RequiredFeatures []string    `json:"required_features" yaml:"required_features"`
	SubjectType      SubjectType `json:"subject_type" yaml:"subject_type"`
}

// Faculty is a teaching staff member with availability and preferences.
// An empty AvailableSlots set means the faculty can teach in every slot and
// MaxWeeklySessions of zero means no weekly cap.
type Faculty struct {
	ID                string             `json:"id" yaml:"id"`
	Department        string             `json:"department" yaml:"department"`
	MaxWeeklySessions int                `json:"max_weekly_sessions" yaml:"max_weekly_sessions"`
	AvailableSlots    []string           `json:"available_slots" yaml:"available_slots"`
	Preferences       map[string]float64 `json:"preferences" yaml:"preferences"`
}

// Room is a teaching space. Department restricts usage when non-empty.
type Room struct {
	ID         string   `json:"id" yaml:"id"`
	Capacity   int      `json:"capacity" yaml:"capacity"`
	Features   []string `json:"features" yaml:"features"`
	Department string   `json:"department" yaml:"department"`
}

// TimeSlot is a cell of the global weekly grid shared by all departments.
type TimeSlot struct {
	ID     string `json:"id" yaml:"id"`
	Day    int    `json:"day" yaml:"day"`
	Period int    `json:"period" yaml:"period"`
	Start  string `json:"start" yaml:"start"`
	End    string `json:"end" yaml:"end"`
}

// Batch groups students that attend the same courses.
type Batch struct {
	ID         string   `json:"id" yaml:"id"`
	Department string   `json:"department" yaml:"department"`
	StudentIDs []string `json:"student_ids" yaml:"student_ids"`
}

type stringSet map[string]struct{}

func newStringSet(items ...[]string) stringSet {
	set := make(stringSet)
	for _, list := range items {
		for _, item := range list {
			if item == "" {
				continue
			}
			set[item] = struct{}{}
		}
	}
	return set
}

func (s stringSet) has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s stringSet) sorted() []string {
	keys := lo.Keys(s)
	sort.Strings(keys)
	return keys
}
