package models

// EntityScope selects the records of one generation request.
type EntityScope struct {
	OrganizationID string
	DepartmentID   string
	BatchIDs       []string
	Semester       int
	AcademicYear   string
}

// Dataset is the raw record bundle supplied by the record store.
type Dataset struct {
	Courses   []Course   `json:"courses" yaml:"courses" validate:"required,min=1"`
	Faculty   []Faculty  `json:"faculty" yaml:"faculty" validate:"required,min=1"`
	Rooms     []Room     `json:"rooms" yaml:"rooms" validate:"required,min=1"`
	TimeSlots []TimeSlot `json:"time_slots" yaml:"time_slots"`
	Batches   []Batch    `json:"batches" yaml:"batches"`
}

// Entities validates the dataset and builds the lookup indexes.
func (d *Dataset) Entities() (*Entities, error) {
	return NewEntities(d.Courses, d.Faculty, d.Rooms, d.TimeSlots, d.Batches)
}

// Filter keeps the courses of the department that serve any of the batches.
// Empty filters match everything.
func (d *Dataset) Filter(departmentID string, batchIDs []string) *Dataset {
	wanted := newStringSet(batchIDs)
	out := &Dataset{Faculty: d.Faculty, Rooms: d.Rooms, TimeSlots: d.TimeSlots, Batches: d.Batches}
	for _, c := range d.Courses {
		if departmentID != "" && c.Department != "" && c.Department != departmentID {
			continue
		}
		if len(wanted) > 0 && !anyIn(wanted, c.BatchIDs) {
			continue
		}
		out.Courses = append(out.Courses, c)
	}
	return out
}

func anyIn(set stringSet, items []string) bool {
	for _, item := range items {
		if set.has(item) {
			return true
		}
	}
	return false
}
