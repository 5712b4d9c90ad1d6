package repository

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/timetable-engine/internal/models"
)

// DatasetFileRepository serves records from a YAML fixture, for local runs
// without a database.
type DatasetFileRepository struct {
	path string
}

// NewDatasetFileRepository constructs the repository for the given file.
func NewDatasetFileRepository(path string) *DatasetFileRepository {
	return &DatasetFileRepository{path: path}
}

// Load reads the file on every call and filters courses by department and batch.
func (r *DatasetFileRepository) Load(ctx context.Context, scope models.EntityScope) (*models.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", r.path, err)
	}
	var dataset models.Dataset
	if err := yaml.Unmarshal(raw, &dataset); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", r.path, err)
	}
	return dataset.Filter(scope.DepartmentID, scope.BatchIDs), nil
}
