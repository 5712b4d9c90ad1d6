package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/timetable-engine/internal/engine/repair"
)

type qtableRow struct {
	Scope     string         `db:"scope"`
	Version   int64          `db:"version"`
	Values    types.JSONText `db:"q_values"`
	Updates   int64          `db:"updates"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// QTableRepository persists repair Q-tables in PostgreSQL with optimistic
// versioning.
type QTableRepository struct {
	db *sqlx.DB
}

// NewQTableRepository constructs the repository.
func NewQTableRepository(db *sqlx.DB) *QTableRepository {
	return &QTableRepository{db: db}
}

// Load returns the stored table for the scope or an empty table at version 0.
func (r *QTableRepository) Load(ctx context.Context, scope string) (*repair.QTable, error) {
	const query = `SELECT scope, version, q_values, updates, updated_at FROM repair_qtables WHERE scope = $1`
	var row qtableRow
	if err := r.db.GetContext(ctx, &row, query, repair.NormalizeScope(scope)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repair.NewQTable(), nil
		}
		return nil, fmt.Errorf("load q-table %s: %w", scope, err)
	}
	table := repair.NewQTable()
	if len(row.Values) > 0 {
		if err := json.Unmarshal(row.Values, &table.Values); err != nil {
			return nil, fmt.Errorf("decode q-table %s: %w", scope, err)
		}
	}
	table.Version = row.Version
	table.Updates = row.Updates
	table.UpdatedAt = row.UpdatedAt
	return table, nil
}

// Save writes the table if the stored version still matches and bumps the
// version on success.
func (r *QTableRepository) Save(ctx context.Context, scope string, table *repair.QTable) error {
	if table == nil {
		return fmt.Errorf("save q-table: nil table")
	}
	payload, err := json.Marshal(table.Values)
	if err != nil {
		return fmt.Errorf("encode q-table %s: %w", scope, err)
	}
	row := qtableRow{
		Scope:     repair.NormalizeScope(scope),
		Version:   table.Version,
		Values:    types.JSONText(payload),
		Updates:   table.Updates,
		UpdatedAt: time.Now().UTC(),
	}

	var query string
	if table.Version == 0 {
		query = `INSERT INTO repair_qtables (scope, version, q_values, updates, updated_at)
			VALUES (:scope, 1, :q_values, :updates, :updated_at)
			ON CONFLICT (scope) DO NOTHING`
	} else {
		query = `UPDATE repair_qtables
			SET version = version + 1, q_values = :q_values, updates = :updates, updated_at = :updated_at
			WHERE scope = :scope AND version = :version`
	}
	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("save q-table %s: %w", row.Scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save q-table %s: %w", row.Scope, err)
	}
	if affected == 0 {
		return fmt.Errorf("save q-table %s at version %d: %w", row.Scope, table.Version, repair.ErrVersionConflict)
	}
	table.Version++
	table.UpdatedAt = row.UpdatedAt
	return nil
}
