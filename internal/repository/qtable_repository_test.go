package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-engine/internal/engine/repair"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

const selectQTable = "SELECT scope, version, q_values, updates, updated_at FROM repair_qtables WHERE scope = $1"

func TestQTableRepositoryLoadMissingReturnsEmpty(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewQTableRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(selectQTable)).
		WithArgs("science").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "version", "q_values", "updates", "updated_at"}))

	table, err := repo.Load(context.Background(), " Science ")
	require.NoError(t, err)
	assert.Zero(t, table.Version)
	assert.Empty(t, table.Values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQTableRepositoryLoadDecodesValues(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewQTableRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"scope", "version", "q_values", "updates", "updated_at"}).
		AddRow("default", 3, `{"room|low|morning":[0.5,1,0,0]}`, 42, now)
	mock.ExpectQuery(regexp.QuoteMeta(selectQTable)).WithArgs("default").WillReturnRows(rows)

	table, err := repo.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), table.Version)
	assert.Equal(t, int64(42), table.Updates)
	state := repair.State{Conflict: repair.ConflictRoom, Load: repair.LoadLow, Density: repair.DensityMorning}
	assert.InDelta(t, 1.0, table.Value(state, repair.ActionRelocateBlocker), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQTableRepositorySaveInsertsThenUpdates(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewQTableRepository(db)

	table := repair.NewQTable()
	table.Update(repair.State{Conflict: repair.ConflictFaculty, Load: repair.LoadHigh, Density: repair.DensityEvening}, repair.ActionSwapSlots, 1, 0, 1, 0)

	mock.ExpectExec("INSERT INTO repair_qtables").
		WithArgs("default", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Save(context.Background(), "default", table))
	assert.Equal(t, int64(1), table.Version)

	mock.ExpectExec("UPDATE repair_qtables").
		WithArgs(sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), "default", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Save(context.Background(), "default", table))
	assert.Equal(t, int64(2), table.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQTableRepositorySaveDetectsStaleVersion(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()
	repo := NewQTableRepository(db)

	table := repair.NewQTable()
	table.Version = 4
	mock.ExpectExec("UPDATE repair_qtables").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Save(context.Background(), "default", table)
	require.ErrorIs(t, err, repair.ErrVersionConflict)
	assert.Equal(t, int64(4), table.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
