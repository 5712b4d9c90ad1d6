package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrVersionConflict is returned when a table is saved over a newer version.
var ErrVersionConflict = errors.New("q-table version conflict")

// QTable is the persisted action-value table. A run loads its own copy,
// updates it single-threaded and saves it back with an optimistic version
// check.
type QTable struct {
	Version   int64                `json:"version"`
	Values    map[string][]float64 `json:"values"`
	Updates   int64                `json:"updates"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewQTable returns an empty table at version zero.
func NewQTable() *QTable {
	return &QTable{Values: make(map[string][]float64)}
}

func (q *QTable) row(state State) []float64 {
	if q.Values == nil {
		q.Values = make(map[string][]float64)
	}
	key := state.Key()
	row, ok := q.Values[key]
	if !ok || len(row) != len(Actions) {
		fixed := make([]float64, len(Actions))
		copy(fixed, row)
		q.Values[key] = fixed
		row = fixed
	}
	return row
}

// Value returns Q(state, action); unseen pairs are zero.
func (q *QTable) Value(state State, action Action) float64 {
	row, ok := q.Values[state.Key()]
	if !ok || int(action) >= len(row) {
		return 0
	}
	return row[action]
}

// Best returns the highest valued action, preferring the lower index on ties.
func (q *QTable) Best(state State) (Action, float64) {
	row, ok := q.Values[state.Key()]
	best, value := Actions[0], 0.0
	if !ok {
		return best, value
	}
	for i, a := range Actions {
		if i < len(row) && (i == 0 || row[i] > value) {
			best, value = a, row[i]
		}
	}
	return best, value
}

// Update applies Q(s,a) += alpha * (reward + gamma * maxNext - Q(s,a)).
func (q *QTable) Update(state State, action Action, reward, maxNext, alpha, gamma float64) {
	row := q.row(state)
	row[action] += alpha * (reward + gamma*maxNext - row[action])
	q.Updates++
}

// Clone deep-copies the table.
func (q *QTable) Clone() *QTable {
	out := &QTable{Version: q.Version, Updates: q.Updates, UpdatedAt: q.UpdatedAt, Values: make(map[string][]float64, len(q.Values))}
	for k, v := range q.Values {
		out.Values[k] = append([]float64(nil), v...)
	}
	return out
}

// States lists the keys of every learned state in order.
func (q *QTable) States() []string {
	keys := make([]string, 0, len(q.Values))
	for k := range q.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store persists Q-tables per scope, e.g. per institution or department.
type Store interface {
	Load(ctx context.Context, scope string) (*QTable, error)
	Save(ctx context.Context, scope string, table *QTable) error
}

// MemoryStore keeps tables in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*QTable
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*QTable)}
}

// Load returns a private copy of the stored table or a new empty table.
func (m *MemoryStore) Load(_ context.Context, scope string) (*QTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table, ok := m.tables[NormalizeScope(scope)]; ok {
		return table.Clone(), nil
	}
	return NewQTable(), nil
}

// Save stores the table if nobody saved since it was loaded and bumps its
// version.
func (m *MemoryStore) Save(_ context.Context, scope string, table *QTable) error {
	if table == nil {
		return fmt.Errorf("save q-table: nil table")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scope = NormalizeScope(scope)
	var current int64
	if stored, ok := m.tables[scope]; ok {
		current = stored.Version
	}
	if current != table.Version {
		return fmt.Errorf("save q-table %s: stored version %d, table version %d: %w", scope, current, table.Version, ErrVersionConflict)
	}
	table.Version++
	table.UpdatedAt = time.Now().UTC()
	m.tables[scope] = table.Clone()
	return nil
}

// NormalizeScope is the canonical form stores key tables by.
func NormalizeScope(scope string) string {
	scope = strings.TrimSpace(strings.ToLower(scope))
	if scope == "" {
		return "default"
	}
	return scope
}
