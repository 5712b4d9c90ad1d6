package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/timetable-engine/internal/engine/repair"
)

// QTableCacheRepository keeps Q-tables in Redis. Saves run in a WATCH
// transaction so a concurrent writer turns into repair.ErrVersionConflict.
type QTableCacheRepository struct {
	cache *CacheRepository
}

// NewQTableCacheRepository constructs the store on top of the cache helper.
func NewQTableCacheRepository(cache *CacheRepository) *QTableCacheRepository {
	return &QTableCacheRepository{cache: cache}
}

func (r *QTableCacheRepository) key(scope string) string {
	return r.cache.Key("qtable", repair.NormalizeScope(scope))
}

// Load returns the stored table or an empty one.
func (r *QTableCacheRepository) Load(ctx context.Context, scope string) (*repair.QTable, error) {
	if !r.cache.Enabled() {
		return nil, fmt.Errorf("load q-table %s: redis is not configured", scope)
	}
	raw, err := r.cache.client.Get(ctx, r.key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return repair.NewQTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load q-table %s: %w", scope, err)
	}
	return decodeQTable(raw)
}

// Save writes the table when the stored version equals table.Version.
func (r *QTableCacheRepository) Save(ctx context.Context, scope string, table *repair.QTable) error {
	if table == nil {
		return fmt.Errorf("save q-table: nil table")
	}
	if !r.cache.Enabled() {
		return fmt.Errorf("save q-table %s: redis is not configured", scope)
	}
	key := r.key(scope)
	next := table.Clone()
	next.Version = table.Version + 1
	next.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode q-table %s: %w", scope, err)
	}

	err = r.cache.client.Watch(ctx, func(tx *redis.Tx) error {
		current := int64(0)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			stored, derr := decodeQTable(raw)
			if derr != nil {
				return derr
			}
			current = stored.Version
		}
		if current != table.Version {
			return repair.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = repair.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("save q-table %s at version %d: %w", scope, table.Version, err)
	}
	table.Version = next.Version
	table.UpdatedAt = next.UpdatedAt
	return nil
}

func decodeQTable(raw []byte) (*repair.QTable, error) {
	table := repair.NewQTable()
	if err := json.Unmarshal(raw, table); err != nil {
		return nil, fmt.Errorf("decode q-table: %w", err)
	}
	return table, nil
}
