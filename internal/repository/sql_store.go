package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type stateEntryRecord struct {
	bun.BaseModel `bun:"table:resilience_state_entries,alias:rse"`

	Key         string `bun:"state_key,pk"`
	Value       []byte `bun:"value"`
	HasValue    bool   `bun:"has_value,notnull,default:false"`
	Counter     int64  `bun:"counter,notnull,default:0"`
	ExpiresAtMs int64  `bun:"expires_at_ms,notnull,default:0"`
	UpdatedAtMs int64  `bun:"updated_at_ms,notnull,default:0"`
}

type stateListItemRecord struct {
	bun.BaseModel `bun:"table:resilience_state_list_items,alias:rsl"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Key         string `bun:"state_key,notnull"`
	Value       []byte `bun:"value"`
	CreatedAtMs int64  `bun:"created_at_ms,notnull"`
}

// SQLStateStore implements domain.StateStore on SQLite or PostgreSQL through bun.
// Expiry is evaluated against millisecond timestamps; lists never expire.
type SQLStateStore struct {
	db    *bun.DB
	clock domain.Clock
	owned bool
}

// OpenSQLStateStore opens a database with the given driver and prepares the schema
func OpenSQLStateStore(ctx context.Context, driver, dsn string) (*SQLStateStore, error) {
	sqldb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	var db *bun.DB
	switch driver {
	case DriverSQLite:
		// Concurrent writers on one SQLite file or shared memory database would hit SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		_ = sqldb.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	store, err := NewSQLStateStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLStateStore wraps an existing bun database and creates the tables if needed
func NewSQLStateStore(ctx context.Context, db *bun.DB) (*SQLStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	s := &SQLStateStore{db: db, clock: domain.SystemClock{}}
	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock replaces the clock used for expiry
func (s *SQLStateStore) WithClock(clock domain.Clock) *SQLStateStore {
	s.clock = clock
	return s
}

func (s *SQLStateStore) createSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*stateEntryRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create state entries table: %w", err)
	}
	if _, err := s.db.NewCreateTable().
		Model((*stateListItemRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create state list table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*stateListItemRecord)(nil)).
		Index("resilience_state_list_items_key_idx").
		Column("state_key", "id").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create state list index: %w", err)
	}
	return nil
}

func (s *SQLStateStore) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *SQLStateStore) expiryMs(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

// purgeExpired drops an expired entry so writes start from a clean row
func (s *SQLStateStore) purgeExpired(ctx context.Context, db bun.IDB, key string) error {
	_, err := db.NewDelete().
		Model((*stateEntryRecord)(nil)).
		Where("state_key = ?", key).
		Where("expires_at_ms > 0").
		Where("expires_at_ms <= ?", s.nowMs()).
		Exec(ctx)
	return err
}

// Get returns the value under key
func (s *SQLStateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	record := &stateEntryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.state_key = ?", key).
		Where("?TableAlias.has_value = ?", true).
		Where("(?TableAlias.expires_at_ms = 0 OR ?TableAlias.expires_at_ms > ?)", s.nowMs()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, rerrors.NewStateStoreError("get", err)
	}
	return record.Value, true, nil
}

// Set stores value under key, keeping any counter on the same key
func (s *SQLStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.NewRaw(
			`INSERT INTO resilience_state_entries (state_key, value, has_value, counter, expires_at_ms, updated_at_ms)
			VALUES (?, ?, TRUE, 0, ?, ?)
			ON CONFLICT (state_key) DO UPDATE SET
				value = EXCLUDED.value,
				has_value = TRUE,
				expires_at_ms = EXCLUDED.expires_at_ms,
				updated_at_ms = EXCLUDED.updated_at_ms`,
			key, value, s.expiryMs(ttl), s.nowMs(),
		).Exec(ctx)
		return err
	})
	if err != nil {
		return rerrors.NewStateStoreError("set", err)
	}
	return nil
}

// SetNX stores value only when no live value exists
func (s *SQLStateStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		res, err := tx.NewRaw(
			`INSERT INTO resilience_state_entries (state_key, value, has_value, counter, expires_at_ms, updated_at_ms)
			VALUES (?, ?, TRUE, 0, ?, ?)
			ON CONFLICT (state_key) DO UPDATE SET
				value = EXCLUDED.value,
				has_value = TRUE,
				expires_at_ms = EXCLUDED.expires_at_ms,
				updated_at_ms = EXCLUDED.updated_at_ms
			WHERE resilience_state_entries.has_value = FALSE`,
			key, value, s.expiryMs(ttl), s.nowMs(),
		).Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stored = n > 0
		return nil
	})
	if err != nil {
		return false, rerrors.NewStateStoreError("setnx", err)
	}
	return stored, nil
}

// Incr adds delta to the counter under key in a single upsert
func (s *SQLStateStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	var counter int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.purgeExpired(ctx, tx, key); err != nil {
			return err
		}
		return tx.NewRaw(
			`INSERT INTO resilience_state_entries (state_key, has_value, counter, expires_at_ms, updated_at_ms)
			VALUES (?, FALSE, ?, 0, ?)
			ON CONFLICT (state_key) DO UPDATE SET
				counter = resilience_state_entries.counter + EXCLUDED.counter,
				updated_at_ms = EXCLUDED.updated_at_ms
			RETURNING counter`,
			key, delta, s.nowMs(),
		).Scan(ctx, &counter)
	})
	if err != nil {
		return 0, rerrors.NewStateStoreError("incr", err)
	}
	return counter, nil
}

// Counter returns the counter under key
func (s *SQLStateStore) Counter(ctx context.Context, key string) (int64, error) {
	record := &stateEntryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Column("counter").
		Where("?TableAlias.state_key = ?", key).
		Where("(?TableAlias.expires_at_ms = 0 OR ?TableAlias.expires_at_ms > ?)", s.nowMs()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, rerrors.NewStateStoreError("counter", err)
	}
	return record.Counter, nil
}

// Expire sets the remaining lifetime of key
func (s *SQLStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.NewUpdate().
		Model((*stateEntryRecord)(nil)).
		Set("expires_at_ms = ?", s.expiryMs(ttl)).
		Set("updated_at_ms = ?", s.nowMs()).
		Where("state_key = ?", key).
		Where("(expires_at_ms = 0 OR expires_at_ms > ?)", s.nowMs()).
		Exec(ctx)
	if err != nil {
		return rerrors.NewStateStoreError("expire", err)
	}
	return nil
}

// Delete removes key and its list
func (s *SQLStateStore) Delete(ctx context.Context, key string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*stateEntryRecord)(nil)).
			Where("state_key = ?", key).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*stateListItemRecord)(nil)).
			Where("state_key = ?", key).
			Exec(ctx)
		return err
	})
	if err != nil {
		return rerrors.NewStateStoreError("delete", err)
	}
	return nil
}

// ListPush appends value to the list under key
func (s *SQLStateStore) ListPush(ctx context.Context, key string, value []byte) (int64, error) {
	var length int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		item := &stateListItemRecord{Key: key, Value: value, CreatedAtMs: s.nowMs()}
		if _, err := tx.NewInsert().Model(item).Exec(ctx); err != nil {
			return err
		}
		n, err := tx.NewSelect().
			Model((*stateListItemRecord)(nil)).
			Where("?TableAlias.state_key = ?", key).
			Count(ctx)
		length = n
		return err
	})
	if err != nil {
		return 0, rerrors.NewStateStoreError("list_push", err)
	}
	return int64(length), nil
}

// ListTrim keeps the newest keep entries
func (s *SQLStateStore) ListTrim(ctx context.Context, key string, keep int) error {
	q := s.db.NewDelete().
		Model((*stateListItemRecord)(nil)).
		Where("state_key = ?", key)
	if keep > 0 {
		newest := s.db.NewSelect().
			Model((*stateListItemRecord)(nil)).
			Column("id").
			Where("state_key = ?", key).
			OrderExpr("id DESC").
			Limit(keep)
		q = q.Where("id NOT IN (?)", newest)
	}
	if _, err := q.Exec(ctx); err != nil {
		return rerrors.NewStateStoreError("list_trim", err)
	}
	return nil
}

// ListRange returns up to limit newest entries, oldest first
func (s *SQLStateStore) ListRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	var items []stateListItemRecord
	q := s.db.NewSelect().
		Model(&items).
		Where("?TableAlias.state_key = ?", key).
		OrderExpr("?TableAlias.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, rerrors.NewStateStoreError("list_range", err)
	}

	out := make([][]byte, len(items))
	for i := range items {
		out[len(items)-1-i] = items[i].Value
	}
	return out, nil
}

// Close closes the database when the store opened it
func (s *SQLStateStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
