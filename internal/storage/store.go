package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
	"factorywatch/internal/source"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	ErrInvalidTable      = errors.New("invalid table name")
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the SQL rendition of the document collection: one row per
// document with the canonical columns.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Table() string
	Insert(ctx context.Context, records ...model.RawRecord) error
	Delete(ctx context.Context, ids ...string) error
	Query(ctx context.Context, q source.Query) ([]model.RawRecord, error)
}

func NewStore(cfg config.SQLConfig, table string) (Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN, table)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN, table)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

type dialect struct {
	schema      []string
	upsert      string
	tsColumn    string
	orderTie    string
	placeholder func(n int) string
	encodeTime  func(time.Time) any
}

type baseStore struct {
	db    *sql.DB
	table string
	d     dialect
	opts  normalize.Options
}

func (b *baseStore) Table() string {
	return b.table
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Insert(ctx context.Context, records ...model.RawRecord) error {
	if b.db == nil || len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.d.upsert)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		ev := normalize.Record(rec, b.opts)
		label := 0
		if ev.IsAnomalous {
			label = 1
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.SensorID, b.d.encodeTime(ev.ObservedAt), ev.Value, label); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (b *baseStore) Delete(ctx context.Context, ids ...string) error {
	if b.db == nil || len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	marks := make([]string, 0, len(ids))
	for i, id := range ids {
		args = append(args, id)
		marks = append(marks, b.d.placeholder(i+1))
	}
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, b.table, strings.Join(marks, ", ")), args...)
	return err
}

func (b *baseStore) buildQuery(q source.Query) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, 3)
	fmt.Fprintf(&sb, `SELECT id, sensor_id, %s, sensor_value, target_value FROM %s`, b.d.tsColumn, b.table)
	where := make([]string, 0, 2)
	if q.Anomalous != nil {
		label := 0
		if *q.Anomalous {
			label = 1
		}
		args = append(args, label)
		where = append(where, "target_value = "+b.d.placeholder(len(args)))
	}
	if !q.After.IsZero() {
		args = append(args, b.d.encodeTime(q.After))
		where = append(where, b.d.tsColumn+" > "+b.d.placeholder(len(args)))
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&sb, " ORDER BY %s DESC, %s DESC", b.d.tsColumn, b.d.orderTie)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT " + b.d.placeholder(len(args)))
	}
	return sb.String(), args
}

func (b *baseStore) Query(ctx context.Context, q source.Query) ([]model.RawRecord, error) {
	if q.Collection != "" && q.Collection != b.table {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownCollection, q.Collection)
	}
	query, args := b.buildQuery(q)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RawRecord, 0)
	for rows.Next() {
		var (
			id, sensor string
			ts         any
			value      float64
			label      int64
		)
		if err := rows.Scan(&id, &sensor, &ts, &value, &label); err != nil {
			return nil, err
		}
		observed, _ := normalize.Time(ts, time.UTC)
		out = append(out, model.RawRecord{ID: id, Fields: map[string]any{
			"sensor_id":    sensor,
			"timestamp":    observed.UTC(),
			"sensor_value": value,
			"target_value": label,
		}})
	}
	return out, rows.Err()
}

func questionMark(int) string {
	return "?"
}

func dollar(n int) string {
	return fmt.Sprintf("$%d", n)
}
