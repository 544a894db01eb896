package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"factorywatch/internal/normalize"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn, table string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/factorywatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresStore(db, table), nil
}

func newPostgresStore(db *sql.DB, table string) *postgresStore {
	return &postgresStore{baseStore{db: db, table: table, d: postgresDialect(table), opts: normalize.Options{DefaultSensorID: "unknown"}}}
}

func postgresDialect(table string) dialect {
	return dialect{
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL,
				id TEXT PRIMARY KEY,
				sensor_id TEXT NOT NULL,
				ts TIMESTAMPTZ NOT NULL,
				sensor_value DOUBLE PRECISION NOT NULL,
				target_value SMALLINT NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_target_ts ON %s(target_value, ts)`, table, table),
		},
		upsert: fmt.Sprintf(`INSERT INTO %s (id, sensor_id, ts, sensor_value, target_value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET sensor_id = EXCLUDED.sensor_id, ts = EXCLUDED.ts,
			sensor_value = EXCLUDED.sensor_value, target_value = EXCLUDED.target_value`, table),
		tsColumn:    "ts",
		orderTie:    "seq",
		placeholder: dollar,
		encodeTime:  func(t time.Time) any { return t.UTC() },
	}
}
