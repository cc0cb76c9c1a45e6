package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/logger"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection and waits for the server to accept it
func NewDB(ctx context.Context, databaseURL string, log *logger.Logger) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("database not ready", logger.Int("attempt", int(n)+1), logger.Error(err))
		}),
	)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}
	return &DB{db}, nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "applying schema")
}

// PostgresStore implements Store on Postgres
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a store on an open database
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const uniqueViolation = "23505"

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Wrap(ErrConflict, pqErr.Message)
	}
	return errors.WithStack(err)
}

func toJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

func fromJSON(s string, v interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	return errors.WithStack(json.Unmarshal([]byte(s), v))
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
