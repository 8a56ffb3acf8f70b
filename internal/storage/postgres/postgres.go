package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/storage"
	_ "github.com/lib/pq"
)

type Postgres struct {
	log *slog.Logger
	db  *sql.DB
}

type ConnectOptions struct {
	Host     string
	Port     string
	User     string
	Password string
	DBname   string
}

const kvTable = "session_kv"

func New(log *slog.Logger, db *sql.DB) *Postgres {
	return &Postgres{log, db}
}

func NewWithOptions(log *slog.Logger, opt ConnectOptions) (*Postgres, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		opt.Host,
		opt.Port,
		opt.User,
		opt.Password,
		opt.DBname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("can't open Postgres DB: %w", storage.ErrNoConnection)
	}

	err = db.Ping()
	if err != nil {
		return nil, fmt.Errorf("can't ping Postgres DB: %w", storage.ErrNoConnection)
	}

	return &Postgres{log: log, db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const op = "postgres.EnsureSchema"
	log := p.log.With(slog.String("op", op))

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, kvTable)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		log.Error("can't create table", sl.Err(err))
		return fmt.Errorf("%s: %w", op, storage.ErrInternal)
	}
	return nil
}

type txKey struct{}

func injectTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (p *Postgres) extractTx(ctx context.Context) (tx *sql.Tx, closeTx func(err error), err error) {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx, func(err error) {}, nil
	}

	tx, err = p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return tx, func(err error) {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			errRollback := tx.Rollback()
			if errRollback != nil {
				p.log.Error("error according rollback transaction in DB", sl.Err(errRollback))
			}
			return
		}
		errCommit := tx.Commit()
		if errCommit != nil {
			p.log.Error("error according commit transaction in DB", sl.Err(errCommit))
		}
	}, nil
}

func (p *Postgres) WithTx(ctx context.Context, tFunc func(ctx context.Context) error) error {
	op := "postgres.WithTx"
	log := p.log.With(slog.String("op", op))

	tx, beginError := p.db.BeginTx(ctx, nil)
	if beginError != nil {
		log.Error("error with Start transaction", sl.Err(beginError))
		return storage.ErrInternal
	}

	ctxTx := injectTx(ctx, tx)

	fnError := tFunc(ctxTx)

	if fnError != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Error("error with Rollback transaction", sl.Err(rollbackErr))
			return storage.ErrInternal
		}
		return fnError
	}

	if commitError := tx.Commit(); commitError != nil {
		log.Error("error with Commit transaction", sl.Err(commitError))
		return storage.ErrInternal
	}

	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	const op = "postgres.Get"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return nil, storage.ErrInternal
	}

	var value []byte

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", kvTable)
	row := tx.QueryRowContext(ctx, query, key)
	err = row.Scan(&value)
	closeTx(err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		log.Error("can't read value", sl.Err(err))
		return nil, storage.ErrInternal
	}

	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	const op = "postgres.Set"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	query := fmt.Sprintf("INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()", kvTable)
	_, err = tx.ExecContext(ctx, query, key, value)
	closeTx(err)

	if err != nil {
		log.Error("can't write value", sl.Err(err))
		return storage.ErrInternal
	}

	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	const op = "postgres.Delete"
	log := p.log.With(slog.String("op", op))

	tx, closeTx, err := p.extractTx(ctx)
	if err != nil {
		log.Error("can't begin transaction", sl.Err(err))
		return storage.ErrInternal
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", kvTable)
	_, err = tx.ExecContext(ctx, query, key)
	closeTx(err)

	if err != nil {
		log.Error("can't delete value", sl.Err(err))
		return storage.ErrInternal
	}

	return nil
}

// Swap locks the row, compares it with old and upserts value in the same
// transaction.
func (p *Postgres) Swap(ctx context.Context, key string, old, value []byte) error {
	const op = "postgres.Swap"
	log := p.log.With(slog.String("op", op))

	return p.WithTx(ctx, func(ctx context.Context) error {
		tx, closeTx, err := p.extractTx(ctx)
		if err != nil {
			log.Error("can't begin transaction", sl.Err(err))
			return storage.ErrInternal
		}

		var current []byte

		query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1 FOR UPDATE", kvTable)
		err = tx.QueryRowContext(ctx, query, key).Scan(&current)
		closeTx(err)

		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrConflict
		}
		if err != nil {
			log.Error("can't lock value", sl.Err(err))
			return storage.ErrInternal
		}
		if !bytes.Equal(current, old) {
			return storage.ErrConflict
		}

		return p.Set(ctx, key, value)
	})
}
