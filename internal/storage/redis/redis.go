package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "sessionclient:"

type Redis struct {
	log    *slog.Logger
	db     redis.UniversalClient
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func New(log *slog.Logger, db redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{log: log, db: db, prefix: prefix}
}

func NewWithOptions(log *slog.Logger, opt RedisOptions) (*Redis, error) {
	db := redis.NewClient(&redis.Options{Addr: opt.Addr, Password: opt.Password, DB: opt.DB})

	_, err := db.Ping(context.Background()).Result()
	if err != nil {
		return nil, fmt.Errorf("can't ping Redis DB: %w", storage.ErrNoConnection)
	}
	return New(log, db, opt.Prefix), nil
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	const op = "redis.Get"
	log := r.log.With(slog.String("op", op))

	value, err := r.db.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		log.Error("can't read value", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, storage.ErrInternal)
	}
	return value, nil
}

// Set writes with no expiry. Redis must run with persistence enabled for the
// pair to survive a restart.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	const op = "redis.Set"
	log := r.log.With(slog.String("op", op))

	if err := r.db.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		log.Error("can't write value", sl.Err(err))
		return fmt.Errorf("%s: %w", op, storage.ErrInternal)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	const op = "redis.Delete"
	log := r.log.With(slog.String("op", op))

	if err := r.db.Del(ctx, r.key(key)).Err(); err != nil {
		log.Error("can't delete value", sl.Err(err))
		return fmt.Errorf("%s: %w", op, storage.ErrInternal)
	}
	return nil
}

// Swap runs under WATCH, so a write to the key by anyone else between the
// read and EXEC aborts it as a conflict.
func (r *Redis) Swap(ctx context.Context, key string, old, value []byte) error {
	const op = "redis.Swap"
	log := r.log.With(slog.String("op", op))

	k := r.key(key)
	err := r.db.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrConflict
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, old) {
			return storage.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, 0)
			return nil
		})
		return err
	}, k)

	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	case err != nil:
		log.Error("can't swap value", sl.Err(err))
		return fmt.Errorf("%s: %w", op, storage.ErrInternal)
	}
	return nil
}
