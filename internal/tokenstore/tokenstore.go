// Package tokenstore holds the current token pair and writes it through to a
// durable key-value backend. Both halves of a pair live in one encoded value
// under one key, so a reader can never observe halves from different rotations.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/storage"
)

const DefaultKey = "session"

var (
	ErrIncompletePair = errors.New("token pair must have both access and refresh token")
	ErrStaleRotation  = errors.New("session changed since rotation started")
)

type Store struct {
	log *slog.Logger
	kv  storage.KV
	key string

	mux  sync.Mutex
	pair domain.TokenPair
	gen  uint64
	// raw is the value last read from or written to kv.
	raw []byte
}

func New(log *slog.Logger, kv storage.KV, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{log: log, kv: kv, key: key}
}

func (s *Store) Get() domain.TokenPair {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.pair
}

// Generation changes on every Set, Rotate, Clear and Load.
func (s *Store) Generation() uint64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.gen
}

// Snapshot returns the pair together with the generation it belongs to.
func (s *Store) Snapshot() (domain.TokenPair, uint64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.pair, s.gen
}

func (s *Store) Set(ctx context.Context, pair domain.TokenPair) error {
	const op = "tokenstore.Set"

	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.write(ctx, pair); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Rotate replaces the pair only if nothing else touched the store since gen
// was observed. The durable write is a compare-and-swap against the value
// this store last saw, so a rotation made by another process sharing the
// backend wins: its pair is adopted and ErrStaleRotation is returned.
func (s *Store) Rotate(ctx context.Context, gen uint64, pair domain.TokenPair) error {
	const op = "tokenstore.Rotate"
	log := s.log.With(slog.String("op", op))

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.gen != gen {
		log.Info("discarding rotated pair", slog.Uint64("expected", gen), slog.Uint64("current", s.gen))
		return fmt.Errorf("%s: %w", op, ErrStaleRotation)
	}
	if pair.IsEmpty() {
		return fmt.Errorf("%s: %w", op, ErrIncompletePair)
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.kv.Swap(ctx, s.key, s.raw, raw)
	if errors.Is(err, storage.ErrConflict) {
		log.Info("persisted pair changed elsewhere, adopting it")
		if _, err := s.load(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, ErrStaleRotation)
	}
	if err != nil {
		log.Error("can't persist rotated pair", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.pair, s.raw = pair, raw
	s.gen++
	return nil
}

// Clear reports whether a pair was actually removed. Memory is emptied even
// when the backend delete fails.
func (s *Store) Clear(ctx context.Context) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.clear(ctx)
}

// ClearIf clears only the session that gen was observed on.
func (s *Store) ClearIf(ctx context.Context, gen uint64) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.gen != gen {
		return false, nil
	}
	return s.clear(ctx)
}

// clear expects s.mux to be held.
func (s *Store) clear(ctx context.Context) (bool, error) {
	const op = "tokenstore.Clear"
	log := s.log.With(slog.String("op", op))

	cleared := !s.pair.IsEmpty()
	s.pair, s.raw = domain.TokenPair{}, nil
	s.gen++

	if err := s.kv.Delete(ctx, s.key); err != nil {
		log.Error("can't delete persisted pair", sl.Err(err))
		return cleared, fmt.Errorf("%s: %w", op, err)
	}
	return cleared, nil
}

// Load replaces the in-memory pair with the persisted one.
func (s *Store) Load(ctx context.Context) (domain.TokenPair, error) {
	const op = "tokenstore.Load"

	s.mux.Lock()
	defer s.mux.Unlock()

	pair, err := s.load(ctx)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	return pair, nil
}

// load expects s.mux to be held.
func (s *Store) load(ctx context.Context) (domain.TokenPair, error) {
	log := s.log.With(slog.String("op", "tokenstore.load"))

	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		s.pair, s.raw = domain.TokenPair{}, nil
		s.gen++
		return s.pair, nil
	}
	if err != nil {
		return domain.TokenPair{}, err
	}

	var pair domain.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil || pair.IsEmpty() {
		log.Warn("persisted pair is unreadable, dropping it")
		if err := s.kv.Delete(ctx, s.key); err != nil {
			log.Error("can't delete unreadable pair", sl.Err(err))
		}
		pair, raw = domain.TokenPair{}, nil
	}

	s.pair, s.raw = pair, raw
	s.gen++
	return pair, nil
}

// write expects s.mux to be held.
func (s *Store) write(ctx context.Context, pair domain.TokenPair) error {
	if pair.IsEmpty() {
		return ErrIncompletePair
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		s.log.Error("can't persist pair", slog.String("op", "tokenstore.write"), sl.Err(err))
		return err
	}
	s.pair, s.raw = pair, raw
	s.gen++
	return nil
}
