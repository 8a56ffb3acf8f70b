package inmemory

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/alexandernizov/sessionclient/internal/storage"
)

type Inmemory struct {
	log *slog.Logger

	mux    sync.RWMutex
	values map[string][]byte
}

func New(log *slog.Logger) *Inmemory {
	return &Inmemory{log: log, values: make(map[string][]byte)}
}

func (i *Inmemory) Get(ctx context.Context, key string) ([]byte, error) {
	i.mux.RLock()
	defer i.mux.RUnlock()

	value, ok := i.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	res := make([]byte, len(value))
	copy(res, value)
	return res, nil
}

func (i *Inmemory) Set(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	i.mux.Lock()
	i.values[key] = stored
	i.mux.Unlock()
	return nil
}

func (i *Inmemory) Delete(ctx context.Context, key string) error {
	i.mux.Lock()
	delete(i.values, key)
	i.mux.Unlock()
	return nil
}

func (i *Inmemory) Swap(ctx context.Context, key string, old, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	i.mux.Lock()
	defer i.mux.Unlock()

	current, ok := i.values[key]
	if !ok || !bytes.Equal(current, old) {
		return storage.ErrConflict
	}
	i.values[key] = stored
	return nil
}
