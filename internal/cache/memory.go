package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Memory is an in-process Cache bounded by total value size.
type Memory struct {
	c *ristretto.Cache[string, []byte]
}

// NewMemory creates a cache holding at most maxBytes of values.
func NewMemory(maxBytes int64) (*Memory, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxBytes/1024*10, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return val, nil
}

// Set stores value until ttl elapses. Admission is best-effort: a value the
// cache refuses to hold simply reads back as a miss.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		m.c.Del(key)
		return nil
	}
	m.c.SetWithTTL(key, value, int64(len(value))+int64(len(key)), ttl)
	m.c.Wait()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Del(k)
	}
	return nil
}

func (m *Memory) Close() error {
	m.c.Close()
	return nil
}
