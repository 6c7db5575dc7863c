package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStore is an in-process Repository. It counts reads per path so callers
// can observe fetch behaviour.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]memoryObject
	reads map[string]int
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memoryObject),
		reads: make(map[string]int),
	}
}

// Put stores data at p. It is a convenience for seeding tests.
func (s *MemoryStore) Put(p string, data []byte) {
	key, err := clean(p)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryObject{data: append([]byte(nil), data...), modTime: time.Now().UTC()}
}

// ReadCount returns how many times the object at p has been opened.
func (s *MemoryStore) ReadCount(p string) int {
	key, err := clean(p)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[key]
}

func (s *MemoryStore) Exists(_ context.Context, p string) (bool, error) {
	key, err := clean(p)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryStore) Find(_ context.Context, p string) (string, error) {
	key, err := clean(p)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data[key]; ok {
		return key, nil
	}
	for stored := range s.data {
		if strings.EqualFold(stored, key) {
			return stored, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryStore) Open(_ context.Context, p string) (io.ReadCloser, Info, error) {
	key, err := clean(p)
	if err != nil {
		return nil, Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.data[key]
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	s.reads[key]++
	return io.NopCloser(bytes.NewReader(obj.data)), s.info(key, obj), nil
}

func (s *MemoryStore) Stat(_ context.Context, p string) (Info, error) {
	key, err := clean(p)
	if err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[key]
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.info(key, obj), nil
}

func (s *MemoryStore) info(key string, obj memoryObject) Info {
	return Info{
		Path:    key,
		Size:    int64(len(obj.data)),
		MD5:     MD5Hex(obj.data),
		ModTime: obj.modTime,
	}
}

func (s *MemoryStore) Write(_ context.Context, p string, r io.Reader, _ int64) error {
	key, err := clean(p)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryObject{data: data, modTime: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, p string) error {
	key, err := clean(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimLeft(strings.ReplaceAll(prefix, `\`, "/"), "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, 16)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
