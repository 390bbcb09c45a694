package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is what Memory stores per key.
type Object struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
	Digest          string
}

// Memory is an in-process Sinkr with the same create-only semantics as Sink.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	writes  int
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Write(ctx context.Context, req WriteRequest) (Status, error) {
	if req.Key == "" {
		return 0, fmt.Errorf("empty key")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if cur, ok := m.objects[req.Key]; ok {
		if cur.Digest == req.Digest {
			return StatusIdentical, nil
		}
		return 0, &ConflictError{Key: req.Key, Digest: req.Digest, ExistingDigest: cur.Digest}
	}

	m.objects[req.Key] = Object{
		Data:            append([]byte(nil), req.Data...),
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
		Metadata:        withDigest(req.Metadata, req.Digest),
		Digest:          req.Digest,
	}
	return StatusCreated, nil
}

// Get returns the object stored at key.
func (m *Memory) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Writes returns the number of Write calls that reached the store.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
