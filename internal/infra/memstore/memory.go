// Package memstore provides an in-memory DocumentStore for tests and local
// development. Documents are JSON leaves addressed by slash-separated paths;
// interior nodes exist implicitly while something lives below them.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpGet      Op = "get"
	OpSet      Op = "set"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpList     Op = "list"
	OpTransact Op = "transact"
)

type fault struct {
	op   Op
	path string
	err  error
}

// Memory is a thread-safe in-memory document store.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]json.RawMessage
	faults []fault
	now    func() time.Time
	writes int
}

var _ port.DocumentStore = (*Memory)(nil)

// New creates an empty store.
func New() *Memory {
	return &Memory{
		docs: make(map[string]json.RawMessage),
		now:  time.Now,
	}
}

// InjectFault makes op fail with err for every path equal to or below path.
func (m *Memory) InjectFault(op Op, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, fault{op: op, path: clean(path), err: err})
}

// ClearFaults removes every injected fault.
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = nil
}

// Writes returns how many successful writes the store has accepted.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Paths lists every stored document path in order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for p := range m.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) faultFor(op Op, path string) error {
	for _, f := range m.faults {
		if f.op == op && (path == f.path || strings.HasPrefix(path, f.path+"/")) {
			return &domain.ErrStoreAccess{Op: string(op), Path: path, Err: f.err}
		}
	}
	return nil
}

// Get decodes the document at path into dst.
func (m *Memory) Get(_ context.Context, path string, dst any) (bool, error) {
	path = clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.faultFor(OpGet, path); err != nil {
		return false, err
	}
	raw, ok := m.docs[path]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, &domain.ErrStoreAccess{Op: string(OpGet), Path: path, Err: err}
	}
	return true, nil
}

// Set replaces the document at path.
func (m *Memory) Set(_ context.Context, path string, value any) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.faultFor(OpSet, path); err != nil {
		return err
	}
	return m.putLocked(OpSet, path, value)
}

// Update shallow-merges fields into the document at path, creating it if needed.
func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.faultFor(OpUpdate, path); err != nil {
		return err
	}
	doc := make(map[string]any)
	if raw, ok := m.docs[path]; ok {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return &domain.ErrStoreAccess{Op: string(OpUpdate), Path: path, Err: err}
		}
	}
	for k, v := range fields {
		doc[k] = v
	}
	return m.putLocked(OpUpdate, path, doc)
}

// Delete removes the document at path and everything below it.
func (m *Memory) Delete(_ context.Context, path string) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.faultFor(OpDelete, path); err != nil {
		return err
	}
	for p := range m.docs {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(m.docs, p)
		}
	}
	m.writes++
	return nil
}

// ListChildren returns the sorted names of the direct children of path.
func (m *Memory) ListChildren(_ context.Context, path string) ([]string, error) {
	path = clean(path)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.faultFor(OpList, path); err != nil {
		return nil, err
	}
	prefix := path + "/"
	seen := make(map[string]bool)
	for p := range m.docs {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			name, _, _ := strings.Cut(rest, "/")
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Transact runs fn under the store lock, so concurrent transactions on any
// path serialize.
func (m *Memory) Transact(_ context.Context, path string, fn port.TxFunc) error {
	path = clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.faultFor(OpTransact, path); err != nil {
		return err
	}
	var current json.RawMessage
	if raw, ok := m.docs[path]; ok {
		current = append(json.RawMessage(nil), raw...)
	}
	next, err := fn(current)
	if errors.Is(err, port.ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.putLocked(OpTransact, path, next)
}

func (m *Memory) putLocked(op Op, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &domain.ErrStoreAccess{Op: string(op), Path: path, Err: err}
	}
	raw, err = port.ResolveServerTimestamps(raw, m.now())
	if err != nil {
		return &domain.ErrStoreAccess{Op: string(op), Path: path, Err: err}
	}
	if bytes.Equal(raw, []byte("null")) {
		delete(m.docs, path)
	} else {
		m.docs[path] = raw
	}
	m.writes++
	return nil
}

func clean(path string) string {
	return strings.Trim(path, "/")
}
