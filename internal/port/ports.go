// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the aggregation
// services from the concrete document store and notification transport.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
)

// ErrSkipWrite may be returned by a TxFunc to end a transaction without writing.
var ErrSkipWrite = errors.New("skip write")

// TxFunc computes the next value of a document from its current raw value
// (nil when absent). It may run more than once and must not call the store.
type TxFunc func(current json.RawMessage) (any, error)

// DocumentStore is the hierarchical document store holding source records
// and aggregates. Absence is never an error: Get reports found=false and
// ListChildren returns an empty slice.
type DocumentStore interface {
	Get(ctx context.Context, path string, dst any) (bool, error)
	Set(ctx context.Context, path string, value any) error
	// Update shallow-merges fields into the document at path.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the document and everything below it.
	Delete(ctx context.Context, path string) error
	ListChildren(ctx context.Context, path string) ([]string, error)
	// Transact performs an atomic read-modify-write of one document.
	Transact(ctx context.Context, path string, fn TxFunc) error
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Unlocker releases a lock obtained from a RunLocker.
type Unlocker interface {
	Release(ctx context.Context) error
}

// RunLocker prevents two scheduled runs of the same job from overlapping.
// Obtain returns *domain.ErrLocked when the lock is held elsewhere.
type RunLocker interface {
	Obtain(ctx context.Context, name string, ttl time.Duration) (Unlocker, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	// SetIfAbsent stores value unless key is live; it reports whether it stored.
	SetIfAbsent(key string, value T) bool
}
