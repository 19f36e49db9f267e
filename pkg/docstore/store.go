// Package docstore defines the document store used as the primary alert
// channel and as the source of live group configuration.
//
// Documents are JSON objects addressed by collection and ID. The store offers
// point reads and writes, equality queries, and live subscriptions to a
// single document or to the result set of a query. Two implementations ship
// with Guardian: [MemStore] for tests and single-node development, and the
// PostgreSQL-backed store in the postgres subpackage.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Update when the target document does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Document is a JSON object. Values follow encoding/json conventions:
// numbers are float64, nested objects are map[string]any.
type Document map[string]any

// Condition is a single equality test on a top-level field.
type Condition struct {
	Field string
	Value any
}

// Eq returns a [Condition] matching documents whose field equals v.
func Eq(field string, v any) Condition {
	return Condition{Field: field, Value: v}
}

// Filter is a conjunction of equality conditions. An empty filter matches
// every document in the collection.
type Filter []Condition

// Object renders f as a JSON object suitable for containment tests.
func (f Filter) Object() Document {
	obj := make(Document, len(f))
	for _, c := range f {
		obj[c.Field] = c.Value
	}
	return obj
}

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	ID      string
	Exists  bool
	Version int64
	Data    Document
}

// Decode unmarshals the snapshot data into v.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("docstore: decode %q: %w", s.ID, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("docstore: decode %q: %w", s.ID, err)
	}
	return nil
}

// Encode converts a JSON-serialisable value into a [Document].
func Encode(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return doc, nil
}

// DocFunc receives document snapshots from [Store.Watch]. A non-nil error
// reports a failed refresh; the subscription stays active.
type DocFunc func(Snapshot, error)

// QueryFunc receives result sets from [Store.WatchQuery].
type QueryFunc func([]Snapshot, error)

// Subscription is a live watch. Stop ends delivery; it is idempotent. A
// callback already in progress may complete after Stop returns.
type Subscription interface {
	Stop()
}

// Store is a document store. All methods are safe for concurrent use.
// Watch callbacks are delivered in order per subscription, never
// concurrently with themselves, and fire once immediately with the current
// state.
type Store interface {
	// Get returns the document. A missing document is not an error; the
	// snapshot reports Exists == false.
	Get(ctx context.Context, collection, id string) (Snapshot, error)

	// Set creates or replaces the document.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Update merges patch into the top-level fields of an existing document.
	// Returns [ErrNotFound] if it does not exist.
	Update(ctx context.Context, collection, id string, patch Document) error

	// Query returns the documents of collection matching filter, ordered by ID.
	Query(ctx context.Context, collection string, filter Filter) ([]Snapshot, error)

	// Watch subscribes to a single document.
	Watch(ctx context.Context, collection, id string, fn DocFunc) (Subscription, error)

	// WatchQuery subscribes to the result set of a query.
	WatchQuery(ctx context.Context, collection string, filter Filter, fn QueryFunc) (Subscription, error)
}
