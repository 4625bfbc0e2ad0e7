package store

import "context"

// Filter operators supported by QueryDocuments.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Document is a schemaless record in a collection. Version identifies the
// observed revision and is the precondition token for ConditionalUpdate.
type Document struct {
	ID      string
	Version int64
	Fields  map[string]interface{}
}

// Filter is a single field predicate for QueryDocuments.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Snapshot is one point-in-time view of a document delivered by a
// subscription. A snapshot with Exists false means the document has been
// deleted; it is delivered as data, not as an error.
type Snapshot struct {
	Exists   bool
	Document *Document
}

// Subscription is a live, cancellable stream of snapshots for a single
// document. Snapshots are delivered in the store's commit order for that
// document. The channel is closed after Cancel or when the subscription
// fails; Err reports the failure, if any.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Cancel()
	Err() error
}

// Store is a transactional key-document service with per-document
// conditional writes and change notification. Implementations must make
// ConditionalUpdate atomic with respect to concurrent writers: it succeeds
// only if the document's current version equals expectedVersion.
type Store interface {
	// GetDocument returns the document or an error satisfying IsNotFound.
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	// CreateDocument creates a new document. An empty id requests a
	// store-assigned identifier. Creating an id that already exists fails
	// with an error satisfying IsConflict.
	CreateDocument(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error)
	// QueryDocuments returns all documents in the collection matching
	// every filter, in a stable store-defined order.
	QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]*Document, error)
	// ConditionalUpdate applies a partial update if and only if the
	// document is still at expectedVersion; otherwise it fails with an
	// error satisfying IsConflict.
	ConditionalUpdate(ctx context.Context, collection, id string, fields map[string]interface{}, expectedVersion int64) error
	// MergeUpdate applies a partial update unconditionally, leaving
	// fields not present in the update untouched.
	MergeUpdate(ctx context.Context, collection, id string, fields map[string]interface{}) error
	// DeleteDocument removes a document. Deleting a missing document is
	// not an error.
	DeleteDocument(ctx context.Context, collection, id string) error
	// Subscribe opens a snapshot stream for a document. The first
	// snapshot reflects the current state, including Exists false for a
	// document that does not exist yet.
	Subscribe(ctx context.Context, collection, id string) (Subscription, error)
	Close(ctx context.Context) error
}
