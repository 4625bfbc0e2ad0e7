package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore implements Store with process-local maps. It is the
// backend for tests and the local demo mode.
type InMemoryStore struct {
	lock        sync.Mutex
	collections map[string]map[string]*memoryDocument
	notifier    *notifier
	nextSeq     int64
}

type memoryDocument struct {
	seq     int64
	version int64
	fields  map[string]interface{}
}

var _ Store = &InMemoryStore{}

// NewInMemoryStore creates a new empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]map[string]*memoryDocument),
		notifier:    newNotifier(),
	}
}

func (s *InMemoryStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, &ErrNotFound{}
	}
	return s.document(id, doc), nil
}

func (s *InMemoryStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]*memoryDocument)
		s.collections[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, &ErrConflict{}
	}

	s.nextSeq++
	doc := &memoryDocument{
		seq:     s.nextSeq,
		version: 1,
		fields:  copyFields(fields),
	}
	coll[id] = doc
	s.publish(collection, id, doc)
	return s.document(id, doc), nil
}

func (s *InMemoryStore) QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	type match struct {
		id  string
		doc *memoryDocument
	}
	var matches []match
	for id, doc := range s.collections[collection] {
		if matchesFilters(doc.fields, filters) {
			matches = append(matches, match{id: id, doc: doc})
		}
	}
	// Creation order keeps query results stable across calls.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].doc.seq < matches[j].doc.seq
	})

	docs := make([]*Document, 0, len(matches))
	for _, m := range matches {
		docs = append(docs, s.document(m.id, m.doc))
	}
	return docs, nil
}

func (s *InMemoryStore) ConditionalUpdate(ctx context.Context, collection, id string, fields map[string]interface{}, expectedVersion int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return &ErrNotFound{}
	}
	if doc.version != expectedVersion {
		return &ErrConflict{}
	}
	s.merge(doc, fields)
	s.publish(collection, id, doc)
	return nil
}

func (s *InMemoryStore) MergeUpdate(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]*memoryDocument)
		s.collections[collection] = coll
	}
	doc, ok := coll[id]
	if !ok {
		// Merge-set semantics: a merge into a missing document creates it.
		s.nextSeq++
		doc = &memoryDocument{
			seq:    s.nextSeq,
			fields: make(map[string]interface{}),
		}
		coll[id] = doc
	}
	s.merge(doc, fields)
	s.publish(collection, id, doc)
	return nil
}

func (s *InMemoryStore) DeleteDocument(ctx context.Context, collection, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return nil
	}
	delete(s.collections[collection], id)
	s.notifier.publish(documentKey(collection, id), Snapshot{Exists: false})
	return nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	initial := Snapshot{Exists: false}
	if doc, ok := s.collections[collection][id]; ok {
		initial = Snapshot{Exists: true, Document: s.document(id, doc)}
	}
	return s.notifier.subscribe(ctx, documentKey(collection, id), initial), nil
}

func (s *InMemoryStore) Close(ctx context.Context) error {
	return nil
}

func (s *InMemoryStore) merge(doc *memoryDocument, fields map[string]interface{}) {
	for k, v := range fields {
		doc.fields[k] = copyValue(v)
	}
	doc.version++
}

// publish must be called with the store lock held so snapshots are queued
// in commit order.
func (s *InMemoryStore) publish(collection, id string, doc *memoryDocument) {
	s.notifier.publish(documentKey(collection, id), Snapshot{
		Exists:   true,
		Document: s.document(id, doc),
	})
}

func (s *InMemoryStore) document(id string, doc *memoryDocument) *Document {
	return &Document{
		ID:      id,
		Version: doc.version,
		Fields:  copyFields(doc.fields),
	}
}

func documentKey(collection, id string) string {
	return fmt.Sprintf("%s/%s", collection, id)
}

func matchesFilters(fields map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			if !valueEqual(fields[f.Field], f.Value) {
				return false
			}
		case OpArrayContains:
			if !arrayContains(fields[f.Field], f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	// Numeric fields round-trip through different scalar types depending
	// on the codec, so compare them as float64.
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func arrayContains(field, value interface{}) bool {
	switch vals := field.(type) {
	case []string:
		for _, item := range vals {
			if valueEqual(item, value) {
				return true
			}
		}
	case []interface{}:
		for _, item := range vals {
			if valueEqual(item, value) {
				return true
			}
		}
	}
	return false
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyFields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	}
	return v
}
