package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// FirestoreStore implements Store on Cloud Firestore. Document versions
// are the Firestore update time in nanoseconds, which is also the
// precondition token for conditional updates.
type FirestoreStore struct {
	client *firestore.Client
}

var _ Store = &FirestoreStore{}

type NewFirestoreStoreOptions struct {
	ProjectID string
	// CredentialsFile is an optional service account key path. When empty
	// the client uses application default credentials.
	CredentialsFile string
}

// NewFirestoreStore creates a new FirestoreStore.
func NewFirestoreStore(ctx context.Context, opts NewFirestoreStoreOptions) (*FirestoreStore, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %v", err)
	}
	return &FirestoreStore{
		client: client,
	}, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, classifyFirestoreError(err)
	}
	return firestoreDocument(snap), nil
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	ref := s.client.Collection(collection).Doc(id)
	if id == "" {
		ref = s.client.Collection(collection).NewDoc()
	}
	wr, err := ref.Create(ctx, fields)
	if err != nil {
		return nil, classifyFirestoreError(err)
	}
	return &Document{
		ID:      ref.ID,
		Version: wr.UpdateTime.UnixNano(),
		Fields:  copyFields(fields),
	}, nil
}

func (s *FirestoreStore) QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]*Document, error) {
	query := s.client.Collection(collection).Query
	for _, f := range filters {
		// Filter ops are Firestore's own operator strings.
		query = query.Where(f.Field, f.Op, f.Value)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, classifyFirestoreError(err)
	}
	docs := make([]*Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, firestoreDocument(snap))
	}
	return docs, nil
}

func (s *FirestoreStore) ConditionalUpdate(ctx context.Context, collection, id string, fields map[string]interface{}, expectedVersion int64) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	precondition := firestore.LastUpdateTime(time.Unix(0, expectedVersion))
	if _, err := s.client.Collection(collection).Doc(id).Update(ctx, updates, precondition); err != nil {
		return classifyFirestoreError(err)
	}
	return nil
}

func (s *FirestoreStore) MergeUpdate(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, fields, firestore.MergeAll); err != nil {
		return classifyFirestoreError(err)
	}
	return nil
}

func (s *FirestoreStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return classifyFirestoreError(err)
	}
	return nil
}

func (s *FirestoreStore) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &firestoreSubscription{
		out:    make(chan Snapshot),
		cancel: cancel,
	}
	iter := s.client.Collection(collection).Doc(id).Snapshots(ctx)
	go func() {
		defer close(sub.out)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if grpcstatus.Code(err) != codes.Canceled {
					sub.setErr(classifyFirestoreError(err))
				}
				return
			}
			out := Snapshot{Exists: snap.Exists()}
			if out.Exists {
				out.Document = firestoreDocument(snap)
			}
			select {
			case <-ctx.Done():
				return
			case sub.out <- out:
			}
		}
	}()
	return sub, nil
}

func (s *FirestoreStore) Close(ctx context.Context) error {
	return s.client.Close()
}

type firestoreSubscription struct {
	out    chan Snapshot
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

var _ Subscription = &firestoreSubscription{}

func (s *firestoreSubscription) Snapshots() <-chan Snapshot {
	return s.out
}

func (s *firestoreSubscription) Cancel() {
	s.cancel()
}

func (s *firestoreSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *firestoreSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func firestoreDocument(snap *firestore.DocumentSnapshot) *Document {
	return &Document{
		ID:      snap.Ref.ID,
		Version: snap.UpdateTime.UnixNano(),
		Fields:  snap.Data(),
	}
}

func classifyFirestoreError(err error) error {
	switch grpcstatus.Code(err) {
	case codes.NotFound:
		return &ErrNotFound{}
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return &ErrConflict{}
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return &ErrTransient{Err: err}
	}
	return fmt.Errorf("firestore error: %v", err)
}
