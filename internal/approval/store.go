package approval

import "context"

// Store is the persistence contract behind the Registry.
//
// Implementations are the authority for id assignment: CreateApproval returns
// the id the registry will use. SetApproval must only succeed while the stored
// record is still pending, returning ErrNotFound or ErrAlreadyDecided otherwise.
type Store interface {
	// CreateApproval records a new pending approval and returns its id.
	CreateApproval(ctx context.Context, req *Request) (int64, error)
	// SetApproval records the one decision for a pending approval.
	SetApproval(ctx context.Context, id int64, d Decision) error
}

// Loader is implemented by durable stores that can hand back their records,
// letting a Registry warm-start after a restart.
type Loader interface {
	LoadApprovals(ctx context.Context) ([]Request, error)
}

// Getter is implemented by stores that can read a single record back. A
// Registry sharing its store with another process uses it to see that
// process's requests and decisions.
type Getter interface {
	GetApproval(ctx context.Context, id int64) (Request, error)
}

// NullStore keeps nothing. Ids come from an in-process Allocator and every
// write succeeds.
type NullStore struct {
	ids *Allocator
}

// NewNullStore creates a NullStore with its own Allocator.
func NewNullStore() *NullStore {
	return &NullStore{ids: &Allocator{}}
}

// CreateApproval returns the next allocator id.
func (s *NullStore) CreateApproval(_ context.Context, _ *Request) (int64, error) {
	return s.ids.Next(), nil
}

// SetApproval does nothing.
func (s *NullStore) SetApproval(_ context.Context, _ int64, _ Decision) error {
	return nil
}

// Allocator exposes the id source so a restored registry can seed it.
func (s *NullStore) Allocator() *Allocator {
	return s.ids
}

var _ Store = (*NullStore)(nil)
