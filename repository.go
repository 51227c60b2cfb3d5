package aggregatestore

import "context"

// AggregateRepository loads and commits aggregates of one type.
type AggregateRepository[T Aggregate] interface {
	// New returns an empty aggregate for id without touching the store.
	New(id string) T
	// Load rebuilds id from the store. ok is false when it does not exist.
	Load(ctx context.Context, id string) (agg T, ok bool, err error)
	// Commit persists the uncommitted events of agg.
	Commit(ctx context.Context, agg T) error
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	rehydrator []RehydratorOption
	commit     []CommitOption
}

// WithRehydratorOptions passes opts to the Rehydrator of the repository.
func WithRehydratorOptions(opts ...RehydratorOption) RepositoryOption {
	return func(c *repositoryConfig) {
		c.rehydrator = append(c.rehydrator, opts...)
	}
}

// WithCommitOptions passes opts to the CommitCoordinator of the repository.
func WithCommitOptions(opts ...CommitOption) RepositoryOption {
	return func(c *repositoryConfig) {
		c.commit = append(c.commit, opts...)
	}
}

// Repository combines a Rehydrator and a CommitCoordinator over one Storage.
type Repository[T Aggregate] struct {
	storage     Storage
	factory     Factory[T]
	rehydrator  *Rehydrator[T]
	coordinator *CommitCoordinator
}

var _ AggregateRepository[Aggregate] = (*Repository[Aggregate])(nil)

// NewRepository returns a Repository for the aggregates built by factory.
func NewRepository[T Aggregate](storage Storage, serializer Serializer, factory Factory[T], opts ...RepositoryOption) *Repository[T] {
	var cfg repositoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Repository[T]{
		storage:     storage,
		factory:     factory,
		rehydrator:  NewRehydrator(storage, serializer, factory, cfg.rehydrator...),
		coordinator: NewCommitCoordinator(storage, serializer, cfg.commit...),
	}
}

func (r *Repository[T]) New(id string) T {
	return r.factory(id)
}

func (r *Repository[T]) Load(ctx context.Context, id string) (T, bool, error) {
	return r.rehydrator.Load(ctx, id)
}

func (r *Repository[T]) Commit(ctx context.Context, agg T) error {
	return r.coordinator.Commit(ctx, agg)
}

// Rehydrator returns the underlying Rehydrator.
func (r *Repository[T]) Rehydrator() *Rehydrator[T] {
	return r.rehydrator
}

// Snapshots returns a SnapshotManager over the repository storage.
func (r *Repository[T]) Snapshots() *SnapshotManager {
	return NewSnapshotManager(r.storage)
}
