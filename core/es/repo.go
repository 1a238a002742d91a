package es

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codewandler/sequent/core/sf"
)

// Repository rebuilds aggregates from their persisted history.
type Repository interface {
	// Get returns ErrAggregateNotFound when aggID has no stream.
	Get(ctx context.Context, aggType, aggID string) (AggregateRoot, error)
}

type repository struct {
	log        *slog.Logger
	store      EventStore
	aggregates *AggregateRegistry
	loads      *sf.Singleflight[[]*EventStream]
	metrics    ESMetrics
}

func NewRepository(store EventStore, aggregates *AggregateRegistry, opts ...RepositoryOption) Repository {
	options := newRepoOpts(opts...)
	return &repository{
		log:        options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:      store,
		aggregates: aggregates,
		loads:      sf.New[[]*EventStream](),
		metrics:    options.metrics,
	}
}

func (r *repository) Get(ctx context.Context, aggType, aggID string) (AggregateRoot, error) {
	if aggID == "" {
		return nil, ErrMissingAggregateID
	}
	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	// concurrent loads of one aggregate share the store read, but every
	// caller replays into its own instance. The read outlives the caller
	// that started it.
	loadCtx := context.WithoutCancel(ctx)
	streams, shared, err := r.loads.Do(loadKey(aggType, aggID), func() ([]*EventStream, error) {
		defer r.metrics.StoreLoadDuration(aggType).ObserveDuration()
		return r.store.GetAll(loadCtx, aggType, aggID, 1, MaxVersion)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", aggType, aggID, err)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrAggregateNotFound, aggType, aggID)
	}

	a, err := r.aggregates.New(aggType, aggID)
	if err != nil {
		return nil, err
	}
	if err := ReplayEvents(a, streams); err != nil {
		return nil, err
	}

	r.log.Debug(
		"loaded",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID), a.GetVersion().SlogAttr()),
		slog.Int("streams", len(streams)),
		slog.Bool("shared", shared),
	)
	return a, nil
}

func loadKey(aggType, aggID string) string {
	return strconv.Itoa(len(aggType)) + ":" + aggType + "/" + aggID
}

var _ Repository = (*repository)(nil)
