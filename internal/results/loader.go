package results

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/datacheck/internal/domain"
	"github.com/rpattn/datacheck/internal/repository"
)

// CheckLoader batches per-variable check lookups into one repository call.
type CheckLoader struct {
	Loader *dataloader.Loader
}

func NewCheckLoader(repo repository.CheckRepository) *CheckLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				return []*dataloader.Result{{Error: fmt.Errorf("invalid variable id: %w", err)}}
			}
			ids[i] = id
		}

		byVariable, err := repo.ListByVariables(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			checks := byVariable[id]
			if checks == nil {
				checks = []domain.Check{}
			}
			results[i] = &dataloader.Result{Data: checks}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))
	return &CheckLoader{Loader: loader}
}

// Load returns a thunk resolving the checks of one variable.
func (l *CheckLoader) Load(ctx context.Context, variableID uuid.UUID) func() ([]domain.Check, error) {
	thunk := l.Loader.Load(ctx, dataloader.StringKey(variableID.String()))
	return func() ([]domain.Check, error) {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		checks, _ := data.([]domain.Check)
		return checks, nil
	}
}

type ctxKey string

const checkLoaderKey ctxKey = "checkLoader"

// WithCheckLoader attaches a request-scoped loader to ctx.
func WithCheckLoader(ctx context.Context, loader *CheckLoader) context.Context {
	return context.WithValue(ctx, checkLoaderKey, loader)
}

// CheckLoaderFromContext retrieves the loader attached by WithCheckLoader.
func CheckLoaderFromContext(ctx context.Context) *CheckLoader {
	if l, ok := ctx.Value(checkLoaderKey).(*CheckLoader); ok {
		return l
	}
	return nil
}
