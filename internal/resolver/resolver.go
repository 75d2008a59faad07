// Package resolver evaluates a rollout's target filter query against the
// fleet at creation time. The result is a deterministically ordered id list
// so repeated resolution of the same fleet partitions identically.
package resolver

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/hawkbit/rollout-engine/internal/rsql"
)

// filterFields maps the query language's field names onto target columns.
var filterFields = map[string]string{
	"controllerId": "controller_id",
	"name":         "name",
}

type TargetSource interface {
	ResolveTargets(ctx context.Context, tenant string, predicate squirrel.Sqlizer) ([]string, error)
}

type Resolver struct {
	targets TargetSource
}

func New(targets TargetSource) *Resolver {
	return &Resolver{targets: targets}
}

// Resolve is a pure read: it never mutates fleet state. A query matching
// zero targets is not an error here, the caller decides what an empty
// result means.
func (r *Resolver) Resolve(ctx context.Context, tenant, query string) ([]string, error) {
	predicate, err := rsql.Parse(query, filterFields)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target filter: %w", err)
	}
	targetIDs, err := r.targets.ResolveTargets(ctx, tenant, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target filter: %w", err)
	}
	return targetIDs, nil
}
