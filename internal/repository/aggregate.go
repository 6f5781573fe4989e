package repository

import (
	"context"
	"encoding/json"

	"dynarepo/internal/aggregate"
	"dynarepo/internal/cache"
	"dynarepo/internal/etag"
	"dynarepo/internal/pagination"
	"dynarepo/internal/query"
	apperrors "dynarepo/pkg/errors"
)

// Aggregate materializes every matching record and computes the pack's
// aggregation. The serialized result is cached under a grouping-hash-qualified
// key so distinct grouping shapes never collide.
func (r *Repository[T]) Aggregate(ctx context.Context, ids Identifiers, pack *query.Pack) ([]byte, error) {
	pack, err := r.normalize(pack)
	if err != nil {
		return nil, err
	}
	if pack.Aggregate == nil {
		return nil, apperrors.NewIllegalQuery("aggregate requires an aggregation configuration")
	}

	key := etag.AggregationKey(pack.BaseKey, pack.Aggregate.CacheSuffix())
	if raw, ok := r.cache.Get(ctx, cache.TierAggregation, r.schema.TypeName, key); ok {
		return raw, nil
	}

	items, err := r.drainAll(ctx, ids, pack)
	if err != nil {
		return nil, err
	}

	result, err := aggregate.Compute(r.schema, items, pack.Aggregate)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, apperrors.NewInternal("failed to serialize aggregation result", err)
	}

	r.cache.Put(ctx, cache.TierAggregation, r.schema.TypeName, key, raw)
	if tag, err := etag.ComputeItem(result); err == nil {
		r.etags.Record(ctx, r.queryScope(), key, tag)
	}
	return raw, nil
}

// drainAll loops pages until END_OF_LIST, restricting the projection to the
// fields the aggregation actually touches: grouping fields, the aggregated
// field, and the key fields.
func (r *Repository[T]) drainAll(ctx context.Context, ids Identifiers, pack *query.Pack) ([]*T, error) {
	p := *pack
	p.Limit = r.dynamic.Current().MaxPageSize

	projections := r.aggregationProjection(p.Aggregate)

	var all []*T
	token := ""
	for {
		page, err := r.dispatch(ctx, ids, token, &p, projections)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.PageToken == pagination.EndOfList {
			return all, nil
		}
		token = page.PageToken
	}
}

func (r *Repository[T]) aggregationProjection(agg *query.Aggregation) []string {
	fields := []string{r.schema.HashKey}
	if r.schema.RangeKey != "" {
		fields = append(fields, r.schema.RangeKey)
	}
	add := func(name string) {
		if name == "" {
			return
		}
		for _, f := range fields {
			if f == name {
				return
			}
		}
		fields = append(fields, name)
	}
	add(agg.Field)
	for _, g := range agg.Groupings {
		add(g.Field)
	}
	return fields
}
