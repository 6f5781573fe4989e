package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynarepo/internal/aggregate"
	"dynarepo/internal/etag"
	"dynarepo/internal/query"
	apperrors "dynarepo/pkg/errors"
)

func countByStatusRegion() *query.Pack {
	p := basePack()
	p.Aggregate = &query.Aggregation{
		Function: query.AggCount,
		Groupings: []query.Grouping{
			{Field: "status", Order: query.SortByKeyAsc},
			{Field: "region", Order: query.SortByKeyAsc},
		},
	}
	return p
}

func TestAggregate_CountGroupedByStatusAndRegion(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 10)

	raw, err := repo.Aggregate(context.Background(), Identifiers{Hash: "cust-1"}, countByStatusRegion())
	require.NoError(t, err)

	var result aggregate.Result
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.Equal(t, query.AggCount, result.Function)
	assert.Equal(t, 2, result.TotalGroupCount)

	sum := 0.0
	for _, g := range result.Groups {
		for _, sub := range g.Groups {
			sum += sub.Value
		}
	}
	assert.Equal(t, 10.0, sum)
}

func TestAggregate_DrainsEveryPage(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 150)

	p := basePack()
	p.Aggregate = &query.Aggregation{Function: query.AggSum, Field: "total"}
	raw, err := repo.Aggregate(context.Background(), Identifiers{Hash: "cust-1"}, p)
	require.NoError(t, err)

	var result aggregate.Result
	require.NoError(t, json.Unmarshal(raw, &result))

	// 150 records at max page size 100 takes two store queries.
	assert.Equal(t, 150, result.Count)
	assert.GreaterOrEqual(t, fs.queryCalls, 2)
}

func TestAggregate_SecondCallServedFromCache(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 10)
	ctx := context.Background()

	first, err := repo.Aggregate(ctx, Identifiers{Hash: "cust-1"}, countByStatusRegion())
	require.NoError(t, err)
	calls := fs.queryCalls

	second, err := repo.Aggregate(ctx, Identifiers{Hash: "cust-1"}, countByStatusRegion())
	require.NoError(t, err)

	assert.Equal(t, calls, fs.queryCalls)
	assert.Equal(t, first, second)
}

func TestAggregate_DistinctGroupingShapesDoNotCollide(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 10)
	ctx := context.Background()

	byStatus := basePack()
	byStatus.Aggregate = &query.Aggregation{
		Function:  query.AggCount,
		Groupings: []query.Grouping{{Field: "status", Order: query.SortByKeyAsc}},
	}
	byRegion := basePack()
	byRegion.Aggregate = &query.Aggregation{
		Function:  query.AggCount,
		Groupings: []query.Grouping{{Field: "region", Order: query.SortByKeyAsc}},
	}

	statusRaw, err := repo.Aggregate(ctx, Identifiers{Hash: "cust-1"}, byStatus)
	require.NoError(t, err)
	regionRaw, err := repo.Aggregate(ctx, Identifiers{Hash: "cust-1"}, byRegion)
	require.NoError(t, err)

	var statusRes, regionRes aggregate.Result
	require.NoError(t, json.Unmarshal(statusRaw, &statusRes))
	require.NoError(t, json.Unmarshal(regionRaw, &regionRes))
	assert.Equal(t, 2, statusRes.TotalGroupCount)
	assert.Equal(t, 3, regionRes.TotalGroupCount)
}

func TestAggregate_RequiresConfiguration(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.Aggregate(context.Background(), Identifiers{Hash: "cust-1"}, basePack())
	assert.True(t, apperrors.IsIllegalQuery(err))
}

func TestAggregate_ListETagMatchesResult(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 10)
	ctx := context.Background()

	pack := countByStatusRegion()
	raw, err := repo.Aggregate(ctx, Identifiers{Hash: "cust-1"}, pack)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var result aggregate.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	tag, err := etag.ComputeItem(&result)
	require.NoError(t, err)

	assert.True(t, repo.CheckItemListETag(ctx, pack, "", tag))
}
