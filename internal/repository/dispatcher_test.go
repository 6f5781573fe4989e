package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dynarepo/internal/cache"
	"dynarepo/internal/etag"
	"dynarepo/internal/pagination"
	"dynarepo/internal/query"
	"dynarepo/internal/schema/schematest"
	"dynarepo/internal/store"
	"dynarepo/pkg/config"
	apperrors "dynarepo/pkg/errors"
)

func newTestRepoWith(t *testing.T, st store.Store, tun config.Tunables) *Repository[schematest.Order] {
	t.Helper()

	backend := cache.NewMemoryBackend(4096, 8<<20, zap.NewNop())
	t.Cleanup(func() { backend.Close() })

	dynamic := config.NewDynamicConfig(tun)
	cm := cache.NewManager(backend, dynamic, nil, zap.NewNop())
	em := etag.NewManager(cm, zap.NewNop())

	repo, err := New(schematest.OrderSchema(), st, cm, em, dynamic, nil, zap.NewNop())
	require.NoError(t, err)
	return repo
}

func newTestRepo(t *testing.T) (*Repository[schematest.Order], *fakeStore) {
	t.Helper()
	fs := newFakeStore("customerId", "orderId")
	fs.indexSort[schematest.PlacedAtIndex] = "placedAt"
	fs.indexSort[schematest.RegionIndex] = "orderId"
	return newTestRepoWith(t, fs, config.DefaultTunables()), fs
}

var fixtureBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixtureOrder(i int) *schematest.Order {
	statuses := []string{"OPEN", "SHIPPED"}
	regions := []string{"eu", "us", "apac"}
	return &schematest.Order{
		CustomerID: "cust-1",
		OrderID:    fmt.Sprintf("o-%03d", i+1),
		Status:     statuses[i%len(statuses)],
		Region:     regions[i%len(regions)],
		Total:      float64(10 * (i + 1)),
		Quantity:   i%5 + 1,
		PlacedAt:   fixtureBase.Add(time.Duration(i) * time.Minute),
	}
}

func seedOrders(t *testing.T, repo *Repository[schematest.Order], n int) []*schematest.Order {
	t.Helper()
	recs := make([]*schematest.Order, n)
	for i := range recs {
		recs[i] = fixtureOrder(i)
	}
	written, err := repo.Write(context.Background(), ModeCreate, recs, nil)
	require.NoError(t, err)
	return written
}

func basePack() *query.Pack {
	return &query.Pack{BaseKey: "orders/cust-1"}
}

func TestReadAll_PaginatesAllRecordsExactlyOnce(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 150)
	ctx := context.Background()

	seen := make(map[string]int)
	var inOrder []string
	token := ""
	pages := 0
	for {
		res, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, token, basePack())
		require.NoError(t, err)
		for _, item := range res.Items {
			seen[item.OrderID]++
			inOrder = append(inOrder, item.OrderID)
		}
		pages++
		require.Less(t, pages, 20, "pagination did not terminate")
		if res.PageToken == pagination.EndOfList {
			assert.LessOrEqual(t, res.Count, 20)
			break
		}
		assert.Equal(t, 20, res.Count)
		token = res.PageToken
	}

	assert.Equal(t, 8, pages)
	assert.Len(t, seen, 150)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "order %s returned %d times", id, n)
	}
	assert.True(t, sortedAscending(inOrder))
}

func sortedAscending(ids []string) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			return false
		}
	}
	return true
}

func TestReadAll_DescendingOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 30)

	pack := basePack()
	pack.OrderBy = &query.OrderBy{Field: "orderId", Descending: true}
	res, err := repo.ReadAll(context.Background(), Identifiers{Hash: "cust-1"}, "", pack)
	require.NoError(t, err)

	assert.Equal(t, 20, res.Count)
	assert.Equal(t, "o-030", res.Items[0].OrderID)
	assert.Equal(t, "o-011", res.Items[19].OrderID)
}

func TestReadAll_OrderByResolvesIndex(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 30)
	ctx := context.Background()

	pack := basePack()
	pack.OrderBy = &query.OrderBy{Field: "placedAt"}

	first, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", pack)
	require.NoError(t, err)
	require.Equal(t, 20, first.Count)
	assert.Equal(t, "o-001", first.Items[0].OrderID)

	second, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, first.PageToken, pack)
	require.NoError(t, err)
	assert.Equal(t, 10, second.Count)
	assert.Equal(t, "o-021", second.Items[0].OrderID)
	assert.Equal(t, pagination.EndOfList, second.PageToken)
	assert.GreaterOrEqual(t, fs.queryCalls, 2)
}

func TestReadAll_UnsortableOrderByRejected(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 3)

	pack := basePack()
	pack.OrderBy = &query.OrderBy{Field: "status"}
	_, err := repo.ReadAll(context.Background(), Identifiers{Hash: "cust-1"}, "", pack)
	assert.True(t, apperrors.IsIllegalQuery(err))
}

func TestReadAll_MultiIDBatchKeepsRequestedOrder(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 10)

	res, err := repo.ReadAll(context.Background(),
		Identifiers{Hash: "cust-1", Ranges: []any{"o-005", "o-001", "o-003"}}, "", basePack())
	require.NoError(t, err)

	require.Equal(t, 3, res.Count)
	assert.Equal(t, "o-005", res.Items[0].OrderID)
	assert.Equal(t, "o-001", res.Items[1].OrderID)
	assert.Equal(t, "o-003", res.Items[2].OrderID)
	assert.Equal(t, pagination.EndOfList, res.PageToken)
	assert.Equal(t, 1, fs.batchCalls)
}

func TestReadAll_MultiIDBatchResumesByCursor(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 10)
	ctx := context.Background()

	ids := Identifiers{Hash: "cust-1", Ranges: []any{"o-005", "o-001", "o-003"}}
	pack := basePack()
	pack.Limit = 2

	first, err := repo.ReadAll(ctx, ids, "", pack)
	require.NoError(t, err)
	require.Equal(t, 2, first.Count)
	require.NotEqual(t, pagination.EndOfList, first.PageToken)

	second, err := repo.ReadAll(ctx, ids, first.PageToken, pack)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Count)
	assert.Equal(t, "o-003", second.Items[0].OrderID)
	assert.Equal(t, pagination.EndOfList, second.PageToken)
}

func TestReadAll_RangedKeyFilterDegradesToScan(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 5)
	fs.scanPageSize = 2
	ctx := context.Background()

	pack := basePack()
	pack.Limit = 2
	pack.Filters = []query.FilterParameter{
		query.MustFilter("orderId", query.OpContains, query.CombineAnd, "o-"),
	}

	var got []string
	token := ""
	for {
		res, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, token, pack)
		require.NoError(t, err)
		for _, item := range res.Items {
			got = append(got, item.OrderID)
		}
		if res.PageToken == pagination.EndOfList {
			break
		}
		token = res.PageToken
	}

	assert.Equal(t, []string{"o-001", "o-002", "o-003", "o-004", "o-005"}, got)
	assert.Greater(t, fs.scanCalls, 0)
	assert.Zero(t, fs.queryCalls)
}

func TestReadAll_RootScanCoversWholeTable(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 7)

	res, err := repo.ReadAll(context.Background(), Identifiers{}, "", basePack())
	require.NoError(t, err)

	assert.Equal(t, 7, res.Count)
	assert.Equal(t, pagination.EndOfList, res.PageToken)
	assert.Greater(t, fs.scanCalls, 0)
}

func TestReadAll_DirectKeyReturnsSingleRecord(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 3)

	res, err := repo.ReadAll(context.Background(),
		Identifiers{Hash: "cust-1", Range: "o-002"}, "", basePack())
	require.NoError(t, err)

	require.Equal(t, 1, res.Count)
	assert.Equal(t, "o-002", res.Items[0].OrderID)
	assert.Equal(t, pagination.EndOfList, res.PageToken)
}

func TestReadAll_DirectKeyMissIsNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 3)

	_, err := repo.ReadAll(context.Background(),
		Identifiers{Hash: "cust-1", Range: "o-099"}, "", basePack())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReadAll_SecondCallServedFromListCache(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 5)
	ctx := context.Background()

	first, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", basePack())
	require.NoError(t, err)
	calls := fs.queryCalls

	second, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", basePack())
	require.NoError(t, err)

	assert.Equal(t, calls, fs.queryCalls)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, first.Count, second.Count)
}

func TestReadAll_WriteInvalidatesListCache(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 5)
	ctx := context.Background()

	before, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", basePack())
	require.NoError(t, err)
	require.Equal(t, 5, before.Count)

	_, err = repo.Write(ctx, ModeCreate, []*schematest.Order{fixtureOrder(5)}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		after, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", basePack())
		return err == nil && after.Count == 6
	}, time.Second, 10*time.Millisecond)
}

func TestRead_ServedFromObjectCache(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 3)
	ctx := context.Background()
	ids := Identifiers{Hash: "cust-1", Range: "o-001"}

	// Seeding populated the object cache, so neither read should hit storage.
	gets := fs.getCalls
	first, err := repo.Read(ctx, ids)
	require.NoError(t, err)
	second, err := repo.Read(ctx, ids)
	require.NoError(t, err)

	assert.Equal(t, gets, fs.getCalls)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, "o-001", first.Item.OrderID)
}

func TestRead_ProjectionRestrictsFields(t *testing.T) {
	repo, fs := newTestRepo(t)
	seedOrders(t, repo, 3)
	ctx := context.Background()
	ids := Identifiers{Hash: "cust-1", Range: "o-002"}

	res, err := repo.Read(ctx, ids, "status")
	require.NoError(t, err)

	// Key fields and the projected field come back; everything else is zero.
	assert.Equal(t, "cust-1", res.Item.CustomerID)
	assert.Equal(t, "o-002", res.Item.OrderID)
	assert.Equal(t, "SHIPPED", res.Item.Status)
	assert.Zero(t, res.Item.Total)
	assert.Zero(t, res.Item.Quantity)
	assert.True(t, res.Item.PlacedAt.IsZero())
	assert.Empty(t, res.Item.ETag)

	require.NotEmpty(t, res.ETag)
	assert.True(t, repo.CheckItemETag(ctx, ids, res.ETag, "status"))

	// The projection-qualified cache entry serves the repeat read, still
	// restricted.
	gets := fs.getCalls
	again, err := repo.Read(ctx, ids, "status")
	require.NoError(t, err)
	assert.Equal(t, gets, fs.getCalls)
	assert.Equal(t, res.ETag, again.ETag)
	assert.Zero(t, again.Item.Total)
}

func TestRead_MissIsNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.Read(context.Background(), Identifiers{Hash: "cust-1", Range: "o-404"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRead_RequiresFullKey(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.Read(context.Background(), Identifiers{Hash: "cust-1"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestCheckItemListETag(t *testing.T) {
	repo, _ := newTestRepo(t)
	seedOrders(t, repo, 4)
	ctx := context.Background()

	res, err := repo.ReadAll(ctx, Identifiers{Hash: "cust-1"}, "", basePack())
	require.NoError(t, err)
	require.NotEmpty(t, res.ETag)

	assert.True(t, repo.CheckItemListETag(ctx, basePack(), "", res.ETag))
	assert.False(t, repo.CheckItemListETag(ctx, basePack(), "", "deadbeef"))

	_, err = repo.Write(ctx, ModeCreate, []*schematest.Order{fixtureOrder(4)}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !repo.CheckItemListETag(ctx, basePack(), "", res.ETag)
	}, time.Second, 10*time.Millisecond)
}
