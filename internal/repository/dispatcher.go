package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"dynarepo/internal/pagination"
	"dynarepo/internal/query"
	"dynarepo/internal/schema"
	"dynarepo/internal/store"
	apperrors "dynarepo/pkg/errors"
)

// readStrategy is chosen once per request from the identifier and filter
// shape; there are no transitions within one call.
type readStrategy int

const (
	strategyDirectKey readStrategy = iota
	strategyRootScan
	strategyMultiIDBatch
	strategyRangedKeyScan
	strategyIndexedQuery
)

func (s readStrategy) String() string {
	switch s {
	case strategyDirectKey:
		return "direct_key"
	case strategyRootScan:
		return "root_scan"
	case strategyMultiIDBatch:
		return "multi_id_batch"
	case strategyRangedKeyScan:
		return "ranged_key_scan"
	case strategyIndexedQuery:
		return "indexed_query"
	}
	return "unknown"
}

// dispatch selects and runs the read strategy for one page request.
func (r *Repository[T]) dispatch(ctx context.Context, ids Identifiers, pageToken string, pack *query.Pack, projections []string) (*ItemListResult[T], error) {
	pack, err := r.resolveIndex(pack)
	if err != nil {
		return nil, err
	}

	strategy, err := r.selectStrategy(ids, pack)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Dispatching read",
		zap.Stringer("strategy", strategy),
		zap.String("index", pack.IndexName),
		zap.Int("limit", pack.Limit),
	)

	switch strategy {
	case strategyDirectKey:
		return r.directKey(ctx, ids)
	case strategyRootScan:
		return r.scanPage(ctx, nil, pageToken, pack, projections)
	case strategyMultiIDBatch:
		return r.multiIDBatch(ctx, ids, pageToken, pack)
	case strategyRangedKeyScan:
		return r.rangedKeyScan(ctx, ids, pageToken, pack, projections)
	default:
		return r.indexedQuery(ctx, ids, pageToken, pack, projections)
	}
}

func (r *Repository[T]) selectStrategy(ids Identifiers, pack *query.Pack) (readStrategy, error) {
	switch {
	case !ids.hasHash():
		return strategyRootScan, nil
	case len(ids.Ranges) > 0:
		return strategyMultiIDBatch, nil
	case ids.Range != nil || r.schema.RangeKey == "":
		return strategyDirectKey, nil
	}
	fallback, err := r.builder.NeedsScanFallback(pack)
	if err != nil {
		return 0, err
	}
	if fallback {
		return strategyRangedKeyScan, nil
	}
	return strategyIndexedQuery, nil
}

// resolveIndex picks the secondary index whose range key matches an order-by
// field the table's own sort key cannot serve. Returns a copy when it has to
// change anything.
func (r *Repository[T]) resolveIndex(pack *query.Pack) (*query.Pack, error) {
	if pack.OrderBy == nil || pack.OrderBy.Field == "" || pack.IndexName != "" {
		return pack, nil
	}
	if pack.OrderBy.Field == r.schema.RangeKey {
		return pack, nil
	}
	for name, idx := range r.schema.Indexes {
		if idx.Range == pack.OrderBy.Field {
			p := *pack
			p.IndexName = name
			return &p, nil
		}
	}
	return nil, apperrors.NewIllegalQuery(
		fmt.Sprintf("no index on type %s sorts by %q", r.schema.TypeName, pack.OrderBy.Field))
}

// directKey serves a fully-keyed request as a one-element page.
func (r *Repository[T]) directKey(ctx context.Context, ids Identifiers) (*ItemListResult[T], error) {
	key, err := r.storageKey(ids.Hash, ids.Range)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		objKey, _ := r.objectKey(ids, nil)
		return nil, apperrors.NewNotFound(fmt.Sprintf("%s %s not found", r.schema.TypeName, objKey))
	}
	rec, err := r.schema.UnmarshalItem(item)
	if err != nil {
		return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
	}
	return &ItemListResult[T]{
		PageToken: pagination.EndOfList,
		Count:     1,
		Items:     []*T{rec},
	}, nil
}

// indexedQuery is the common path: a native query with server-side pagination.
func (r *Repository[T]) indexedQuery(ctx context.Context, ids Identifiers, pageToken string, pack *query.Pack, projections []string) (*ItemListResult[T], error) {
	keyFields, err := r.cursorFields(pack)
	if err != nil {
		return nil, err
	}
	startKey, err := r.codec.Decode(pageToken, keyFields)
	if err != nil {
		return nil, err
	}

	expr, err := r.builder.BuildQuery(pack, ids.Hash, withKeyFields(projections, keyFields))
	if err != nil {
		return nil, err
	}

	forward := pack.OrderBy == nil || !pack.OrderBy.Descending
	page, err := r.store.Query(ctx, store.QueryInput{
		Expression:  expr,
		StartKey:    startKey,
		Limit:       int32(pack.Limit),
		IndexName:   pack.IndexName,
		ScanForward: forward,
	})
	if err != nil {
		return nil, err
	}

	items, err := r.unmarshalPage(page.Items)
	if err != nil {
		return nil, err
	}

	next := pagination.EndOfList
	if page.LastKey != nil && len(items) >= pack.Limit {
		if next, err = r.codec.Encode(items[len(items)-1], keyFields); err != nil {
			return nil, err
		}
	}
	return &ItemListResult[T]{PageToken: next, Count: len(items), Items: items}, nil
}

// scanPage serves table-wide reads: a filtered scan resumed by table key,
// collecting until the page limit fills or the table runs out.
func (r *Repository[T]) scanPage(ctx context.Context, hashValue any, pageToken string, pack *query.Pack, projections []string) (*ItemListResult[T], error) {
	keyFields := pagination.KeyFields{Hash: r.schema.HashKey, Range: r.schema.RangeKey}
	startKey, err := r.codec.Decode(pageToken, keyFields)
	if err != nil {
		return nil, err
	}

	expr, err := r.builder.BuildScan(pack, hashValue, withKeyFields(projections, keyFields))
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, pack.Limit)
	exhausted := false
	for len(items) < pack.Limit {
		page, err := r.store.Scan(ctx, store.ScanInput{Expression: expr, StartKey: startKey})
		if err != nil {
			return nil, err
		}
		recs, err := r.unmarshalPage(page.Items)
		if err != nil {
			return nil, err
		}
		items = append(items, recs...)
		if page.LastKey == nil {
			exhausted = true
			break
		}
		startKey = page.LastKey
	}

	if len(items) > pack.Limit {
		items = items[:pack.Limit]
		exhausted = false
	}

	next := pagination.EndOfList
	if !exhausted && len(items) == pack.Limit {
		if next, err = r.codec.Encode(items[len(items)-1], keyFields); err != nil {
			return nil, err
		}
	}
	return &ItemListResult[T]{PageToken: next, Count: len(items), Items: items}, nil
}

// multiIDBatch serves an explicit ordered id list: batch-get, re-sort to the
// caller's requested order (the store's batch API does not preserve it), and
// resume by locating the cursor's id in that order and slicing after it.
func (r *Repository[T]) multiIDBatch(ctx context.Context, ids Identifiers, pageToken string, pack *query.Pack) (*ItemListResult[T], error) {
	if r.schema.RangeKey == "" {
		return nil, apperrors.NewIllegalQuery(
			fmt.Sprintf("type %s has no range key; a multi-id read does not apply", r.schema.TypeName))
	}

	keys := make([]store.Key, 0, len(ids.Ranges))
	for _, rng := range ids.Ranges {
		key, err := r.storageKey(ids.Hash, rng)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	fetched, err := r.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*T, len(fetched))
	for _, item := range fetched {
		rec, err := r.schema.UnmarshalItem(item)
		if err != nil {
			return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
		}
		_, rng, err := r.recordKeyStrings(rec)
		if err != nil {
			return nil, apperrors.NewInternal("failed to read record key", err)
		}
		byID[rng] = rec
	}

	ordered := make([]*T, 0, len(ids.Ranges))
	for _, rng := range ids.Ranges {
		raw, err := r.formatKeyValue(r.schema.RangeKey, rng)
		if err != nil {
			return nil, err
		}
		if rec, ok := byID[raw]; ok {
			ordered = append(ordered, rec)
		}
	}

	keyFields := pagination.KeyFields{Hash: r.schema.HashKey, Range: r.schema.RangeKey}
	resumed, err := r.sliceAfterCursor(ordered, pageToken, keyFields)
	if err != nil {
		return nil, err
	}
	return r.clientPage(resumed, pack.Limit, keyFields)
}

// rangedKeyScan degrades a filter the key-condition model cannot express
// (contains, notContains, in on the range field) to a scan with a hash
// equality filter, then sorts and paginates entirely client-side.
func (r *Repository[T]) rangedKeyScan(ctx context.Context, ids Identifiers, pageToken string, pack *query.Pack, projections []string) (*ItemListResult[T], error) {
	keyFields := pagination.KeyFields{Hash: r.schema.HashKey, Range: r.schema.RangeKey}

	expr, err := r.builder.BuildScan(pack, ids.Hash, withKeyFields(projections, keyFields))
	if err != nil {
		return nil, err
	}

	// The whole matching set is needed before client-side sort can begin.
	var items []*T
	var startKey store.Key
	for {
		page, err := r.store.Scan(ctx, store.ScanInput{Expression: expr, StartKey: startKey})
		if err != nil {
			return nil, err
		}
		recs, err := r.unmarshalPage(page.Items)
		if err != nil {
			return nil, err
		}
		items = append(items, recs...)
		if page.LastKey == nil {
			break
		}
		startKey = page.LastKey
	}

	sortField := r.schema.RangeKey
	descending := false
	if pack.OrderBy != nil && pack.OrderBy.Field != "" {
		sortField = pack.OrderBy.Field
		descending = pack.OrderBy.Descending
	}
	if err := r.sortRecords(items, sortField, descending); err != nil {
		return nil, err
	}

	resumed, err := r.sliceAfterCursor(items, pageToken, keyFields)
	if err != nil {
		return nil, err
	}
	return r.clientPage(resumed, pack.Limit, keyFields)
}

// cursorFields names the token components for the active table or index.
// A local index adds its alternate sort field; a global index adds its own
// key pair, since the store's resume key carries both table and index keys.
func (r *Repository[T]) cursorFields(pack *query.Pack) (pagination.KeyFields, error) {
	fields := pagination.KeyFields{Hash: r.schema.HashKey, Range: r.schema.RangeKey}
	if pack.IndexName == "" {
		return fields, nil
	}
	idx, ok := r.schema.IndexFor(pack.IndexName)
	if !ok {
		return fields, apperrors.NewIllegalQuery(
			fmt.Sprintf("unknown index %q on type %s", pack.IndexName, r.schema.TypeName))
	}
	if idx.Hash == r.schema.HashKey {
		fields.Index = idx.Range
	} else {
		fields.GSIHash = idx.Hash
		fields.GSIRange = idx.Range
	}
	return fields, nil
}

// clientPage applies limit and next-token computation to a client-side
// ordered record list.
func (r *Repository[T]) clientPage(items []*T, limit int, keyFields pagination.KeyFields) (*ItemListResult[T], error) {
	next := pagination.EndOfList
	if len(items) > limit {
		items = items[:limit]
		token, err := r.codec.Encode(items[len(items)-1], keyFields)
		if err != nil {
			return nil, err
		}
		next = token
	}
	return &ItemListResult[T]{PageToken: next, Count: len(items), Items: items}, nil
}

// sliceAfterCursor finds the cursor's record in a client-side ordered list
// and returns everything after it. An unmatched cursor restarts from the top
// rather than silently skipping records.
func (r *Repository[T]) sliceAfterCursor(items []*T, pageToken string, keyFields pagination.KeyFields) ([]*T, error) {
	startKey, err := r.codec.Decode(pageToken, keyFields)
	if err != nil {
		return nil, err
	}
	if startKey == nil {
		return items, nil
	}
	for i, rec := range items {
		match, err := r.matchesKey(rec, startKey)
		if err != nil {
			return nil, err
		}
		if match {
			return items[i+1:], nil
		}
	}
	return items, nil
}

// matchesKey reports whether a record carries every component of a decoded
// resume key.
func (r *Repository[T]) matchesKey(rec *T, key map[string]types.AttributeValue) (bool, error) {
	for name, want := range key {
		f, ok := r.schema.FieldNamed(name)
		if !ok {
			return false, apperrors.NewInternal(fmt.Sprintf("cursor field %q not declared", name), nil)
		}
		raw, err := schema.FormatValue(f.Kind, f.Get(rec))
		if err != nil {
			return false, apperrors.NewInternal(fmt.Sprintf("cursor field %q", name), err)
		}
		attr, err := schema.AttrFromString(f.Kind, raw)
		if err != nil {
			return false, err
		}
		if !attrEqual(attr, want) {
			return false, nil
		}
	}
	return true, nil
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

// sortRecords orders records by one field, using the field's kind for
// comparison so numeric fields never sort lexicographically.
func (r *Repository[T]) sortRecords(items []*T, field string, descending bool) error {
	f, ok := r.schema.FieldNamed(field)
	if !ok {
		return apperrors.NewIllegalQuery(
			fmt.Sprintf("cannot sort by undeclared field %q on type %s", field, r.schema.TypeName))
	}

	var sortErr error
	less := func(a, b *T) bool {
		cmp, err := compareValues(f.Kind, f.Get(a), f.Get(b))
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return cmp < 0
	}
	sort.SliceStable(items, func(i, j int) bool {
		if descending {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
	return sortErr
}

func compareValues(kind schema.Kind, a, b any) (int, error) {
	switch kind {
	case schema.KindString:
		av, aok := a.(string)
		bv, bok := b.(string)
		if !aok || !bok {
			return 0, apperrors.NewInternal(fmt.Sprintf("expected strings, got %T and %T", a, b), nil)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case schema.KindInt:
		av, err := toInt64(a)
		if err != nil {
			return 0, err
		}
		bv, err := toInt64(b)
		if err != nil {
			return 0, err
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case schema.KindFloat:
		av, aok := a.(float64)
		bv, bok := b.(float64)
		if !aok || !bok {
			return 0, apperrors.NewInternal(fmt.Sprintf("expected floats, got %T and %T", a, b), nil)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case schema.KindBool:
		av, aok := a.(bool)
		bv, bok := b.(bool)
		if !aok || !bok {
			return 0, apperrors.NewInternal(fmt.Sprintf("expected bools, got %T and %T", a, b), nil)
		}
		switch {
		case !av && bv:
			return -1, nil
		case av && !bv:
			return 1, nil
		}
		return 0, nil
	case schema.KindTime:
		av, aok := a.(time.Time)
		bv, bok := b.(time.Time)
		if !aok || !bok {
			return 0, apperrors.NewInternal(fmt.Sprintf("expected times, got %T and %T", a, b), nil)
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		}
		return 0, nil
	}
	return 0, apperrors.NewInternal(fmt.Sprintf("unknown field kind %d", kind), nil)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, apperrors.NewInternal(fmt.Sprintf("expected integer, got %T", v), nil)
}

func (r *Repository[T]) unmarshalPage(items []store.Item) ([]*T, error) {
	out := make([]*T, 0, len(items))
	for _, item := range items {
		rec, err := r.schema.UnmarshalItem(item)
		if err != nil {
			return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// withKeyFields extends a caller projection with the key fields a cursor is
// built from. An empty projection stays empty (all attributes).
func withKeyFields(projections []string, keys pagination.KeyFields) []string {
	if len(projections) == 0 {
		return nil
	}
	out := append([]string(nil), projections...)
	for _, name := range []string{keys.Hash, keys.Range, keys.Index, keys.GSIHash, keys.GSIRange} {
		if name == "" {
			continue
		}
		present := false
		for _, p := range out {
			if p == name {
				present = true
				break
			}
		}
		if !present {
			out = append(out, name)
		}
	}
	return out
}
