// Package repository is the caching repository layer over the partitioned
// store: typed reads with strategy-based dispatch, optimistic-concurrency
// writes, tiered response caching, and fingerprint-backed conditional reads.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"dynarepo/internal/cache"
	"dynarepo/internal/etag"
	"dynarepo/internal/observability"
	"dynarepo/internal/pagination"
	"dynarepo/internal/query"
	"dynarepo/internal/schema"
	"dynarepo/internal/store"
	"dynarepo/pkg/config"
	apperrors "dynarepo/pkg/errors"
)

// Identifiers addresses the records one request targets. Hash alone selects a
// partition; Hash plus Range selects one record; Hash plus Ranges selects an
// explicit ordered list of records under one partition. All empty means the
// whole table.
type Identifiers struct {
	Hash   any
	Range  any
	Ranges []any
}

func (id Identifiers) hasHash() bool { return id.Hash != nil }

// ItemResult is one record with its content fingerprint.
type ItemResult[T any] struct {
	Item *T     `json:"item"`
	ETag string `json:"etag"`
}

// ItemListResult is one page of records. PageToken resumes the next page,
// or carries the END_OF_LIST sentinel when the result set is exhausted.
type ItemListResult[T any] struct {
	PageToken string `json:"pageToken"`
	Count     int    `json:"count"`
	Items     []*T   `json:"items"`
	ETag      string `json:"etag"`
}

// Repository binds one record type's schema to the store, cache, and
// fingerprint manager. Construct once at startup and share.
type Repository[T any] struct {
	schema  *schema.Schema[T]
	store   store.Store
	builder *query.Builder[T]
	codec   *pagination.Codec[T]
	cache   *cache.Manager
	etags   *etag.Manager
	dynamic *config.DynamicConfig
	metrics *observability.Collector
	logger  *zap.Logger
}

// New validates the schema and wires a repository for T.
func New[T any](
	s *schema.Schema[T],
	st store.Store,
	cm *cache.Manager,
	em *etag.Manager,
	dynamic *config.DynamicConfig,
	metrics *observability.Collector,
	logger *zap.Logger,
) (*Repository[T], error) {
	if err := s.Validate(); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	return &Repository[T]{
		schema:  s,
		store:   st,
		builder: query.NewBuilder(s, logger),
		codec:   pagination.NewCodec(s),
		cache:   cm,
		etags:   em,
		dynamic: dynamic,
		metrics: metrics,
		logger:  logger.With(zap.String("type", s.TypeName)),
	}, nil
}

// queryScope namespaces query and aggregation fingerprints apart from
// per-object ones, so a type-wide purge after a write drops stale list tags
// without discarding the object tag persisted by that same write.
func (r *Repository[T]) queryScope() string {
	return r.schema.TypeName + "#q"
}

// Read fetches one record by its identifiers, consulting the object cache
// first. A miss in storage is NOT_FOUND, never an empty success.
func (r *Repository[T]) Read(ctx context.Context, ids Identifiers, projections ...string) (*ItemResult[T], error) {
	if !ids.hasHash() {
		return nil, apperrors.NewValidation("read requires a hash identifier")
	}
	if r.schema.RangeKey != "" && ids.Range == nil {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("read on %s requires a range identifier", r.schema.TypeName))
	}

	objKey, err := r.objectKey(ids, projections)
	if err != nil {
		return nil, err
	}

	if raw, ok := r.cache.Get(ctx, cache.TierObject, r.schema.TypeName, objKey); ok {
		rec := new(T)
		if err := json.Unmarshal(raw, rec); err == nil {
			return &ItemResult[T]{Item: rec, ETag: r.recordTag(rec)}, nil
		}
		// A torn entry is dropped and the read falls through to storage.
		r.cache.Remove(ctx, cache.TierObject, r.schema.TypeName, objKey)
	}

	key, err := r.storageKey(ids.Hash, ids.Range)
	if err != nil {
		return nil, err
	}
	item, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.NewNotFound(
			fmt.Sprintf("%s %s not found", r.schema.TypeName, objKey))
	}

	rec, err := r.schema.UnmarshalItem(item)
	if err != nil {
		return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
	}
	r.cacheObject(ctx, rec, projections)

	if len(projections) > 0 {
		view := r.projectRecord(rec, projections)
		tag := r.recordTag(view)
		r.etags.Record(ctx, r.schema.TypeName, objKey, tag)
		return &ItemResult[T]{Item: view, ETag: tag}, nil
	}

	tag := r.recordTag(rec)
	r.etags.Record(ctx, r.schema.TypeName, objKey, tag)
	return &ItemResult[T]{Item: rec, ETag: tag}, nil
}

// ReadAll fetches one page of records, dispatching to the strategy the
// identifier/filter shape calls for.
func (r *Repository[T]) ReadAll(ctx context.Context, ids Identifiers, pageToken string, pack *query.Pack, projections ...string) (*ItemListResult[T], error) {
	pack, err := r.normalize(pack)
	if err != nil {
		return nil, err
	}

	listKey := r.listCacheKey(pack, pageToken, projections)
	if raw, ok := r.cache.Get(ctx, cache.TierList, r.schema.TypeName, listKey); ok {
		cached := new(ItemListResult[T])
		if err := json.Unmarshal(raw, cached); err == nil {
			return cached, nil
		}
		r.cache.Remove(ctx, cache.TierList, r.schema.TypeName, listKey)
	}

	result, err := r.dispatch(ctx, ids, pageToken, pack, projections)
	if err != nil {
		return nil, err
	}

	tag, tagErr := etag.ComputeList(result.Items)
	if tagErr != nil {
		r.logger.Warn("List fingerprint skipped", zap.Error(tagErr))
	} else {
		result.ETag = tag
		r.etags.Record(ctx, r.queryScope(), etag.ListKey(pack.BaseKey, pageToken), tag)
	}

	if raw, err := json.Marshal(result); err == nil {
		r.cache.Put(ctx, cache.TierList, r.schema.TypeName, listKey, raw)
	}
	return result, nil
}

// CheckItemETag reports whether the caller's fingerprint still matches the
// record's, without materializing the record. Any doubt is a non-match.
func (r *Repository[T]) CheckItemETag(ctx context.Context, ids Identifiers, callerTag string, projections ...string) bool {
	objKey, err := r.objectKey(ids, projections)
	if err != nil {
		return false
	}
	return r.etags.Check(ctx, r.schema.TypeName, objKey, callerTag)
}

// CheckItemListETag is the list/aggregation counterpart of CheckItemETag.
func (r *Repository[T]) CheckItemListETag(ctx context.Context, pack *query.Pack, pageToken, callerTag string) bool {
	if pack == nil {
		return false
	}
	key := etag.ListKey(pack.BaseKey, pageToken)
	if pack.Aggregate != nil {
		key = etag.AggregationKey(pack.BaseKey, pack.Aggregate.CacheSuffix())
	}
	return r.etags.Check(ctx, r.queryScope(), key, callerTag)
}

// normalize validates the pack and settles its page limit against the
// configured default and cap. The input pack is never mutated.
func (r *Repository[T]) normalize(pack *query.Pack) (*query.Pack, error) {
	if pack == nil {
		return nil, apperrors.NewValidation("query pack is required")
	}
	tun := r.dynamic.Current()

	p := *pack
	if p.Limit == 0 {
		p.Limit = tun.DefaultPageSize
	}
	if p.Limit > tun.MaxPageSize {
		p.Limit = tun.MaxPageSize
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// objectKey renders the cache/fingerprint key addressing one record.
func (r *Repository[T]) objectKey(ids Identifiers, projections []string) (string, error) {
	if !ids.hasHash() {
		return "", apperrors.NewValidation("object key requires a hash identifier")
	}
	hash, err := r.formatKeyValue(r.schema.HashKey, ids.Hash)
	if err != nil {
		return "", err
	}
	rng := ""
	if r.schema.RangeKey != "" && ids.Range != nil {
		if rng, err = r.formatKeyValue(r.schema.RangeKey, ids.Range); err != nil {
			return "", err
		}
	}
	return etag.ObjectKey(hash, rng, projections), nil
}

func (r *Repository[T]) listCacheKey(pack *query.Pack, pageToken string, projections []string) string {
	key := etag.ListKey(pack.BaseKey, pageToken)
	if len(projections) > 0 {
		key += "?" + strings.Join(projections, ",")
	}
	return key
}

// formatKeyValue renders an identifier value in its token/cache string form.
func (r *Repository[T]) formatKeyValue(field string, v any) (string, error) {
	f, ok := r.schema.FieldNamed(field)
	if !ok {
		return "", apperrors.NewInternal(
			fmt.Sprintf("key field %q not declared on type %s", field, r.schema.TypeName), nil)
	}
	raw, err := schema.FormatValue(f.Kind, v)
	if err != nil {
		return "", apperrors.NewValidation(err.Error())
	}
	return raw, nil
}

// storageKey builds the attribute-value key map for a Get or Delete.
func (r *Repository[T]) storageKey(hash, rng any) (store.Key, error) {
	key := make(store.Key, 2)
	attr, err := r.keyAttr(r.schema.HashKey, hash)
	if err != nil {
		return nil, err
	}
	key[r.schema.HashKey] = attr

	if r.schema.RangeKey != "" {
		if rng == nil {
			return nil, apperrors.NewValidation(
				fmt.Sprintf("%s key requires a range value", r.schema.TypeName))
		}
		attr, err := r.keyAttr(r.schema.RangeKey, rng)
		if err != nil {
			return nil, err
		}
		key[r.schema.RangeKey] = attr
	}
	return key, nil
}

func (r *Repository[T]) keyAttr(field string, v any) (types.AttributeValue, error) {
	f, ok := r.schema.FieldNamed(field)
	if !ok {
		return nil, apperrors.NewInternal(fmt.Sprintf("key field %q not declared", field), nil)
	}
	raw, err := schema.FormatValue(f.Kind, v)
	if err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	attr, err := schema.AttrFromString(f.Kind, raw)
	if err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	return attr, nil
}

// recordTag reads the fingerprint off a record, computing one if the record
// predates fingerprinting.
func (r *Repository[T]) recordTag(rec *T) string {
	if v, err := r.schema.Get(schema.FieldETag, rec); err == nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	tag, err := fingerprint(r.schema, rec)
	if err != nil {
		return ""
	}
	return tag
}

// cacheObject replaces the record's object-cache entries: the full-key form,
// the short hash-only form, and, when requested, a projection-qualified form
// holding only the projected fields.
func (r *Repository[T]) cacheObject(ctx context.Context, rec *T, projections []string) {
	raw, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("Object cache skipped", zap.Error(err))
		return
	}

	hash, rng, err := r.recordKeyStrings(rec)
	if err != nil {
		r.logger.Warn("Object cache skipped", zap.Error(err))
		return
	}

	r.cache.Put(ctx, cache.TierObject, r.schema.TypeName, etag.ObjectKey(hash, rng, nil), raw)
	if rng != "" {
		r.cache.Put(ctx, cache.TierObject, r.schema.TypeName, etag.ObjectKey(hash, "", nil), raw)
	}
	if len(projections) > 0 {
		view, err := json.Marshal(r.projectRecord(rec, projections))
		if err != nil {
			r.logger.Warn("Object cache skipped", zap.Error(err))
			return
		}
		r.cache.Put(ctx, cache.TierObject, r.schema.TypeName, etag.ObjectKey(hash, rng, projections), view)
	}
}

// projectRecord copies the requested fields, plus the key fields, onto a
// fresh record: the restricted view a projected read returns and caches.
// Unknown or read-only field names are skipped; pack validation rejects them
// upstream where that matters.
func (r *Repository[T]) projectRecord(rec *T, projections []string) *T {
	view := new(T)
	fields := make([]string, 0, len(projections)+2)
	fields = append(fields, r.schema.HashKey)
	if r.schema.RangeKey != "" {
		fields = append(fields, r.schema.RangeKey)
	}
	fields = append(fields, projections...)

	seen := make(map[string]struct{}, len(fields))
	for _, name := range fields {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		v, err := r.schema.Get(name, rec)
		if err != nil {
			continue
		}
		if err := r.schema.Set(name, view, v); err != nil {
			r.logger.Warn("Projection field skipped",
				zap.String("field", name), zap.Error(err))
		}
	}
	return view
}

// recordKeyStrings reads a record's own key values in string form.
func (r *Repository[T]) recordKeyStrings(rec *T) (hash, rng string, err error) {
	hv, err := r.schema.Get(r.schema.HashKey, rec)
	if err != nil {
		return "", "", err
	}
	if hash, err = r.formatKeyValue(r.schema.HashKey, hv); err != nil {
		return "", "", err
	}
	if r.schema.RangeKey != "" {
		rv, err := r.schema.Get(r.schema.RangeKey, rec)
		if err != nil {
			return "", "", err
		}
		if rng, err = r.formatKeyValue(r.schema.RangeKey, rv); err != nil {
			return "", "", err
		}
	}
	return hash, rng, nil
}
