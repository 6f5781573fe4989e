package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynarepo/internal/cache"
	"dynarepo/internal/etag"
	"dynarepo/internal/schema"
	"dynarepo/internal/store"
	apperrors "dynarepo/pkg/errors"
)

// WriteMode selects the conditional-write precondition family.
type WriteMode string

const (
	// ModeCreate writes only if no record exists under the key.
	ModeCreate WriteMode = "create"
	// ModeUpdate writes only if the stored fingerprint matches the one the
	// caller last observed.
	ModeUpdate WriteMode = "update"
)

// UpdateFn derives the next record state from the current stored one. It must
// be pure: the coordinator reapplies it to a fresh copy after every
// conditional-check failure.
type UpdateFn[T any] func(current *T) (*T, error)

// batchConcurrency bounds the per-record fan-out of one batch write.
const batchConcurrency = 8

// BatchError reports a partially failed batch. Outcomes is indexed by request
// position; a nil entry means that record committed. Committed records are
// not rolled back, which is a documented limitation of batch writes here.
type BatchError struct {
	Outcomes []error
}

func (e *BatchError) Error() string {
	failed := 0
	first := ""
	for _, err := range e.Outcomes {
		if err != nil {
			failed++
			if first == "" {
				first = err.Error()
			}
		}
	}
	return fmt.Sprintf("%d of %d records failed: %s", failed, len(e.Outcomes), first)
}

// Write commits records concurrently under one mode, each through its own
// optimistic-concurrency loop. All records must succeed; on any failure the
// returned error is a *BatchError and the result slice carries nil at the
// failed positions.
func (r *Repository[T]) Write(ctx context.Context, mode WriteMode, records []*T, fn UpdateFn[T]) ([]*T, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if mode != ModeCreate && mode != ModeUpdate {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown write mode %q", mode))
	}

	batchID := uuid.NewString()
	out := make([]*T, len(records))
	outcomes := make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			written, err := r.writeOne(gctx, mode, rec, fn)
			if err != nil {
				outcomes[i] = err
				r.logger.Error("Batch record write failed",
					zap.String("batchId", batchID),
					zap.Int("position", i),
					zap.Error(err),
				)
				return nil
			}
			out[i] = written
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range outcomes {
		if err != nil {
			return out, &BatchError{Outcomes: outcomes}
		}
	}
	return out, nil
}

// Delete removes records by identifier, each through the same conditional
// loop, and returns the records as they were stored before deletion.
func (r *Repository[T]) Delete(ctx context.Context, ids []Identifiers) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	batchID := uuid.NewString()
	out := make([]*T, len(ids))
	outcomes := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			deleted, err := r.deleteOne(gctx, id)
			if err != nil {
				outcomes[i] = err
				r.logger.Error("Batch record delete failed",
					zap.String("batchId", batchID),
					zap.Int("position", i),
					zap.Error(err),
				)
				return nil
			}
			out[i] = deleted
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range outcomes {
		if err != nil {
			return out, &BatchError{Outcomes: outcomes}
		}
	}
	return out, nil
}

// writeOne runs one record's conditional-write state machine: attempt, and on
// a conditional-check failure refetch the stored version, reapply the update
// function, and try again, bounded by the configured retry limit.
func (r *Repository[T]) writeOne(ctx context.Context, mode WriteMode, rec *T, fn UpdateFn[T]) (*T, error) {
	if mode == ModeCreate {
		return r.createOne(ctx, rec, fn)
	}

	limit := r.dynamic.Current().LockRetryLimit
	current := rec
	observed := r.storedTag(current)

	for retries := 0; ; retries++ {
		next, err := r.applyUpdate(current, fn, rec)
		if err != nil {
			return nil, err
		}
		if err := r.prepare(next, current); err != nil {
			return nil, err
		}

		err = r.putConditional(ctx, next, observed)
		if err == nil {
			r.postCommit(ctx, next)
			return next, nil
		}
		if !apperrors.IsConflict(err) {
			return nil, err
		}

		if r.metrics != nil {
			r.metrics.LockRetries.Inc()
		}
		if retries >= limit {
			return nil, r.lockExhausted(ctx, rec, next, retries)
		}

		refetched, err := r.refetch(ctx, rec)
		if err != nil {
			return nil, err
		}
		current = refetched
		observed = r.storedTag(current)
	}
}

func (r *Repository[T]) createOne(ctx context.Context, rec *T, fn UpdateFn[T]) (*T, error) {
	next, err := r.applyUpdate(rec, fn, rec)
	if err != nil {
		return nil, err
	}
	if err := r.prepare(next, nil); err != nil {
		return nil, err
	}

	item, err := r.schema.MarshalItem(next)
	if err != nil {
		return nil, apperrors.NewInternal("failed to marshal record", err)
	}
	err = r.store.ConditionalPut(ctx, item, store.Precondition{AbsentAttribute: r.schema.HashKey})
	if err != nil {
		// A create conflict means the record already exists; a retry cannot
		// change that, so it surfaces instead of looping.
		if apperrors.IsConflict(err) {
			hash, rng, keyErr := r.recordKeyStrings(next)
			if keyErr == nil {
				return nil, apperrors.NewConflict(
					fmt.Sprintf("%s %s already exists", r.schema.TypeName, etag.ObjectKey(hash, rng, nil)), err)
			}
		}
		return nil, err
	}

	r.postCommit(ctx, next)
	return next, nil
}

func (r *Repository[T]) deleteOne(ctx context.Context, id Identifiers) (*T, error) {
	key, err := r.storageKey(id.Hash, id.Range)
	if err != nil {
		return nil, err
	}

	item, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		objKey, _ := r.objectKey(id, nil)
		return nil, apperrors.NewNotFound(fmt.Sprintf("%s %s not found", r.schema.TypeName, objKey))
	}
	current, err := r.schema.UnmarshalItem(item)
	if err != nil {
		return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
	}

	limit := r.dynamic.Current().LockRetryLimit
	for retries := 0; ; retries++ {
		err := r.store.ConditionalDelete(ctx, key, r.deletePrecondition(current))
		if err == nil {
			r.postDelete(ctx, current)
			return current, nil
		}
		if !apperrors.IsConflict(err) {
			return nil, err
		}

		if r.metrics != nil {
			r.metrics.LockRetries.Inc()
		}
		if retries >= limit {
			return nil, r.lockExhausted(ctx, current, current, retries)
		}

		item, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if item == nil {
			// Another writer deleted it between attempts.
			return current, nil
		}
		if current, err = r.schema.UnmarshalItem(item); err != nil {
			return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
		}
	}
}

// applyUpdate produces the next state. With an update function the base is
// whatever version is current; without one the caller's payload wins as-is,
// which makes retried plain updates last-writer-wins.
func (r *Repository[T]) applyUpdate(current *T, fn UpdateFn[T], fallback *T) (*T, error) {
	if fn == nil {
		cp := *fallback
		return &cp, nil
	}
	next, err := fn(current)
	if err != nil {
		return nil, apperrors.Wrap(err, "update function failed")
	}
	if next == nil {
		return nil, apperrors.NewValidation("update function returned no record")
	}
	return next, nil
}

// prepare stamps the well-known fields before a write: createdAt preserved
// from the stored version (or set now on create), updatedAt always now, and
// the fingerprint recomputed over the final content.
func (r *Repository[T]) prepare(next, current *T) error {
	now := time.Now().UTC()

	created := now
	if current != nil {
		if v, err := r.schema.Get(schema.FieldCreatedAt, current); err == nil {
			if t, ok := v.(time.Time); ok && !t.IsZero() {
				created = t
			}
		}
	}
	if err := r.schema.Set(schema.FieldCreatedAt, next, created); err != nil {
		return apperrors.NewInternal("failed to set createdAt", err)
	}
	if err := r.schema.Set(schema.FieldUpdatedAt, next, now); err != nil {
		return apperrors.NewInternal("failed to set updatedAt", err)
	}

	tag, err := fingerprint(r.schema, next)
	if err != nil {
		return apperrors.NewInternal("failed to fingerprint record", err)
	}
	if err := r.schema.Set(schema.FieldETag, next, tag); err != nil {
		return apperrors.NewInternal("failed to set etag", err)
	}
	return nil
}

// putConditional writes the record guarded by the fingerprint the caller last
// observed. A record that predates fingerprinting is guarded by fingerprint
// absence instead.
func (r *Repository[T]) putConditional(ctx context.Context, next *T, observed string) error {
	item, err := r.schema.MarshalItem(next)
	if err != nil {
		return apperrors.NewInternal("failed to marshal record", err)
	}

	pre := store.Precondition{}
	if observed == "" {
		pre.AbsentAttribute = schema.FieldETag
	} else {
		pre.ExpectedValues = map[string]string{schema.FieldETag: observed}
	}
	return r.store.ConditionalPut(ctx, item, pre)
}

func (r *Repository[T]) deletePrecondition(current *T) store.Precondition {
	observed := r.storedTag(current)
	if observed == "" {
		return store.Precondition{AbsentAttribute: schema.FieldETag}
	}
	return store.Precondition{ExpectedValues: map[string]string{schema.FieldETag: observed}}
}

// refetch loads the current stored version of a record's key.
func (r *Repository[T]) refetch(ctx context.Context, rec *T) (*T, error) {
	hv, err := r.schema.Get(r.schema.HashKey, rec)
	if err != nil {
		return nil, apperrors.NewInternal("failed to read record key", err)
	}
	var rv any
	if r.schema.RangeKey != "" {
		if rv, err = r.schema.Get(r.schema.RangeKey, rec); err != nil {
			return nil, apperrors.NewInternal("failed to read record key", err)
		}
	}
	key, err := r.storageKey(hv, rv)
	if err != nil {
		return nil, err
	}

	item, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.NewNotFound(
			fmt.Sprintf("%s disappeared between write attempts", r.schema.TypeName))
	}
	current, err := r.schema.UnmarshalItem(item)
	if err != nil {
		return nil, apperrors.NewInternal("failed to unmarshal stored record", err)
	}
	return current, nil
}

// lockExhausted reports a write that lost the conditional race past the retry
// bound. Both conflicting versions go to the log in full; livelock under
// pathological contention ends here rather than looping forever.
func (r *Repository[T]) lockExhausted(ctx context.Context, requested, attempted *T, retries int) error {
	if r.metrics != nil {
		r.metrics.LockExhausted.Inc()
	}
	r.logger.Error("Optimistic lock exhausted",
		zap.Int("retries", retries),
		zap.Any("requested", requested),
		zap.Any("attempted", attempted),
	)
	return apperrors.NewLockExhausted(
		fmt.Sprintf("%s write lost the conditional race %d times", r.schema.TypeName, retries))
}

// storedTag reads the fingerprint field as stored, without computing a
// fallback; absence is meaningful to the write precondition.
func (r *Repository[T]) storedTag(rec *T) string {
	v, err := r.schema.Get(schema.FieldETag, rec)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// postCommit runs the write's cache and fingerprint sequence, in order:
// object cache replacement under full and short keys, projection-variant
// eviction, fingerprint persistence, then the type-wide purge of
// list/aggregation entries and query fingerprints.
func (r *Repository[T]) postCommit(ctx context.Context, rec *T) {
	r.cacheObject(ctx, rec, nil)

	hash, rng, err := r.recordKeyStrings(rec)
	if err == nil {
		r.dropProjectionVariants(ctx, hash, rng)
		r.etags.Record(ctx, r.schema.TypeName, etag.ObjectKey(hash, rng, nil), r.recordTag(rec))
	}

	r.cache.PurgeType(ctx, r.schema.TypeName)
	r.etags.PurgeType(ctx, r.queryScope())
}

// postDelete mirrors postCommit for a removed record.
func (r *Repository[T]) postDelete(ctx context.Context, rec *T) {
	hash, rng, err := r.recordKeyStrings(rec)
	if err == nil {
		r.cache.Remove(ctx, cache.TierObject, r.schema.TypeName, etag.ObjectKey(hash, rng, nil))
		if rng != "" {
			r.cache.Remove(ctx, cache.TierObject, r.schema.TypeName, etag.ObjectKey(hash, "", nil))
		}
		r.dropProjectionVariants(ctx, hash, rng)
		r.etags.Drop(ctx, r.schema.TypeName, etag.ObjectKey(hash, rng, nil))
	}

	r.cache.PurgeType(ctx, r.schema.TypeName)
	r.etags.PurgeType(ctx, r.queryScope())
}

// dropProjectionVariants evicts the record's projection-qualified cache
// entries and fingerprints. Projected views hold a subset of the fields, so
// the full-key replacement above does not refresh them.
func (r *Repository[T]) dropProjectionVariants(ctx context.Context, hash, rng string) {
	prefix := etag.ObjectKey(hash, rng, nil) + "?"
	r.cache.RemovePrefix(ctx, cache.TierObject, r.schema.TypeName, prefix)
	r.etags.DropPrefix(ctx, r.schema.TypeName, prefix)
}

// fingerprint computes a record's content tag with the tag field itself
// cleared, so the value never hashes itself.
func fingerprint[T any](s *schema.Schema[T], rec *T) (string, error) {
	cp := *rec
	if err := s.Set(schema.FieldETag, &cp, ""); err != nil {
		return "", err
	}
	return etag.ComputeItem(&cp)
}
