package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dynarepo/internal/store"
	apperrors "dynarepo/pkg/errors"
)

// fakeStore is an in-memory Store with real conditional-write semantics and
// key-ordered queries, enough to exercise every dispatch strategy and the
// optimistic-concurrency loop without a live table. Filter expressions are
// not evaluated; the condition builder has its own tests.
type fakeStore struct {
	mu           sync.Mutex
	items        map[string]store.Item
	hashField    string
	rangeField   string
	indexSort    map[string]string
	scanPageSize int

	getCalls   int
	queryCalls int
	scanCalls  int
	batchCalls int
}

func newFakeStore(hashField, rangeField string) *fakeStore {
	return &fakeStore{
		items:      make(map[string]store.Item),
		hashField:  hashField,
		rangeField: rangeField,
		indexSort:  make(map[string]string),
	}
}

func attrString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprintf("%t", v.Value)
	}
	return ""
}

func (f *fakeStore) ident(item store.Item) string {
	return attrString(item[f.hashField]) + "|" + attrString(item[f.rangeField])
}

func cloneItem(item store.Item) store.Item {
	out := make(store.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeStore) Get(_ context.Context, key store.Key) (store.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	item, ok := f.items[f.ident(key)]
	if !ok {
		return nil, nil
	}
	return cloneItem(item), nil
}

// sortedLocked returns every item ordered by one attribute's string form.
func (f *fakeStore) sortedLocked(sortField string, forward bool) []store.Item {
	out := make([]store.Item, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, cloneItem(item))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := attrString(out[i][sortField]), attrString(out[j][sortField])
		if a == b {
			return attrString(out[i][f.rangeField]) < attrString(out[j][f.rangeField])
		}
		if forward {
			return a < b
		}
		return a > b
	})
	return out
}

// seekAfter drops everything ordered at or before the start key, comparing
// attribute string forms the way the store's key comparator does. A stored
// form that diverges from the cursor form mispositions here, exactly as it
// would against a live table.
func (f *fakeStore) seekAfter(items []store.Item, startKey store.Key, sortField string, forward bool) []store.Item {
	if startKey == nil {
		return items
	}
	startSort := attrString(startKey[sortField])
	startRange := attrString(startKey[f.rangeField])
	for i, item := range items {
		s, r := attrString(item[sortField]), attrString(item[f.rangeField])
		var after bool
		if forward {
			after = s > startSort || (s == startSort && r > startRange)
		} else {
			after = s < startSort || (s == startSort && r < startRange)
		}
		if after {
			return items[i:]
		}
	}
	return nil
}

func (f *fakeStore) Query(_ context.Context, in store.QueryInput) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++

	sortField := f.rangeField
	if in.IndexName != "" {
		sf, ok := f.indexSort[in.IndexName]
		if !ok {
			return store.Page{}, apperrors.NewTransport(fmt.Sprintf("no such index %q", in.IndexName), nil)
		}
		sortField = sf
	}

	rest := f.seekAfter(f.sortedLocked(sortField, in.ScanForward), in.StartKey, sortField, in.ScanForward)
	if in.Limit > 0 && len(rest) > int(in.Limit) {
		page := rest[:in.Limit]
		last := page[len(page)-1]
		lastKey := store.Key{
			f.hashField:  last[f.hashField],
			f.rangeField: last[f.rangeField],
		}
		if sortField != f.rangeField {
			lastKey[sortField] = last[sortField]
		}
		return store.Page{Items: page, LastKey: lastKey}, nil
	}
	return store.Page{Items: rest}, nil
}

func (f *fakeStore) Scan(_ context.Context, in store.ScanInput) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++

	rest := f.seekAfter(f.sortedLocked(f.rangeField, true), in.StartKey, f.rangeField, true)
	size := f.scanPageSize
	if size > 0 && len(rest) > size {
		page := rest[:size]
		last := page[len(page)-1]
		return store.Page{
			Items: page,
			LastKey: store.Key{
				f.hashField:  last[f.hashField],
				f.rangeField: last[f.rangeField],
			},
		}, nil
	}
	return store.Page{Items: rest}, nil
}

// BatchGet returns hits in reverse request order, imitating a store that
// does not preserve key order.
func (f *fakeStore) BatchGet(_ context.Context, keys []store.Key) ([]store.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++

	out := make([]store.Item, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if item, ok := f.items[f.ident(keys[i])]; ok {
			out = append(out, cloneItem(item))
		}
	}
	return out, nil
}

func (f *fakeStore) checkLocked(existing store.Item, pre store.Precondition) error {
	if pre.AbsentAttribute != "" {
		if existing != nil {
			if _, present := existing[pre.AbsentAttribute]; present {
				return apperrors.NewConflict("conditional check failed: attribute exists", nil)
			}
		}
		return nil
	}
	if len(pre.ExpectedValues) > 0 {
		if existing == nil {
			return apperrors.NewConflict("conditional check failed: no stored record", nil)
		}
		for name, want := range pre.ExpectedValues {
			attr, ok := existing[name]
			if !ok || attrString(attr) != want {
				return apperrors.NewConflict("conditional check failed: value mismatch", nil)
			}
		}
	}
	return nil
}

func (f *fakeStore) ConditionalPut(_ context.Context, item store.Item, pre store.Precondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.ident(item)
	if err := f.checkLocked(f.items[id], pre); err != nil {
		return err
	}
	f.items[id] = cloneItem(item)
	return nil
}

func (f *fakeStore) ConditionalDelete(_ context.Context, key store.Key, pre store.Precondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.ident(key)
	if err := f.checkLocked(f.items[id], pre); err != nil {
		return err
	}
	delete(f.items, id)
	return nil
}

var _ store.Store = (*fakeStore)(nil)
