// Package aggregate computes MIN/MAX/AVG/SUM/COUNT over a fully materialized
// record set, flat or through up to three nested grouping levels.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"dynarepo/internal/query"
	"dynarepo/internal/schema"
	apperrors "dynarepo/pkg/errors"
)

// BucketKey is the group key of a ranged (bucketed) grouping level. Floor and
// Ceil bound the bucket, Base is the bucket width, Ratio the bucket ordinal
// (Floor / Base). Date buckets use epoch milliseconds.
type BucketKey struct {
	Floor float64 `json:"floor"`
	Ceil  float64 `json:"ceil"`
	Base  float64 `json:"base"`
	Ratio float64 `json:"ratio"`
}

// Group is one node of the grouped result tree. Value is the aggregate over
// the group's records at every level, so sorting by value works above the
// leaves too.
type Group struct {
	Key             any      `json:"key"`
	Value           float64  `json:"value"`
	Count           int      `json:"count"`
	TotalGroupCount int      `json:"totalGroupCount,omitempty"`
	Groups          []*Group `json:"groups,omitempty"`
}

// Result is one aggregation outcome. For a flat aggregation only Value and
// Count are set; grouped aggregations carry the group tree and the distinct
// group count at the top level, before any limit was applied.
type Result struct {
	Function        query.AggregateFunction `json:"function"`
	Field           string                  `json:"field,omitempty"`
	Value           float64                 `json:"value"`
	Count           int                     `json:"count"`
	TotalGroupCount int                     `json:"totalGroupCount,omitempty"`
	Groups          []*Group                `json:"groups,omitempty"`
}

// Compute runs one aggregation over materialized records.
func Compute[T any](s *schema.Schema[T], items []*T, agg *query.Aggregation) (*Result, error) {
	if agg == nil {
		return nil, apperrors.NewIllegalQuery("aggregation configuration is required")
	}
	if len(agg.Groupings) > 3 {
		return nil, apperrors.NewIllegalQuery(
			fmt.Sprintf("grouping chain of %d exceeds the 3-level maximum", len(agg.Groupings)))
	}

	value, err := fold(s, items, agg)
	if err != nil {
		return nil, err
	}
	result := &Result{
		Function: agg.Function,
		Field:    agg.Field,
		Value:    value,
		Count:    len(items),
	}
	if len(agg.Groupings) == 0 {
		return result, nil
	}

	groups, total, err := groupLevel(s, items, agg, agg.Groupings)
	if err != nil {
		return nil, err
	}
	result.Groups = groups
	result.TotalGroupCount = total
	return result, nil
}

// groupLevel partitions records by the first grouping and recurses into the
// rest. The returned total counts distinct keys before the level's limit.
func groupLevel[T any](s *schema.Schema[T], items []*T, agg *query.Aggregation, groupings []query.Grouping) ([]*Group, int, error) {
	g := groupings[0]
	f, ok := s.FieldNamed(g.Field)
	if !ok {
		return nil, 0, apperrors.NewIllegalQuery(
			fmt.Sprintf("cannot group by undeclared field %q on type %s", g.Field, s.TypeName))
	}

	type partition struct {
		key   any
		items []*T
	}
	order := make([]string, 0, 16)
	parts := make(map[string]*partition, 16)

	for _, item := range items {
		key, ident, err := groupKey(f.Kind, g, f.Get(item))
		if err != nil {
			return nil, 0, err
		}
		p, seen := parts[ident]
		if !seen {
			p = &partition{key: key}
			parts[ident] = p
			order = append(order, ident)
		}
		p.items = append(p.items, item)
	}

	groups := make([]*Group, 0, len(parts))
	for _, ident := range order {
		p := parts[ident]
		value, err := fold(s, p.items, agg)
		if err != nil {
			return nil, 0, err
		}
		node := &Group{Key: p.key, Value: value, Count: len(p.items)}
		if len(groupings) > 1 {
			sub, total, err := groupLevel(s, p.items, agg, groupings[1:])
			if err != nil {
				return nil, 0, err
			}
			node.Groups = sub
			node.TotalGroupCount = total
		}
		groups = append(groups, node)
	}

	total := len(groups)
	sortGroups(groups, g.Order)
	if g.Limit > 0 && len(groups) > g.Limit {
		groups = groups[:g.Limit]
	}
	return groups, total, nil
}

// groupKey derives a level's group key from one field value: a raw value for
// plain grouping, a bucket struct for ranged grouping. ident is the map key
// used to merge records into the same group.
func groupKey(kind schema.Kind, g query.Grouping, v any) (key any, ident string, err error) {
	if g.RangeUnit == query.RangeNone {
		raw, err := schema.FormatValue(kind, v)
		if err != nil {
			return nil, "", apperrors.NewValidation(err.Error())
		}
		return rawKey(kind, v), raw, nil
	}

	if g.RangeSize <= 0 {
		return nil, "", apperrors.NewIllegalQuery(
			fmt.Sprintf("ranged grouping on %q requires a positive bucket size", g.Field))
	}
	n, err := numericValue(kind, v)
	if err != nil {
		return nil, "", err
	}

	width := g.RangeSize
	switch g.RangeUnit {
	case query.RangeDays:
		width *= float64(24 * time.Hour / time.Millisecond)
	case query.RangeHours:
		width *= float64(time.Hour / time.Millisecond)
	}

	ratio := math.Floor(n / width)
	bucket := BucketKey{
		Floor: ratio * width,
		Ceil:  ratio*width + width,
		Base:  width,
		Ratio: ratio,
	}
	return bucket, fmt.Sprintf("b%g", ratio), nil
}

// rawKey keeps plain group keys JSON-friendly; times render in the canonical
// layout rather than Go's default.
func rawKey(kind schema.Kind, v any) any {
	if kind == schema.KindTime {
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(schema.TimeLayout)
		}
	}
	return v
}

// fold computes the aggregate value over one record set.
func fold[T any](s *schema.Schema[T], items []*T, agg *query.Aggregation) (float64, error) {
	if agg.Function == query.AggCount {
		return float64(len(items)), nil
	}

	f, ok := s.FieldNamed(agg.Field)
	if !ok {
		return 0, apperrors.NewIllegalQuery(
			fmt.Sprintf("cannot aggregate undeclared field %q on type %s", agg.Field, s.TypeName))
	}

	var acc float64
	for i, item := range items {
		n, err := numericValue(f.Kind, f.Get(item))
		if err != nil {
			return 0, err
		}
		switch agg.Function {
		case query.AggMin:
			if i == 0 || n < acc {
				acc = n
			}
		case query.AggMax:
			if i == 0 || n > acc {
				acc = n
			}
		case query.AggSum, query.AggAvg:
			acc += n
		default:
			return 0, apperrors.NewIllegalQuery(fmt.Sprintf("unknown aggregate function %q", agg.Function))
		}
	}
	if agg.Function == query.AggAvg && len(items) > 0 {
		acc /= float64(len(items))
	}
	return acc, nil
}

// numericValue coerces an aggregatable field value to float64. Times map to
// epoch milliseconds so they bucket and compare like numbers.
func numericValue(kind schema.Kind, v any) (float64, error) {
	switch kind {
	case schema.KindInt:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case schema.KindFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case schema.KindTime:
		if t, ok := v.(time.Time); ok {
			return float64(t.UnixMilli()), nil
		}
	}
	return 0, apperrors.NewValidation(fmt.Sprintf("field value %T is not aggregatable", v))
}

// sortGroups orders one level by key or by aggregate value.
func sortGroups(groups []*Group, order query.SortOrder) {
	switch order {
	case query.SortByValueAsc:
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].Value < groups[j].Value })
	case query.SortByValueDesc:
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].Value > groups[j].Value })
	case query.SortByKeyDesc:
		sort.SliceStable(groups, func(i, j int) bool { return keyLess(groups[j].Key, groups[i].Key) })
	default:
		sort.SliceStable(groups, func(i, j int) bool { return keyLess(groups[i].Key, groups[j].Key) })
	}
}

// keyLess compares group keys: buckets by floor, numbers numerically,
// everything else by string form.
func keyLess(a, b any) bool {
	if ab, ok := a.(BucketKey); ok {
		if bb, ok := b.(BucketKey); ok {
			return ab.Floor < bb.Floor
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
