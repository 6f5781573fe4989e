package query

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	apperrors "dynarepo/pkg/errors"
)

var validate = validator.New()

// AggregateFunction enumerates the supported aggregation functions.
type AggregateFunction string

const (
	AggMin   AggregateFunction = "MIN"
	AggMax   AggregateFunction = "MAX"
	AggAvg   AggregateFunction = "AVG"
	AggSum   AggregateFunction = "SUM"
	AggCount AggregateFunction = "COUNT"
)

// SortOrder orders grouped results within one nesting level.
type SortOrder string

const (
	SortByKeyAsc    SortOrder = "KEY_ASC"
	SortByKeyDesc   SortOrder = "KEY_DESC"
	SortByValueAsc  SortOrder = "VALUE_ASC"
	SortByValueDesc SortOrder = "VALUE_DESC"
)

// RangeUnit buckets a grouped field by fixed-size ranges.
type RangeUnit string

const (
	RangeNone    RangeUnit = ""
	RangeNumeric RangeUnit = "NUMERIC"
	RangeDays    RangeUnit = "DAYS"
	RangeHours   RangeUnit = "HOURS"
)

// Grouping configures one nesting level of an aggregation.
type Grouping struct {
	Field     string    `validate:"required"`
	RangeUnit RangeUnit `validate:"oneof='' NUMERIC DAYS HOURS"`
	RangeSize float64   // bucket width when RangeUnit is set
	Order     SortOrder `validate:"oneof=KEY_ASC KEY_DESC VALUE_ASC VALUE_DESC"`
	// Limit caps the groups returned at this level; 0 means the full list.
	Limit int `validate:"min=0"`
}

// Aggregation describes the aggregate a request asks for.
type Aggregation struct {
	Function AggregateFunction `validate:"oneof=MIN MAX AVG SUM COUNT"`
	Field    string            // aggregated field; optional for COUNT
	// Groupings nest up to three levels, outermost first.
	Groupings []Grouping `validate:"max=3,dive"`
}

// Pack is the immutable bundle of declarative query parameters for one
// request. BaseKey is the cache/ETag namespace root, derived deterministically
// by the caller from route plus raw query string.
type Pack struct {
	Filters   []FilterParameter
	OrderBy   *OrderBy
	Limit     int `validate:"min=1,max=100"`
	IndexName string
	Aggregate *Aggregation
	BaseKey   string `validate:"required"`
}

// Validate rejects malformed packs before any store call. Grouping chains
// longer than three levels are an illegal query shape, not a validation nit.
func (p *Pack) Validate() error {
	if p.Aggregate != nil && len(p.Aggregate.Groupings) > 3 {
		return apperrors.NewIllegalQuery(
			fmt.Sprintf("grouping chain of %d exceeds the 3-level maximum", len(p.Aggregate.Groupings)))
	}
	if err := validate.Struct(p); err != nil {
		return apperrors.NewValidation(err.Error())
	}
	if p.Aggregate != nil {
		if err := validate.Struct(p.Aggregate); err != nil {
			return apperrors.NewValidation(err.Error())
		}
		if p.Aggregate.Function != AggCount && p.Aggregate.Field == "" {
			return apperrors.NewValidation(
				fmt.Sprintf("%s aggregation requires a field", p.Aggregate.Function))
		}
	}
	return nil
}

// FiltersByField groups filters per field, preserving first-seen field order
// and per-field parameter order.
func (p *Pack) FiltersByField() ([]string, map[string][]FilterParameter) {
	order := make([]string, 0, len(p.Filters))
	grouped := make(map[string][]FilterParameter, len(p.Filters))
	for _, f := range p.Filters {
		if _, seen := grouped[f.field]; !seen {
			order = append(order, f.field)
		}
		grouped[f.field] = append(grouped[f.field], f)
	}
	return order, grouped
}

// GroupingHash fingerprints a grouping chain so distinct grouping shapes
// never share a cache or ETag key.
func (a *Aggregation) GroupingHash() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s", a.Function, a.Field)
	for _, g := range a.Groupings {
		fmt.Fprintf(h, "|%s:%s:%g:%s:%d", g.Field, g.RangeUnit, g.RangeSize, g.Order, g.Limit)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// CacheSuffix is the function-specific suffix appended to the pack's BaseKey
// for aggregation cache and fingerprint entries.
func (a *Aggregation) CacheSuffix() string {
	return fmt.Sprintf("_%s_%s_%s", a.Field, a.Function, a.GroupingHash())
}

// SortFilterFields returns the filtered field names in deterministic order,
// used when deriving fingerprint keys.
func (p *Pack) SortFilterFields() []string {
	fields, _ := p.FiltersByField()
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return sorted
}
