package query

import (
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"go.uber.org/zap"

	"dynarepo/internal/schema"
	apperrors "dynarepo/pkg/errors"
)

// Builder turns a pack's declarative filters into native store expressions:
// a key condition on the active sort key where one applies, and a filter
// condition for everything else.
type Builder[T any] struct {
	schema *schema.Schema[T]
	logger *zap.Logger
}

// NewBuilder creates a condition builder bound to one type schema.
func NewBuilder[T any](s *schema.Schema[T], logger *zap.Logger) *Builder[T] {
	return &Builder[T]{schema: s, logger: logger}
}

// Keys resolves the hash and sort fields active for the pack: the selected
// index's key pair when IndexName is set, else the table keys. An order-by
// overrides the sort field (the dispatcher picks an index whose range key
// matches it).
func (b *Builder[T]) Keys(pack *Pack) (hashField, sortField string, err error) {
	hashField = b.schema.HashKey
	sortField = b.schema.RangeKey
	if pack.IndexName != "" {
		idx, ok := b.schema.IndexFor(pack.IndexName)
		if !ok {
			return "", "", apperrors.NewIllegalQuery(
				fmt.Sprintf("unknown index %q on type %s", pack.IndexName, b.schema.TypeName))
		}
		hashField = idx.Hash
		sortField = idx.Range
	}
	if pack.OrderBy != nil && pack.OrderBy.Field != "" {
		sortField = pack.OrderBy.Field
	}
	return hashField, sortField, nil
}

// NeedsScanFallback reports whether a filter touches the active sort field
// with an operator the key-condition model cannot express. The dispatcher
// degrades such requests to a scan with client-side sort and pagination.
func (b *Builder[T]) NeedsScanFallback(pack *Pack) (bool, error) {
	_, sortField, err := b.Keys(pack)
	if err != nil {
		return false, err
	}
	if sortField == "" {
		return false, nil
	}
	for _, p := range pack.Filters {
		if p.Field() == sortField && !p.Op().KeyExpressible() {
			return true, nil
		}
	}
	return false, nil
}

// BuildQuery produces the expression for a native query: hash-key equality,
// a sort-key condition from any filters on the active sort field, and a
// filter condition from the rest. projections, when non-empty, restrict the
// returned attributes.
func (b *Builder[T]) BuildQuery(pack *Pack, hashValue any, projections []string) (expression.Expression, error) {
	hashField, sortField, err := b.Keys(pack)
	if err != nil {
		return expression.Expression{}, err
	}

	hv, err := b.coerce(hashField, hashValue)
	if err != nil {
		return expression.Expression{}, err
	}
	keyCond := expression.Key(hashField).Equal(expression.Value(hv))

	fields, grouped := pack.FiltersByField()

	if sortField != "" {
		if params, ok := grouped[sortField]; ok {
			sortCond, err := b.sortKeyCondition(sortField, params)
			if err != nil {
				return expression.Expression{}, err
			}
			keyCond = keyCond.And(sortCond)
		}
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCond)

	filter, hasFilter, err := b.filterCondition(fields, grouped, sortField)
	if err != nil {
		return expression.Expression{}, err
	}
	if hasFilter {
		builder = builder.WithFilter(filter)
	}
	if len(projections) > 0 {
		builder = builder.WithProjection(projectionOf(projections))
	}

	expr, err := builder.Build()
	if err != nil {
		return expression.Expression{}, apperrors.NewInternal("failed to build query expression", err)
	}
	b.logger.Debug("Built query expression",
		zap.String("type", b.schema.TypeName),
		zap.String("hashField", hashField),
		zap.String("sortField", sortField),
		zap.Int("filters", len(pack.Filters)),
		zap.Bool("filtered", hasFilter),
	)
	return expr, nil
}

// BuildScan produces the expression for the scan fallback: hash-key equality
// becomes an ordinary filter, and sort-field predicates stay in the filter
// condition where every operator is expressible.
func (b *Builder[T]) BuildScan(pack *Pack, hashValue any, projections []string) (expression.Expression, error) {
	hashField, _, err := b.Keys(pack)
	if err != nil {
		return expression.Expression{}, err
	}

	var filter expression.ConditionBuilder
	hasFilter := false

	if hashValue != nil {
		hv, err := b.coerce(hashField, hashValue)
		if err != nil {
			return expression.Expression{}, err
		}
		filter = expression.Name(hashField).Equal(expression.Value(hv))
		hasFilter = true
	}

	fields, grouped := pack.FiltersByField()
	rest, hasRest, err := b.filterCondition(fields, grouped, "")
	if err != nil {
		return expression.Expression{}, err
	}
	switch {
	case hasFilter && hasRest:
		filter = filter.And(rest)
	case hasRest:
		filter = rest
		hasFilter = true
	}

	// An unfiltered, unprojected scan needs no expression at all, and the
	// builder rejects building with nothing set.
	if !hasFilter && len(projections) == 0 {
		return expression.Expression{}, nil
	}

	builder := expression.NewBuilder()
	if hasFilter {
		builder = builder.WithFilter(filter)
	}
	if len(projections) > 0 {
		builder = builder.WithProjection(projectionOf(projections))
	}

	expr, err := builder.Build()
	if err != nil {
		return expression.Expression{}, apperrors.NewInternal("failed to build scan expression", err)
	}
	b.logger.Debug("Built scan expression",
		zap.String("type", b.schema.TypeName),
		zap.String("hashField", hashField),
		zap.Int("filters", len(pack.Filters)),
		zap.Bool("filtered", hasFilter),
	)
	return expr, nil
}

// sortKeyCondition builds the key condition for the active sort field. A
// single predicate maps directly; a valid inequality pair collapses to one
// native BETWEEN. More than two predicates, or an invalid pair, is an illegal
// query shape.
func (b *Builder[T]) sortKeyCondition(field string, params []FilterParameter) (expression.KeyConditionBuilder, error) {
	var zero expression.KeyConditionBuilder

	if len(params) > 2 {
		return zero, apperrors.NewIllegalQuery(
			fmt.Sprintf("%d predicates on range key %s; at most two are expressible", len(params), field))
	}

	for _, p := range params {
		if !p.Op().KeyExpressible() {
			return zero, apperrors.NewIllegalQuery(
				fmt.Sprintf("operator %s on range key %s has no key-condition form", p.Op(), field))
		}
	}

	if len(params) == 1 {
		return b.singleSortCondition(field, params[0])
	}

	// Pair: one lower and one upper inequality bound collapse to BETWEEN.
	a, c := params[0], params[1]
	var lower, upper FilterParameter
	switch {
	case a.Op().isLowerBound() && c.Op().isUpperBound():
		lower, upper = a, c
	case a.Op().isUpperBound() && c.Op().isLowerBound():
		lower, upper = c, a
	default:
		return zero, apperrors.NewIllegalQuery(
			fmt.Sprintf("operators %s and %s on range key %s are not a valid inequality pair", a.Op(), c.Op(), field))
	}

	lo, err := b.resumeBound(field, lower.Op(), lower.Values()[0])
	if err != nil {
		return zero, err
	}
	hi, err := b.resumeBound(field, upper.Op(), upper.Values()[0])
	if err != nil {
		return zero, err
	}
	return expression.Key(field).Between(expression.Value(lo), expression.Value(hi)), nil
}

func (b *Builder[T]) singleSortCondition(field string, p FilterParameter) (expression.KeyConditionBuilder, error) {
	var zero expression.KeyConditionBuilder
	key := expression.Key(field)

	one := func(v any) (any, error) { return b.coerce(field, v) }

	switch p.Op() {
	case OpEq:
		v, err := one(p.Values()[0])
		if err != nil {
			return zero, err
		}
		return key.Equal(expression.Value(v)), nil
	case OpGt:
		v, err := one(p.Values()[0])
		if err != nil {
			return zero, err
		}
		return key.GreaterThan(expression.Value(v)), nil
	case OpLt:
		v, err := one(p.Values()[0])
		if err != nil {
			return zero, err
		}
		return key.LessThan(expression.Value(v)), nil
	case OpGe:
		v, err := b.resumeBound(field, OpGe, p.Values()[0])
		if err != nil {
			return zero, err
		}
		return key.GreaterThanEqual(expression.Value(v)), nil
	case OpLe:
		v, err := b.resumeBound(field, OpLe, p.Values()[0])
		if err != nil {
			return zero, err
		}
		return key.LessThanEqual(expression.Value(v)), nil
	case OpBeginsWith:
		sv, ok := p.Values()[0].(string)
		if !ok {
			return zero, apperrors.NewIllegalQuery(fmt.Sprintf("beginsWith on %s requires a string value", field))
		}
		return key.BeginsWith(sv), nil
	case OpBetween, OpInclusiveBetween, OpGeLtBetween, OpLeGtBetween:
		loOp, hiOp := betweenBoundOps(p.Op())
		lo, err := b.resumeBound(field, loOp, p.Values()[0])
		if err != nil {
			return zero, err
		}
		hi, err := b.resumeBound(field, hiOp, p.Values()[1])
		if err != nil {
			return zero, err
		}
		return key.Between(expression.Value(lo), expression.Value(hi)), nil
	}
	return zero, apperrors.NewIllegalQuery(
		fmt.Sprintf("operator %s on range key %s has no key-condition form", p.Op(), field))
}

// betweenBoundOps splits a between-family operator into its per-bound ops.
func betweenBoundOps(op Operator) (lower, upper Operator) {
	switch op {
	case OpBetween:
		return OpGt, OpLt
	case OpInclusiveBetween:
		return OpGe, OpLe
	case OpGeLtBetween:
		return OpGe, OpLt
	case OpLeGtBetween:
		return OpGt, OpLe
	}
	return op, op
}

// resumeBound coerces an inequality bound for the sort field. Inclusive
// bounds (ge/le) on numeric and date sort keys are nudged one representable
// unit toward the open side: a resume cursor arrives as "ge last-seen" but
// must behave as "strictly after" once folded into the inclusive native
// BETWEEN. Integers move by 1, floats by one ULP, dates by 1ms. Strict
// bounds and string keys pass through untouched.
func (b *Builder[T]) resumeBound(field string, op Operator, v any) (any, error) {
	cv, err := b.coerce(field, v)
	if err != nil {
		return nil, err
	}

	var dir int
	switch op {
	case OpGe:
		dir = +1
	case OpLe:
		dir = -1
	default:
		return cv, nil
	}

	f, ok := b.schema.FieldNamed(field)
	if !ok {
		return cv, nil
	}
	switch f.Kind {
	case schema.KindInt:
		switch n := cv.(type) {
		case int:
			return n + dir, nil
		case int32:
			return n + int32(dir), nil
		case int64:
			return n + int64(dir), nil
		}
	case schema.KindFloat:
		if fv, ok := cv.(float64); ok {
			return math.Nextafter(fv, math.Inf(dir)), nil
		}
	case schema.KindTime:
		if sv, ok := cv.(string); ok {
			t, err := time.Parse(schema.TimeLayout, sv)
			if err != nil {
				return nil, apperrors.NewIllegalQuery(fmt.Sprintf("invalid timestamp bound %q on %s", sv, field))
			}
			return t.Add(time.Duration(dir) * time.Millisecond).Format(schema.TimeLayout), nil
		}
	}
	return cv, nil
}

// filterCondition combines the per-field groups (skipping the sort field,
// which lives in the key condition) into one filter: parameters within a
// group join by their stated combinator, groups join with AND.
func (b *Builder[T]) filterCondition(fields []string, grouped map[string][]FilterParameter, sortField string) (expression.ConditionBuilder, bool, error) {
	var all expression.ConditionBuilder
	has := false

	for _, field := range fields {
		if field == sortField {
			continue
		}
		var group expression.ConditionBuilder
		groupSet := false
		for _, p := range grouped[field] {
			cond, err := b.oneFilterCondition(p)
			if err != nil {
				return all, false, err
			}
			if !groupSet {
				group = cond
				groupSet = true
				continue
			}
			if p.Combinator() == CombineOr {
				group = group.Or(cond)
			} else {
				group = group.And(cond)
			}
		}
		if !groupSet {
			continue
		}
		if !has {
			all = group
			has = true
		} else {
			all = all.And(group)
		}
	}
	return all, has, nil
}

// oneFilterCondition expands a single parameter in filter context, where the
// store supports the full operator set.
func (b *Builder[T]) oneFilterCondition(p FilterParameter) (expression.ConditionBuilder, error) {
	var zero expression.ConditionBuilder
	name := expression.Name(p.Field())

	vals := make([]any, len(p.Values()))
	for i, raw := range p.Values() {
		cv, err := b.coerce(p.Field(), raw)
		if err != nil {
			return zero, err
		}
		vals[i] = cv
	}

	switch p.Op() {
	case OpEq:
		return name.Equal(expression.Value(vals[0])), nil
	case OpNe:
		return name.NotEqual(expression.Value(vals[0])), nil
	case OpGt:
		return name.GreaterThan(expression.Value(vals[0])), nil
	case OpLt:
		return name.LessThan(expression.Value(vals[0])), nil
	case OpGe:
		return name.GreaterThanEqual(expression.Value(vals[0])), nil
	case OpLe:
		return name.LessThanEqual(expression.Value(vals[0])), nil
	case OpBetween:
		return name.GreaterThan(expression.Value(vals[0])).
			And(name.LessThan(expression.Value(vals[1]))), nil
	case OpInclusiveBetween:
		return name.Between(expression.Value(vals[0]), expression.Value(vals[1])), nil
	case OpGeLtBetween:
		return name.GreaterThanEqual(expression.Value(vals[0])).
			And(name.LessThan(expression.Value(vals[1]))), nil
	case OpLeGtBetween:
		return name.GreaterThan(expression.Value(vals[0])).
			And(name.LessThanEqual(expression.Value(vals[1]))), nil
	case OpContains:
		return name.Contains(fmt.Sprintf("%v", vals[0])), nil
	case OpNotContains:
		return name.Contains(fmt.Sprintf("%v", vals[0])).Not(), nil
	case OpBeginsWith:
		return name.BeginsWith(fmt.Sprintf("%v", vals[0])), nil
	case OpIn:
		// Explicit disjunction over per-value placeholders.
		cond := name.Equal(expression.Value(vals[0]))
		for _, v := range vals[1:] {
			cond = cond.Or(name.Equal(expression.Value(v)))
		}
		return cond, nil
	}
	return zero, apperrors.NewIllegalQuery(fmt.Sprintf("unknown operator %q", p.Op()))
}

// coerce applies field-kind coercion to a caller value. Filtering on a field
// the schema does not declare is rejected before any store call.
func (b *Builder[T]) coerce(field string, v any) (any, error) {
	f, ok := b.schema.FieldNamed(field)
	if !ok {
		return nil, apperrors.NewIllegalQuery(
			fmt.Sprintf("field %q is not declared on type %s", field, b.schema.TypeName))
	}
	cv, err := schema.CoerceConditionValue(f.Kind, v)
	if err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	return cv, nil
}

func projectionOf(fields []string) expression.ProjectionBuilder {
	names := make([]expression.NameBuilder, len(fields))
	for i, f := range fields {
		names[i] = expression.Name(f)
	}
	return expression.NamesList(names[0], names[1:]...)
}
