// Package schema defines the per-type schema descriptor used by the
// repository layer for typed field access, key discovery, and item
// (de)serialization. A descriptor is built once at registration time and
// passed by dependency injection; there is no runtime reflection on hot paths.
package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TimeLayout renders timestamps in a fixed-timezone ISO-8601 form whose
// lexicographic order equals chronological order, matching the store's
// string comparison semantics.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Well-known fields every registered type must carry. They are written by the
// write coordinator, never by callers.
const (
	FieldETag      = "etag"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Kind is the scalar kind of a schema field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

// Field describes one named field of T: its scalar kind and typed accessors.
type Field[T any] struct {
	Kind Kind
	Get  func(*T) any
	Set  func(*T, any) error
}

// IndexKey names the key pair of a secondary index. Range is empty for
// hash-only global indexes.
type IndexKey struct {
	Hash  string
	Range string
}

// Schema is the descriptor for one record type.
type Schema[T any] struct {
	TypeName string
	HashKey  string
	RangeKey string // empty for hash-only types
	// Indexes maps index name to its key pair. A local index reuses the
	// table hash key with an alternate range field.
	Indexes map[string]IndexKey
	Fields  map[string]Field[T]
}

// Validate checks the descriptor's internal consistency. Call it once at
// registration; every later accessor assumes a valid schema.
func (s *Schema[T]) Validate() error {
	if s.TypeName == "" {
		return fmt.Errorf("schema: type name is required")
	}
	if s.HashKey == "" {
		return fmt.Errorf("schema %s: hash key is required", s.TypeName)
	}
	if _, ok := s.Fields[s.HashKey]; !ok {
		return fmt.Errorf("schema %s: hash key field %q not declared", s.TypeName, s.HashKey)
	}
	if s.RangeKey != "" {
		if _, ok := s.Fields[s.RangeKey]; !ok {
			return fmt.Errorf("schema %s: range key field %q not declared", s.TypeName, s.RangeKey)
		}
	}
	for name, idx := range s.Indexes {
		if _, ok := s.Fields[idx.Hash]; !ok {
			return fmt.Errorf("schema %s: index %s hash field %q not declared", s.TypeName, name, idx.Hash)
		}
		if idx.Range != "" {
			if _, ok := s.Fields[idx.Range]; !ok {
				return fmt.Errorf("schema %s: index %s range field %q not declared", s.TypeName, name, idx.Range)
			}
		}
	}
	for _, required := range []string{FieldETag, FieldCreatedAt, FieldUpdatedAt} {
		if _, ok := s.Fields[required]; !ok {
			return fmt.Errorf("schema %s: required field %q not declared", s.TypeName, required)
		}
	}
	return nil
}

// FieldNamed returns the descriptor for a named field.
func (s *Schema[T]) FieldNamed(name string) (Field[T], bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// Get reads a named field off a record.
func (s *Schema[T]) Get(name string, rec *T) (any, error) {
	f, ok := s.Fields[name]
	if !ok {
		return nil, fmt.Errorf("schema %s: unknown field %q", s.TypeName, name)
	}
	return f.Get(rec), nil
}

// Set writes a named field on a record.
func (s *Schema[T]) Set(name string, rec *T, value any) error {
	f, ok := s.Fields[name]
	if !ok {
		return fmt.Errorf("schema %s: unknown field %q", s.TypeName, name)
	}
	if f.Set == nil {
		return fmt.Errorf("schema %s: field %q is read-only", s.TypeName, name)
	}
	return f.Set(rec, value)
}

// IndexFor resolves an index key pair by name.
func (s *Schema[T]) IndexFor(name string) (IndexKey, bool) {
	idx, ok := s.Indexes[name]
	return idx, ok
}

// MarshalItem converts a record into a store item. Time fields are rendered
// through FormatValue afterwards so the stored string form matches cursors
// and condition bounds byte for byte; the default marshaller drops trailing
// zero fractions, which breaks lexicographic time ordering against them.
func (s *Schema[T]) MarshalItem(rec *T) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s item: %w", s.TypeName, err)
	}
	for name, f := range s.Fields {
		if f.Kind != KindTime {
			continue
		}
		if _, ok := item[name]; !ok {
			continue
		}
		raw, err := FormatValue(KindTime, f.Get(rec))
		if err != nil {
			return nil, fmt.Errorf("failed to render %s.%s: %w", s.TypeName, name, err)
		}
		item[name] = &types.AttributeValueMemberS{Value: raw}
	}
	return item, nil
}

// UnmarshalItem converts a store item back into a record.
func (s *Schema[T]) UnmarshalItem(item map[string]types.AttributeValue) (*T, error) {
	rec := new(T)
	if err := attributevalue.UnmarshalMap(item, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s item: %w", s.TypeName, err)
	}
	return rec, nil
}

// FormatValue renders a field value as the string form used in page tokens
// and range comparisons.
func FormatValue(kind Kind, v any) (string, error) {
	switch kind {
	case KindString:
		sv, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("schema: expected string, got %T", v)
		}
		return sv, nil
	case KindInt:
		switch n := v.(type) {
		case int:
			return strconv.Itoa(n), nil
		case int32:
			return strconv.FormatInt(int64(n), 10), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		default:
			return "", fmt.Errorf("schema: expected integer, got %T", v)
		}
	case KindFloat:
		fv, ok := v.(float64)
		if !ok {
			return "", fmt.Errorf("schema: expected float64, got %T", v)
		}
		return strconv.FormatFloat(fv, 'f', -1, 64), nil
	case KindBool:
		bv, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("schema: expected bool, got %T", v)
		}
		return strconv.FormatBool(bv), nil
	case KindTime:
		tv, ok := v.(time.Time)
		if !ok {
			return "", fmt.Errorf("schema: expected time.Time, got %T", v)
		}
		return tv.UTC().Format(TimeLayout), nil
	}
	return "", fmt.Errorf("schema: unknown field kind %d", kind)
}

// AttrFromString converts a page-token component back into the attribute
// value the store expects for a key of the given kind.
func AttrFromString(kind Kind, raw string) (types.AttributeValue, error) {
	switch kind {
	case KindString, KindTime:
		return &types.AttributeValueMemberS{Value: raw}, nil
	case KindInt, KindFloat:
		return &types.AttributeValueMemberN{Value: raw}, nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("schema: invalid bool component %q", raw)
		}
		return &types.AttributeValueMemberBOOL{Value: b}, nil
	}
	return nil, fmt.Errorf("schema: unknown field kind %d", kind)
}

// CoerceConditionValue converts a caller-supplied filter value into the form
// the expression builder should marshal: times become fixed-zone ISO strings
// so they compare lexicographically.
func CoerceConditionValue(kind Kind, v any) (any, error) {
	if kind != KindTime {
		return v, nil
	}
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC().Format(TimeLayout), nil
	case string:
		// Already rendered (e.g. a decoded cursor component).
		return tv, nil
	default:
		return nil, fmt.Errorf("schema: expected time.Time, got %T", v)
	}
}
