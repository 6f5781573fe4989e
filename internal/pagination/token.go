// Package pagination encodes and decodes the opaque cursors used to resume
// paged queries. A token is the base64 form of the last returned record's key
// components joined by "/": hash, then range, index, GSI hash, and GSI range,
// in that positional order, with absent components omitted entirely.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dynarepo/internal/schema"
	apperrors "dynarepo/pkg/errors"
)

// EndOfList is the sentinel token marking an exhausted result set.
const EndOfList = "END_OF_LIST"

// KeyFields names the fields a cursor is built from. Hash is required;
// everything else is optional and omitted from the token when absent. The
// wire layout is positional, so a field left empty here must also be empty
// on decode for already-issued cursors to keep working.
type KeyFields struct {
	Hash     string
	Range    string
	Index    string // local index sort field
	GSIHash  string
	GSIRange string
}

// components lists the present fields in wire-position order.
func (k KeyFields) components() []string {
	out := make([]string, 0, 5)
	for _, name := range []string{k.Hash, k.Range, k.Index, k.GSIHash, k.GSIRange} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Codec encodes cursors for one record type.
type Codec[T any] struct {
	schema *schema.Schema[T]
}

// NewCodec creates a codec bound to a type schema.
func NewCodec[T any](s *schema.Schema[T]) *Codec[T] {
	return &Codec[T]{schema: s}
}

// Encode renders the cursor naming rec as the last record returned. Absent
// components are omitted, never emitted as empty placeholders that could
// collide with real values.
func (c *Codec[T]) Encode(rec *T, keys KeyFields) (string, error) {
	parts := make([]string, 0, 5)
	for _, name := range keys.components() {
		f, ok := c.schema.FieldNamed(name)
		if !ok {
			return "", apperrors.NewInternal(
				fmt.Sprintf("cursor field %q not declared on type %s", name, c.schema.TypeName), nil)
		}
		raw, err := schema.FormatValue(f.Kind, f.Get(rec))
		if err != nil {
			return "", apperrors.NewInternal(fmt.Sprintf("cursor field %q", name), err)
		}
		parts = append(parts, raw)
	}
	if len(parts) == 0 {
		return "", apperrors.NewInternal("cursor requires at least a hash component", nil)
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, "/"))), nil
}

// Decode reconstructs the exclusive-start key map from a token. Components
// assign positionally; a token carrying only a hash component is valid for
// hash-only queries.
func (c *Codec[T]) Decode(token string, keys KeyFields) (map[string]types.AttributeValue, error) {
	if token == "" || token == EndOfList {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.NewValidation(fmt.Sprintf("malformed page token: %v", err))
	}

	parts := strings.Split(string(raw), "/")
	names := keys.components()
	if len(parts) > len(names) {
		return nil, apperrors.NewValidation(
			fmt.Sprintf("page token carries %d components, query uses %d key fields", len(parts), len(names)))
	}

	startKey := make(map[string]types.AttributeValue, len(parts))
	for i, part := range parts {
		name := names[i]
		f, ok := c.schema.FieldNamed(name)
		if !ok {
			return nil, apperrors.NewInternal(
				fmt.Sprintf("cursor field %q not declared on type %s", name, c.schema.TypeName), nil)
		}
		attr, err := schema.AttrFromString(f.Kind, part)
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("page token component %d: %v", i, err))
		}
		startKey[name] = attr
	}
	return startKey, nil
}
