package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ScopeType is the reserved claim type whose values are emitted either as an
// array or as a single space-delimited string.
const ScopeType = "scope"

// Options controls payload construction.
type Options struct {
	// ScopesAsSpaceDelimitedString collapses all scope claims into one string.
	ScopesAsSpaceDelimitedString bool

	// ArrayTypes lists claim types that are always emitted as arrays, even with a
	// single value (for example "amr"). The scope type is always an array unless
	// ScopesAsSpaceDelimitedString is set.
	ArrayTypes []string
}

// Payload is an ordered mapping from claim type to its JSON value.
type Payload struct {
	keys   []string
	values map[string]any
}

// Get returns the value stored for key.
func (p *Payload) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the claim types in emission order.
func (p *Payload) Keys() []string {
	return slices.Clone(p.keys)
}

// Len returns the number of distinct claim types.
func (p *Payload) Len() int {
	return len(p.keys)
}

// Map returns an unordered copy of the payload.
func (p *Payload) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the payload preserving emission order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type group struct {
	claimType string
	members   []Claim
}

// BuildPayload reduces an ordered claim sequence into a payload.
//
// Claims are de-duplicated by (type, value) and grouped by type in order of first
// occurrence. A group with a single member is emitted as a scalar (JSON values are
// decoded as-is). Groups with several members become one array: string and other
// scalar values are appended, JSON arrays are flattened into it, and JSON objects
// are appended as elements. Scope claims follow Options instead.
func BuildPayload(in []Claim, opts Options) (*Payload, error) {
	groups := groupByType(Distinct(in))

	p := &Payload{
		keys:   make([]string, 0, len(groups)),
		values: make(map[string]any, len(groups)),
	}
	for _, g := range groups {
		v, err := reduceGroup(g, opts)
		if err != nil {
			return nil, err
		}
		p.keys = append(p.keys, g.claimType)
		p.values[g.claimType] = v
	}
	return p, nil
}

func groupByType(in []Claim) []group {
	index := make(map[string]int)
	var out []group
	for _, c := range in {
		i, ok := index[c.Type]
		if !ok {
			i = len(out)
			index[c.Type] = i
			out = append(out, group{claimType: c.Type})
		}
		out[i].members = append(out[i].members, c)
	}
	return out
}

func reduceGroup(g group, opts Options) (any, error) {
	if g.claimType == ScopeType {
		scopes := make([]string, 0, len(g.members))
		for _, c := range g.members {
			scopes = append(scopes, c.Value)
		}
		if opts.ScopesAsSpaceDelimitedString {
			return strings.Join(scopes, " "), nil
		}
		return scopes, nil
	}

	if len(g.members) == 1 && !slices.Contains(opts.ArrayTypes, g.claimType) {
		return convert(g.members[0])
	}

	out := make([]any, 0, len(g.members))
	for _, c := range g.members {
		v, err := convert(c)
		if err != nil {
			return nil, err
		}
		if arr, ok := v.([]any); ok && c.Kind() == ValueTypeJSON {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// convert decodes a claim value according to its value type. Typed values that do
// not parse are emitted as strings; malformed JSON is an error.
func convert(c Claim) (any, error) {
	switch c.Kind() {
	case ValueTypeJSON:
		dec := json.NewDecoder(strings.NewReader(c.Value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("claim %q: invalid JSON value: %w", c.Type, err)
		}
		if dec.More() {
			return nil, fmt.Errorf("claim %q: trailing data after JSON value", c.Type)
		}
		return v, nil
	case ValueTypeInteger, ValueTypeInteger64:
		if n, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
			return n, nil
		}
	case ValueTypeDouble:
		if f, err := strconv.ParseFloat(c.Value, 64); err == nil {
			return f, nil
		}
	case ValueTypeBoolean:
		if b, err := strconv.ParseBool(c.Value); err == nil {
			return b, nil
		}
	}
	return c.Value, nil
}
