// Package claims models token claims as an ordered sequence of typed values and
// reduces that sequence into a JWT payload.
package claims

import "slices"

// ValueType declares how a claim value is interpreted when it is written into a payload.
type ValueType string

// Supported value types. An empty ValueType is treated as ValueTypeString.
const (
	ValueTypeString    ValueType = "string"
	ValueTypeJSON      ValueType = "json"
	ValueTypeInteger   ValueType = "integer"
	ValueTypeInteger64 ValueType = "integer64"
	ValueTypeDouble    ValueType = "double"
	ValueTypeBoolean   ValueType = "boolean"
)

// Claim is a single (type, value, value type) statement about a subject or client.
type Claim struct {
	Type      string    `json:"type" yaml:"type"`
	Value     string    `json:"value" yaml:"value"`
	ValueType ValueType `json:"value_type,omitempty" yaml:"value_type,omitempty"`
}

// New creates a string claim.
func New(claimType, value string) Claim {
	return Claim{Type: claimType, Value: value, ValueType: ValueTypeString}
}

// NewJSON creates a claim whose value is a JSON document.
func NewJSON(claimType, rawJSON string) Claim {
	return Claim{Type: claimType, Value: rawJSON, ValueType: ValueTypeJSON}
}

// NewTyped creates a claim with an explicit value type.
func NewTyped(claimType, value string, valueType ValueType) Claim {
	return Claim{Type: claimType, Value: value, ValueType: valueType}
}

// Kind returns the effective value type.
func (c Claim) Kind() ValueType {
	if c.ValueType == "" {
		return ValueTypeString
	}
	return c.ValueType
}

type identity struct {
	typ, value string
}

// Distinct removes claims that repeat an earlier (type, value) pair. The first
// occurrence wins and insertion order is preserved.
func Distinct(in []Claim) []Claim {
	seen := make(map[identity]struct{}, len(in))
	out := make([]Claim, 0, len(in))
	for _, c := range in {
		key := identity{typ: c.Type, value: c.Value}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// FilterTypes keeps only claims whose type is listed.
func FilterTypes(in []Claim, types []string) []Claim {
	out := make([]Claim, 0, len(in))
	for _, c := range in {
		if slices.Contains(types, c.Type) {
			out = append(out, c)
		}
	}
	return out
}

// ExcludeTypes drops claims whose type is listed.
func ExcludeTypes(in []Claim, types []string) []Claim {
	out := make([]Claim, 0, len(in))
	for _, c := range in {
		if !slices.Contains(types, c.Type) {
			out = append(out, c)
		}
	}
	return out
}

// Values returns the values of every claim of the given type, in order.
func Values(in []Claim, claimType string) []string {
	var out []string
	for _, c := range in {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// First returns the value of the first claim of the given type.
func First(in []Claim, claimType string) (string, bool) {
	for _, c := range in {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}
