// Package filter turns retrieval filters into where clauses understood by the
// vector stores, and evaluates those clauses against chunk metadata.
package filter

import (
	"encoding/json"
	"strings"
	"time"

	"finrag/internal/domain"
)

// Operator is a where-clause operator.
type Operator string

const (
	OpEq       Operator = "$eq"
	OpGte      Operator = "$gte"
	OpLte      Operator = "$lte"
	OpAnd      Operator = "$and"
	OpContains Operator = "$contains"
)

// Clause is a node of a where expression. A leaf compares Field against
// Value with Op; an $and node holds its operands in And. Document clauses
// use OpContains with an empty Field.
type Clause struct {
	Field string
	Op    Operator
	Value string
	And   []Clause
}

// Eq builds an equality leaf.
func Eq(field, value string) Clause {
	return Clause{Field: field, Op: OpEq, Value: value}
}

// Gte builds a greater-or-equal leaf.
func Gte(field, value string) Clause {
	return Clause{Field: field, Op: OpGte, Value: value}
}

// Lte builds a less-or-equal leaf.
func Lte(field, value string) Clause {
	return Clause{Field: field, Op: OpLte, Value: value}
}

// And wraps operands in a conjunction.
func And(operands ...Clause) Clause {
	return Clause{Op: OpAnd, And: operands}
}

// Contains builds a document containment clause.
func Contains(text string) Clause {
	return Clause{Op: OpContains, Value: text}
}

// Conditions returns the leaves of the clause in order.
func (c Clause) Conditions() []Clause {
	if c.Op != OpAnd {
		return []Clause{c}
	}
	var out []Clause
	for _, child := range c.And {
		out = append(out, child.Conditions()...)
	}
	return out
}

// MarshalJSON renders the Chroma-style representation, e.g.
// {"ticker":{"$eq":"AAPL"}} or {"$and":[...]}.
func (c Clause) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case OpAnd:
		return json.Marshal(map[string][]Clause{string(OpAnd): c.And})
	case OpContains:
		return json.Marshal(map[string]string{string(OpContains): c.Value})
	default:
		return json.Marshal(map[string]map[string]string{
			c.Field: {string(c.Op): c.Value},
		})
	}
}

// Match evaluates the clause against flattened chunk metadata.
// A nil clause matches everything.
func (c *Clause) Match(md map[string]string) bool {
	if c == nil {
		return true
	}
	switch c.Op {
	case OpAnd:
		for i := range c.And {
			if !c.And[i].Match(md) {
				return false
			}
		}
		return true
	case OpEq:
		return md[c.Field] == c.Value
	case OpGte, OpLte:
		v, ok := md[c.Field]
		if !ok || v == "" {
			return false
		}
		cmp := compare(v, c.Value)
		if c.Op == OpGte {
			return cmp >= 0
		}
		return cmp <= 0
	default:
		return false
	}
}

// MatchDocument evaluates a document clause against chunk text.
// A nil clause matches everything.
func (c *Clause) MatchDocument(text string) bool {
	if c == nil {
		return true
	}
	switch c.Op {
	case OpContains:
		return strings.Contains(strings.ToLower(text), strings.ToLower(c.Value))
	case OpAnd:
		for i := range c.And {
			if !c.And[i].MatchDocument(text) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compare orders two values chronologically when both are dates and
// lexically otherwise.
func compare(a, b string) int {
	ta, errA := time.Parse(domain.DateLayout, a)
	tb, errB := time.Parse(domain.DateLayout, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}
