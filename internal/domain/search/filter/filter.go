// Package filter describes payload pre-filters pushed down to the vector store.
package filter

import (
	"fmt"
	"strings"
)

// CategoryKey is the payload field holding the image category.
const CategoryKey = "category"

// MaxConditionsPerGroup is the maximum number of conditions per filter group.
const MaxConditionsPerGroup = 16

// Expression is a conjunction of keyword matches with optional exclusions.
type Expression struct {
	must    []Condition
	mustNot []Condition
}

// NewExpression validates and creates a filter Expression.
func NewExpression(must, mustNot []Condition) (Expression, error) {
	if len(must) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must conditions (max %d)", MaxConditionsPerGroup)
	}
	if len(mustNot) > MaxConditionsPerGroup {
		return Expression{}, fmt.Errorf("too many must_not conditions (max %d)", MaxConditionsPerGroup)
	}
	return Expression{must: must, mustNot: mustNot}, nil
}

// ByCategory returns an expression matching a single category.
// An empty category yields the empty expression.
func ByCategory(category string) Expression {
	if category == "" {
		return Expression{}
	}
	return Expression{must: []Condition{{key: CategoryKey, match: category}}}
}

// Must returns the must conditions.
func (e Expression) Must() []Condition { return e.must }

// MustNot returns the must-not conditions.
func (e Expression) MustNot() []Condition { return e.mustNot }

// IsEmpty reports whether the expression has no conditions.
func (e Expression) IsEmpty() bool {
	return len(e.must) == 0 && len(e.mustNot) == 0
}

// String renders a stable textual form, used in fingerprints and logs.
func (e Expression) String() string {
	if e.IsEmpty() {
		return ""
	}
	parts := make([]string, 0, len(e.must)+len(e.mustNot))
	for _, c := range e.must {
		parts = append(parts, c.key+"="+c.match)
	}
	for _, c := range e.mustNot {
		parts = append(parts, c.key+"!="+c.match)
	}
	return strings.Join(parts, "&")
}

// Condition is an exact keyword match on a payload field.
type Condition struct {
	key   string
	match string
}

// NewMatch creates an exact keyword match condition.
func NewMatch(key, match string) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	if match == "" {
		return Condition{}, fmt.Errorf("match value is required for key %q", key)
	}
	return Condition{key: key, match: match}, nil
}

// Key returns the field name.
func (c Condition) Key() string { return c.key }

// Match returns the exact match value.
func (c Condition) Match() string { return c.match }
