// Package query runs filtered, projected scans over a built dataset.
//
// A Builder is an immutable description of a scan: every method returns a
// new Builder and leaves the receiver untouched, so a partially built query
// can be shared and extended. Nothing is read until Collect.
//
// Predicates on the partition field prune whole partitions before any file
// is opened. Predicates on content fields skip Parquet row groups whose
// statistics rule them out and are then evaluated row by row.
package query

import (
	"fmt"
	"slices"
	"strings"

	"hubdata/dataset"
)

// SortKey orders the result by one column. Nulls sort last in both
// directions.
type SortKey struct {
	Column     string
	Descending bool
}

func Asc(column string) SortKey  { return SortKey{Column: column} }
func Desc(column string) SortKey { return SortKey{Column: column, Descending: true} }

func (k SortKey) String() string {
	if k.Descending {
		return k.Column + " DESC"
	}
	return k.Column
}

// Builder describes a scan over a dataset.
type Builder struct {
	ds      *dataset.Dataset
	columns []string
	preds   []Predicate
	sort    []SortKey
	limit   int
	err     error
}

// Scan starts a query over every column and row of d.
func Scan(d *dataset.Dataset) *Builder {
	return &Builder{ds: d, limit: -1}
}

func (b *Builder) clone() *Builder {
	c := *b
	c.columns = slices.Clone(b.columns)
	c.preds = slices.Clone(b.preds)
	c.sort = slices.Clone(b.sort)
	return &c
}

// Filter adds predicates, ANDed with the existing ones.
func (b *Builder) Filter(preds ...Predicate) *Builder {
	c := b.clone()
	c.preds = append(c.preds, preds...)
	return c
}

// Where parses expr with ParseWhere and adds its predicates. A parse error
// is reported by Collect.
func (b *Builder) Where(expr string) *Builder {
	c := b.clone()
	preds, err := ParseWhere(expr)
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		return c
	}
	c.preds = append(c.preds, preds...)
	return c
}

// Select projects the result onto columns, in that order. Without Select
// every schema column is returned.
func (b *Builder) Select(columns ...string) *Builder {
	c := b.clone()
	c.columns = slices.Clone(columns)
	return c
}

// SortBy replaces the sort order.
func (b *Builder) SortBy(keys ...SortKey) *Builder {
	c := b.clone()
	c.sort = slices.Clone(keys)
	return c
}

// Limit caps the number of rows returned. A negative n removes the cap.
func (b *Builder) Limit(n int) *Builder {
	c := b.clone()
	c.limit = n
	return c
}

// Plan is the resolved description of a query.
type Plan struct {
	Columns    []string
	Predicates []Predicate
	Sort       []SortKey
	Limit      int // -1 for no limit
}

// Plan returns the query as described so far. Columns is filled with the
// schema order when no projection was given.
func (b *Builder) Plan() Plan {
	cols := slices.Clone(b.columns)
	if len(cols) == 0 {
		for _, f := range b.ds.Schema().Fields() {
			cols = append(cols, f.Name)
		}
	}
	return Plan{
		Columns:    cols,
		Predicates: slices.Clone(b.preds),
		Sort:       slices.Clone(b.sort),
		Limit:      b.limit,
	}
}

func (p Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s", strings.Join(p.Columns, ", "))
	if len(p.Predicates) > 0 {
		parts := make([]string, len(p.Predicates))
		for i, pr := range p.Predicates {
			parts[i] = pr.String()
		}
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(parts, " AND "))
	}
	if len(p.Sort) > 0 {
		parts := make([]string, len(p.Sort))
		for i, k := range p.Sort {
			parts[i] = k.String()
		}
		fmt.Fprintf(&sb, " ORDER BY %s", strings.Join(parts, ", "))
	}
	if p.Limit >= 0 {
		fmt.Fprintf(&sb, " LIMIT %d", p.Limit)
	}
	return sb.String()
}
