package query

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"hubdata/format"
	"hubdata/schema"
)

// Error is an invalid plan: an unknown column or a value that cannot be
// compared with the column's type. It is reported by Collect.
type Error struct {
	Column string
	Msg    string
}

func (e *Error) Error() string {
	if e.Column == "" {
		return "query: " + e.Msg
	}
	return fmt.Sprintf("query: column %q: %s", e.Column, e.Msg)
}

type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Predicate compares one column with a literal. A plan's predicates are
// combined with AND.
type Predicate struct {
	Column string
	Op     Op
	Value  any
}

func (p Predicate) String() string {
	if s, ok := p.Value.(string); ok {
		return fmt.Sprintf("%s %s %q", p.Column, p.Op, s)
	}
	return fmt.Sprintf("%s %s %v", p.Column, p.Op, p.Value)
}

func Eq(column string, value any) Predicate { return Predicate{column, OpEq, value} }
func Ne(column string, value any) Predicate { return Predicate{column, OpNe, value} }
func Lt(column string, value any) Predicate { return Predicate{column, OpLt, value} }
func Le(column string, value any) Predicate { return Predicate{column, OpLe, value} }
func Gt(column string, value any) Predicate { return Predicate{column, OpGt, value} }
func Ge(column string, value any) Predicate { return Predicate{column, OpGe, value} }

// bound is a predicate resolved against the schema. value is in the
// canonical domain of the field: int64, float64, string or arrow.Date32.
type bound struct {
	field schema.Field
	op    Op
	value any
}

func bind(p Predicate, ls *schema.LogicalSchema) (bound, error) {
	field, ok := ls.Field(p.Column)
	if !ok {
		return bound{}, &Error{Column: p.Column, Msg: "unknown column"}
	}
	v, err := canonical(field, p.Value)
	if err != nil {
		return bound{}, &Error{Column: p.Column, Msg: err.Error()}
	}
	return bound{field: field, op: p.Op, value: v}, nil
}

// canonical converts a literal into the value domain of field.
func canonical(field schema.Field, v any) (any, error) {
	switch field.Type {
	case schema.Date:
		switch v := v.(type) {
		case time.Time:
			return arrow.Date32FromTime(v), nil
		case arrow.Date32:
			return v, nil
		case string:
			d, ok := format.ParseISODate(v)
			if !ok {
				return nil, fmt.Errorf("%q is not an ISO calendar date", v)
			}
			return d, nil
		}
	case schema.ShortInteger, schema.LongInteger:
		switch v := v.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
				return int64(v), nil
			}
		}
	case schema.Float32, schema.Float64:
		var f float64
		switch v := v.(type) {
		case int:
			f = float64(v)
		case int32:
			f = float64(v)
		case int64:
			f = float64(v)
		case float32:
			f = float64(v)
		case float64:
			f = v
		default:
			f = math.NaN()
		}
		if !math.IsNaN(f) {
			// Float32 columns hold float32 values; compare at that precision.
			if field.Type == schema.Float32 {
				f = float64(float32(f))
			}
			return f, nil
		}
	case schema.UTF8String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %s column with %T %v", field.Type, v, v)
}

// parseKey reads a partition key as a value of field's type.
func parseKey(field schema.Field, key string) (any, error) {
	switch field.Type {
	case schema.Date:
		if d, ok := format.ParseISODate(key); ok {
			return d, nil
		}
	case schema.ShortInteger, schema.LongInteger:
		if n, err := strconv.ParseInt(key, 10, field.Type.Bits()); err == nil {
			return n, nil
		}
	case schema.Float32, schema.Float64:
		if f, err := strconv.ParseFloat(key, field.Type.Bits()); err == nil {
			return f, nil
		}
	case schema.UTF8String:
		return key, nil
	}
	return nil, fmt.Errorf("partition key %q is not a valid %s", key, field.Type)
}

func test[T cmp.Ordered](a, b T, op Op) bool {
	c := cmp.Compare(a, b)
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// matches evaluates b against one non-null value of the same domain.
func (b bound) matches(v any) bool {
	switch want := b.value.(type) {
	case int64:
		got, ok := v.(int64)
		return ok && test(got, want, b.op)
	case float64:
		got, ok := v.(float64)
		return ok && test(got, want, b.op)
	case string:
		got, ok := v.(string)
		return ok && test(got, want, b.op)
	case arrow.Date32:
		got, ok := v.(arrow.Date32)
		return ok && test(got, want, b.op)
	}
	return false
}

func rangeMayMatch[T cmp.Ordered](lo, hi, v T, op Op) bool {
	switch op {
	case OpEq:
		return lo <= v && v <= hi
	case OpNe:
		return !(lo == v && hi == v)
	case OpLt:
		return lo < v
	case OpLe:
		return lo <= v
	case OpGt:
		return hi > v
	case OpGe:
		return hi >= v
	}
	return true
}

// mayMatch reports whether a row group with these statistics can contain a
// row satisfying b. Unknown statistics always may match.
func (b bound) mayMatch(numRows int64, cs format.ColumnStats) bool {
	if cs.NullCount >= 0 && cs.NullCount == numRows && numRows > 0 {
		return false
	}
	if !cs.HasRange {
		return true
	}
	switch v := b.value.(type) {
	case int64:
		lo, ok1 := cs.Min.(int64)
		hi, ok2 := cs.Max.(int64)
		return !ok1 || !ok2 || rangeMayMatch(lo, hi, v, b.op)
	case float64:
		lo, ok1 := cs.Min.(float64)
		hi, ok2 := cs.Max.(float64)
		return !ok1 || !ok2 || rangeMayMatch(lo, hi, v, b.op)
	case string:
		lo, ok1 := cs.Min.(string)
		hi, ok2 := cs.Max.(string)
		return !ok1 || !ok2 || rangeMayMatch(lo, hi, v, b.op)
	case arrow.Date32:
		lo, ok1 := cs.Min.(arrow.Date32)
		hi, ok2 := cs.Max.(arrow.Date32)
		return !ok1 || !ok2 || rangeMayMatch(lo, hi, v, b.op)
	}
	return true
}
