package query

import (
	"cmp"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"hubdata/schema"
)

// valueAt returns row i of a canonical column in the predicate domain:
// int64, float64, string or arrow.Date32. ok is false for nulls.
func valueAt(a arrow.Array, i int) (v any, ok bool) {
	if a.IsNull(i) {
		return nil, false
	}
	switch a := a.(type) {
	case *array.Int32:
		return int64(a.Value(i)), true
	case *array.Int64:
		return a.Value(i), true
	case *array.Float32:
		return float64(a.Value(i)), true
	case *array.Float64:
		return a.Value(i), true
	case *array.String:
		return a.Value(i), true
	case *array.Date32:
		return a.Value(i), true
	}
	return nil, false
}

// compareAt orders rows i and j of a, placing nulls last regardless of
// direction.
func compareAt(a arrow.Array, i, j int, desc bool) int {
	vi, oki := valueAt(a, i)
	vj, okj := valueAt(a, j)
	switch {
	case !oki && !okj:
		return 0
	case !oki:
		return 1
	case !okj:
		return -1
	}
	var c int
	switch x := vi.(type) {
	case int64:
		c = cmp.Compare(x, vj.(int64))
	case float64:
		c = cmp.Compare(x, vj.(float64))
	case string:
		c = cmp.Compare(x, vj.(string))
	case arrow.Date32:
		c = cmp.Compare(x, vj.(arrow.Date32))
	}
	if desc {
		return -c
	}
	return c
}

// constantArray repeats v, a value from parseKey, n times as field's type.
func constantArray(mem memory.Allocator, field schema.Field, v any, n int) (arrow.Array, error) {
	bld := array.NewBuilder(mem, field.Type.ArrowType())
	defer bld.Release()
	bld.Reserve(n)
	for range n {
		switch b := bld.(type) {
		case *array.StringBuilder:
			b.Append(v.(string))
		case *array.Int32Builder:
			b.Append(int32(v.(int64)))
		case *array.Int64Builder:
			b.Append(v.(int64))
		case *array.Float32Builder:
			b.Append(float32(v.(float64)))
		case *array.Float64Builder:
			b.Append(v.(float64))
		case *array.Date32Builder:
			b.Append(v.(arrow.Date32))
		default:
			return nil, fmt.Errorf("partition column %s: unsupported type %s", field.Name, field.Type)
		}
	}
	return bld.NewArray(), nil
}
