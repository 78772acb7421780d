package format

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"hubdata/schema"
)

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseISODate parses an unambiguous YYYY-MM-DD calendar date.
func ParseISODate(s string) (arrow.Date32, bool) {
	if !isoDate.MatchString(s) {
		return 0, false
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, false
	}
	return arrow.Date32FromTime(t), true
}

// IsISODate reports whether s is a YYYY-MM-DD calendar date.
func IsISODate(s string) bool {
	_, ok := ParseISODate(s)
	return ok
}

// ValueError reports a value that cannot be stored in its canonical column
// without loss, found while decoding rows.
type ValueError struct {
	Column string
	Msg    string
}

func (e *ValueError) Error() string { return e.Msg }

// columnBuilder appends source values into the canonical array of one field,
// applying only lossless conversions.
type columnBuilder struct {
	field schema.Field
	b     array.Builder
	nulls map[string]bool
}

func newColumnBuilder(mem memory.Allocator, field schema.Field, nullValues []string) *columnBuilder {
	nulls := make(map[string]bool, len(nullValues))
	for _, v := range nullValues {
		nulls[v] = true
	}
	return &columnBuilder{
		field: field,
		b:     array.NewBuilder(mem, field.Type.ArrowType()),
		nulls: nulls,
	}
}

func (c *columnBuilder) valueErr(msg string, args ...any) error {
	return &ValueError{Column: c.field.Name, Msg: fmt.Sprintf(msg, args...)}
}

func (c *columnBuilder) appendNull() error {
	if !c.field.Nullable {
		return c.valueErr("null value in non-nullable column %s", c.field.Name)
	}
	c.b.AppendNull()
	return nil
}

func (c *columnBuilder) appendNulls(n int) error {
	if n == 0 {
		return nil
	}
	if !c.field.Nullable {
		return c.valueErr("missing values for non-nullable column %s", c.field.Name)
	}
	c.b.AppendNulls(n)
	return nil
}

func (c *columnBuilder) appendInt(v int64) error {
	switch c.field.Type {
	case schema.ShortInteger:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return c.valueErr("value %d overflows %s column %s", v, c.field.Type, c.field.Name)
		}
		c.b.(*array.Int32Builder).Append(int32(v))
	case schema.LongInteger:
		c.b.(*array.Int64Builder).Append(v)
	case schema.Float32:
		c.b.(*array.Float32Builder).Append(float32(v))
	case schema.Float64:
		c.b.(*array.Float64Builder).Append(float64(v))
	default:
		return c.valueErr("cannot read integer %d as %s column %s", v, c.field.Type, c.field.Name)
	}
	return nil
}

func (c *columnBuilder) appendFloat(v float64) error {
	switch c.field.Type {
	case schema.Float32:
		c.b.(*array.Float32Builder).Append(float32(v))
	case schema.Float64:
		c.b.(*array.Float64Builder).Append(v)
	default:
		return c.valueErr("cannot read floating point %v as %s column %s", v, c.field.Type, c.field.Name)
	}
	return nil
}

func (c *columnBuilder) appendString(s string) error {
	switch c.field.Type {
	case schema.UTF8String:
		c.b.(*array.StringBuilder).Append(s)
	case schema.Date:
		d, ok := ParseISODate(s)
		if !ok {
			return c.valueErr("value %q in date column %s is not an ISO calendar date", s, c.field.Name)
		}
		c.b.(*array.Date32Builder).Append(d)
	default:
		return c.valueErr("cannot read string %q as %s column %s", s, c.field.Type, c.field.Name)
	}
	return nil
}

func (c *columnBuilder) appendDate(d arrow.Date32) error {
	if c.field.Type != schema.Date {
		return c.valueErr("cannot read date as %s column %s", c.field.Type, c.field.Name)
	}
	c.b.(*array.Date32Builder).Append(d)
	return nil
}

// appendText parses a CSV cell according to the target type.
func (c *columnBuilder) appendText(s string) error {
	if c.nulls[s] {
		return c.appendNull()
	}
	switch c.field.Type {
	case schema.UTF8String, schema.Date:
		return c.appendString(s)
	case schema.ShortInteger, schema.LongInteger:
		v, err := strconv.ParseInt(s, 10, c.field.Type.Bits())
		if err != nil {
			return c.valueErr("value %q in %s column %s is not an integer", s, c.field.Type, c.field.Name)
		}
		return c.appendInt(v)
	case schema.Float32, schema.Float64:
		v, err := strconv.ParseFloat(s, c.field.Type.Bits())
		if err != nil {
			return c.valueErr("value %q in %s column %s is not a number", s, c.field.Type, c.field.Name)
		}
		return c.appendFloat(v)
	}
	return fmt.Errorf("unsupported target type %s", c.field.Type)
}

func (c *columnBuilder) newArray() arrow.Array {
	return c.b.NewArray()
}

func (c *columnBuilder) release() {
	c.b.Release()
}

// batchBuilder accumulates one record worth of target columns.
type batchBuilder struct {
	schema  *arrow.Schema
	columns []*columnBuilder
	rows    int
}

func newBatchBuilder(req DecodeRequest) *batchBuilder {
	bb := &batchBuilder{
		schema:  req.arrowSchema(),
		columns: make([]*columnBuilder, len(req.Targets)),
	}
	for i, t := range req.Targets {
		bb.columns[i] = newColumnBuilder(req.Allocator, t.Field, req.NullValues)
	}
	return bb
}

// flush builds a record from the accumulated rows and resets the builders.
func (bb *batchBuilder) flush() arrow.Record {
	cols := make([]arrow.Array, len(bb.columns))
	for i, c := range bb.columns {
		cols[i] = c.newArray()
	}
	rec := array.NewRecord(bb.schema, cols, int64(bb.rows))
	for _, col := range cols {
		col.Release()
	}
	bb.rows = 0
	return rec
}

func (bb *batchBuilder) release() {
	for _, c := range bb.columns {
		c.release()
	}
}

// emitBatch flushes bb into emit and releases the record afterwards.
func emitBatch(bb *batchBuilder, emit func(arrow.Record) error) error {
	rec := bb.flush()
	defer rec.Release()
	return emit(rec)
}
