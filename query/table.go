package query

import (
	"iter"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"hubdata/dataset"
)

// Stats describes the work Collect did.
type Stats struct {
	Files            int // files read after partition pruning
	FilesSkipped     int // files that failed while their rows were read
	PartitionsPruned int
	RowGroupsSkipped int
}

// Table is a materialized query result. It owns its records; call Release
// when done.
type Table struct {
	schema  *arrow.Schema
	records []arrow.Record
	rows    int64
	Stats   Stats

	rejections []dataset.Diagnostic
}

// Rejections lists files that were accepted at build time but failed while
// their rows were read. Their rows are not in the table.
func (t *Table) Rejections() []dataset.Diagnostic { return slices.Clone(t.rejections) }

func newTable(sc *arrow.Schema, recs []arrow.Record) *Table {
	t := &Table{schema: sc, records: recs}
	for _, r := range recs {
		t.rows += r.NumRows()
	}
	return t
}

func (t *Table) Schema() *arrow.Schema { return t.schema }

func (t *Table) NumRows() int64 { return t.rows }

// Records returns the result batches. They stay valid until Release.
func (t *Table) Records() []arrow.Record { return t.records }

// Column returns the named column across all batches, or nil. The caller
// releases it.
func (t *Table) Column(name string) *arrow.Chunked {
	idx := t.schema.FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	chunks := make([]arrow.Array, len(t.records))
	for i, r := range t.records {
		chunks[i] = r.Column(idx[0])
	}
	return arrow.NewChunked(t.schema.Field(idx[0]).Type, chunks)
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	names := make([]string, len(t.schema.Fields()))
	for i, f := range t.schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// Rows yields each row as Go values: int32, int64, float32, float64,
// string, or time.Time for dates. Nulls are nil. The slice is reused
// between rows.
func (t *Table) Rows() iter.Seq[[]any] {
	return func(yield func([]any) bool) {
		row := make([]any, len(t.schema.Fields()))
		for _, r := range t.records {
			for i := 0; i < int(r.NumRows()); i++ {
				for c, col := range r.Columns() {
					row[c] = goValue(col, i)
				}
				if !yield(row) {
					return
				}
			}
		}
	}
}

func goValue(a arrow.Array, i int) any {
	if a.IsNull(i) {
		return nil
	}
	switch a := a.(type) {
	case *array.Int32:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Float32:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i).ToTime()
	}
	return a.ValueStr(i)
}

// Release frees the records. The table must not be used afterwards.
func (t *Table) Release() {
	for _, r := range t.records {
		r.Release()
	}
	t.records = nil
	t.rows = 0
}
