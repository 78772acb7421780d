package format

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/parquet-go/parquet-go"
	pqformat "github.com/parquet-go/parquet-go/format"

	"hubdata/schema"
)

func openParquet(f File) (*parquet.File, error) {
	pf, err := parquet.OpenFile(f, f.Size(),
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	return pf, nil
}

// parquetKind maps a leaf parquet type to a Kind, preferring the logical
// annotation over the physical type.
func parquetKind(t parquet.Type) (Kind, bool) {
	unsigned := false
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil:
			return KindString, false
		case lt.Date != nil:
			return KindDate, false
		case lt.Timestamp != nil, lt.Time != nil:
			return KindTimestamp, false
		case lt.Decimal != nil, lt.UUID != nil, lt.Bson != nil:
			return KindOther, false
		case lt.Integer != nil:
			unsigned = !lt.Integer.IsSigned
			switch {
			case lt.Integer.BitWidth < 32:
				return KindInt32, unsigned
			case lt.Integer.BitWidth == 32 && !unsigned:
				return KindInt32, false
			case lt.Integer.BitWidth == 32:
				return KindInt64, true
			case unsigned:
				return KindOther, true
			default:
				return KindInt64, false
			}
		}
	}
	switch t.Kind() {
	case parquet.Boolean:
		return KindBool, false
	case parquet.Int32:
		return KindInt32, false
	case parquet.Int64:
		return KindInt64, false
	case parquet.Float:
		return KindFloat32, false
	case parquet.Double:
		return KindFloat64, false
	case parquet.ByteArray:
		return KindString, false
	}
	return KindOther, false
}

// parquetLeaf is a top-level primitive column and its position in the file.
type parquetLeaf struct {
	column   Column
	index    int
	unsigned bool
}

func parquetLeaves(pf *parquet.File) []parquetLeaf {
	fields := pf.Schema().Fields()
	leaves := make([]parquetLeaf, 0, len(fields))
	for _, field := range fields {
		leaf := parquetLeaf{
			column: Column{Name: field.Name(), Kind: KindOther, Nullable: field.Optional(), NullCount: -1},
			index:  -1,
		}
		if lc, ok := pf.Schema().Lookup(field.Name()); ok && field.Leaf() && !field.Repeated() {
			leaf.index = lc.ColumnIndex
			leaf.column.Kind, leaf.unsigned = parquetKind(field.Type())
		}
		leaves = append(leaves, leaf)
	}
	return leaves
}

func hasStatistics(s pqformat.Statistics) bool {
	return len(s.MinValue) > 0 || len(s.MaxValue) > 0 || len(s.Min) > 0 || len(s.Max) > 0 || s.NullCount > 0
}

// nullCount sums the footer null counts of a column, or returns -1 when a row
// group carries no statistics.
func nullCount(md *pqformat.FileMetaData, leaf parquetLeaf) int64 {
	if !leaf.column.Nullable {
		return 0
	}
	var total int64
	for _, rg := range md.RowGroups {
		if leaf.index >= len(rg.Columns) {
			return -1
		}
		st := rg.Columns[leaf.index].MetaData.Statistics
		if !hasStatistics(st) {
			return -1
		}
		total += st.NullCount
	}
	return total
}

func probeParquet(f File, opts ProbeOptions) (*FileSchema, error) {
	pf, err := openParquet(f)
	if err != nil {
		return nil, err
	}

	sample := make(map[string]bool, len(opts.SampleColumns))
	for _, name := range opts.SampleColumns {
		sample[name] = true
	}

	leaves := parquetLeaves(pf)
	fs := &FileSchema{Columns: make([]Column, len(leaves)), NumRows: pf.NumRows()}
	for i, leaf := range leaves {
		if leaf.index >= 0 {
			leaf.column.NullCount = nullCount(pf.Metadata(), leaf)
		}
		if sample[leaf.column.Name] && leaf.column.Kind == KindString {
			samples, err := sampleParquetStrings(pf, leaf.index, opts.SampleRows)
			if err != nil {
				return nil, fmt.Errorf("sample column %s: %w", leaf.column.Name, err)
			}
			leaf.column.Samples = samples
		}
		fs.Columns[i] = leaf.column
	}
	return fs, nil
}

func sampleParquetStrings(pf *parquet.File, index, limit int) ([]string, error) {
	var out []string
	for _, rg := range pf.RowGroups() {
		err := readParquetColumn(context.Background(), rg.ColumnChunks()[index], func(v parquet.Value) error {
			if len(out) >= limit {
				return errStopSampling
			}
			if !v.IsNull() {
				out = append(out, string(v.ByteArray()))
			}
			return nil
		})
		if errors.Is(err, errStopSampling) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

var errStopSampling = errors.New("stop sampling")

// readParquetColumn calls fn for every value of one column chunk, nulls
// included.
func readParquetColumn(ctx context.Context, chunk parquet.ColumnChunk, fn func(parquet.Value) error) error {
	pages := chunk.Pages()
	defer pages.Close()

	buf := make([]parquet.Value, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read page: %w", err)
		}

		values := page.Values()
		for {
			n, err := values.ReadValues(buf)
			for _, v := range buf[:n] {
				if err := fn(v); err != nil {
					return err
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read values: %w", err)
			}
			if n == 0 {
				break
			}
		}
	}
}

func appendParquetValue(c *columnBuilder, leaf parquetLeaf, v parquet.Value) error {
	if v.IsNull() {
		return c.appendNull()
	}
	switch v.Kind() {
	case parquet.Int32:
		switch {
		case leaf.column.Kind == KindDate:
			return c.appendDate(arrow.Date32(v.Int32()))
		case leaf.unsigned:
			return c.appendInt(int64(uint32(v.Int32())))
		}
		return c.appendInt(int64(v.Int32()))
	case parquet.Int64:
		return c.appendInt(v.Int64())
	case parquet.Float:
		return c.appendFloat(float64(v.Float()))
	case parquet.Double:
		return c.appendFloat(v.Double())
	case parquet.ByteArray:
		return c.appendString(string(v.ByteArray()))
	}
	return c.valueErr("cannot read parquet %s value as %s column %s", v.Kind(), c.field.Type, c.field.Name)
}

// statValue decodes a plain-encoded footer statistic into the canonical value
// domain of ft.
func statValue(kind Kind, unsigned bool, raw []byte, ft schema.SemanticType) (any, bool) {
	switch kind {
	case KindInt32, KindDate:
		if len(raw) != 4 {
			return nil, false
		}
		bits := binary.LittleEndian.Uint32(raw)
		var n int64
		if unsigned {
			n = int64(bits)
		} else {
			n = int64(int32(bits))
		}
		switch {
		case kind == KindDate && ft == schema.Date:
			return arrow.Date32(n), true
		case ft.IsInteger():
			return n, true
		case ft.IsFloat():
			return intAsFloat(n, ft), true
		}
	case KindInt64:
		if len(raw) != 8 {
			return nil, false
		}
		n := int64(binary.LittleEndian.Uint64(raw))
		if unsigned && n < 0 {
			return nil, false
		}
		switch {
		case ft.IsInteger():
			return n, true
		case ft.IsFloat():
			return intAsFloat(n, ft), true
		}
	case KindFloat32:
		if len(raw) != 4 || !ft.IsFloat() {
			return nil, false
		}
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		return v, !math.IsNaN(v)
	case KindFloat64:
		if len(raw) != 8 || !ft.IsFloat() {
			return nil, false
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(raw))
		if ft == schema.Float32 {
			v = float64(float32(v))
		}
		return v, !math.IsNaN(v)
	case KindString:
		switch ft {
		case schema.UTF8String:
			return string(raw), true
		case schema.Date:
			d, ok := ParseISODate(string(raw))
			return d, ok
		}
	}
	return nil, false
}

// intAsFloat rounds an integer statistic the same way decoding rounds the
// column's values, so bounds never exclude a decoded value.
func intAsFloat(n int64, ft schema.SemanticType) float64 {
	if ft == schema.Float32 {
		return float64(float32(n))
	}
	return float64(n)
}

func columnStats(st pqformat.Statistics, leaf parquetLeaf, field schema.Field) ColumnStats {
	cs := ColumnStats{NullCount: -1}
	if hasStatistics(st) {
		cs.NullCount = st.NullCount
	} else if !leaf.column.Nullable {
		cs.NullCount = 0
	}

	minRaw, maxRaw := st.MinValue, st.MaxValue
	if len(minRaw) == 0 || len(maxRaw) == 0 {
		// Legacy min/max are only trustworthy for signed physical orderings.
		if leaf.unsigned || leaf.column.Kind == KindString {
			return cs
		}
		minRaw, maxRaw = st.Min, st.Max
	}
	if len(minRaw) == 0 || len(maxRaw) == 0 {
		return cs
	}
	lo, okLo := statValue(leaf.column.Kind, leaf.unsigned, minRaw, field.Type)
	hi, okHi := statValue(leaf.column.Kind, leaf.unsigned, maxRaw, field.Type)
	if okLo && okHi {
		cs.Min, cs.Max, cs.HasRange = lo, hi, true
	}
	return cs
}

func decodeParquet(ctx context.Context, f File, req DecodeRequest, emit func(arrow.Record) error) error {
	pf, err := openParquet(f)
	if err != nil {
		return err
	}

	byName := make(map[string]parquetLeaf)
	for _, leaf := range parquetLeaves(pf) {
		byName[leaf.column.Name] = leaf
	}
	leaves := make([]parquetLeaf, len(req.Targets))
	for i, t := range req.Targets {
		if t.Source == "" {
			leaves[i].index = -1
			continue
		}
		leaf, ok := byName[t.Source]
		if !ok || leaf.index < 0 {
			return fmt.Errorf("parquet column %q not found or not a primitive column", t.Source)
		}
		leaves[i] = leaf
	}

	md := pf.Metadata()
	for rgIndex, rg := range pf.RowGroups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		numRows := rg.NumRows()
		if req.Prune != nil && rgIndex < len(md.RowGroups) {
			stats := make(map[string]ColumnStats, len(req.Targets))
			for i, t := range req.Targets {
				if leaves[i].index < 0 {
					continue
				}
				st := md.RowGroups[rgIndex].Columns[leaves[i].index].MetaData.Statistics
				stats[t.Field.Name] = columnStats(st, leaves[i], t.Field)
			}
			if req.Prune(numRows, stats) {
				continue
			}
		}

		if err := decodeRowGroup(ctx, rg, leaves, req, emit); err != nil {
			return fmt.Errorf("row group %d: %w", rgIndex, err)
		}
	}
	return nil
}

func decodeRowGroup(ctx context.Context, rg parquet.RowGroup, leaves []parquetLeaf, req DecodeRequest, emit func(arrow.Record) error) error {
	bb := newBatchBuilder(req)
	defer bb.release()

	numRows := rg.NumRows()
	chunks := rg.ColumnChunks()
	for i, col := range bb.columns {
		leaf := leaves[i]
		if leaf.index < 0 {
			if err := col.appendNulls(int(numRows)); err != nil {
				return err
			}
			continue
		}
		var n int64
		err := readParquetColumn(ctx, chunks[leaf.index], func(v parquet.Value) error {
			n++
			return appendParquetValue(col, leaf, v)
		})
		if err != nil {
			return err
		}
		if n != numRows {
			return fmt.Errorf("column %s has %d values for %d rows", leaf.column.Name, n, numRows)
		}
	}
	bb.rows = int(numRows)
	if bb.rows == 0 {
		return nil
	}
	return emitBatch(bb, emit)
}
