package format

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
	pqformat "github.com/parquet-go/parquet-go/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubdata/schema"
)

func day(s string) arrow.Date32 {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return arrow.Date32FromTime(t)
}

func decodeAll(t *testing.T, ft Format, data []byte, req DecodeRequest) []arrow.Record {
	t.Helper()
	var out []arrow.Record
	err := Decode(context.Background(), ft, bytes.NewReader(data), req, func(rec arrow.Record) error {
		rec.Retain()
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, rec := range out {
			rec.Release()
		}
	})
	return out
}

func TestDetectAndParseFormat(t *testing.T) {
	ft, ok := Detect("model-output/A/2022-10-22-A.CSV")
	require.True(t, ok)
	assert.Equal(t, CSV, ft)

	ft, ok = Detect("x/y.feather")
	require.True(t, ok)
	assert.Equal(t, IPC, ft)

	_, ok = Detect("README.md")
	assert.False(t, ok)

	fts, err := ParseFormats([]string{"parquet", "csv", "Parquet"})
	require.NoError(t, err)
	assert.Equal(t, []Format{Parquet, CSV}, fts)

	_, err = ParseFormat("json")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

const sampleCSV = "\ufefforigin_date,horizon,value,location,mixed,empty,precise,big\n" +
	"2022-10-22,1,1.5,US,a,,0.123456789,1\n" +
	"2022-10-22,2,NA,01,1,NA,2.5,3000000000\n" +
	"2022-10-29,3,40,CA,b,,1,2\n"

func TestProbeCSV(t *testing.T) {
	fs, err := Probe(context.Background(), CSV, bytes.NewReader([]byte(sampleCSV)), ProbeOptions{})
	require.NoError(t, err)
	require.Len(t, fs.Columns, 8)

	kinds := map[string]Kind{}
	for _, c := range fs.Columns {
		kinds[c.Name] = c.Kind
		assert.True(t, c.Text)
		assert.True(t, c.Nullable)
	}
	assert.Equal(t, map[string]Kind{
		"origin_date": KindDate,
		"horizon":     KindInt32,
		"value":       KindFloat32,
		"location":    KindString,
		"mixed":       KindString,
		"empty":       KindNull,
		"precise":     KindFloat64,
		"big":         KindInt64,
	}, kinds)

	value, ok := fs.Column("value")
	require.True(t, ok)
	assert.Equal(t, int64(1), value.NullCount)
	assert.Equal(t, int64(-1), fs.NumRows)
}

func TestProbeCSVSampleBound(t *testing.T) {
	data := "x\n1\n2\nhello\n"
	fs, err := Probe(context.Background(), CSV, bytes.NewReader([]byte(data)), ProbeOptions{SampleRows: 2})
	require.NoError(t, err)
	assert.Equal(t, KindInt32, fs.Columns[0].Kind)

	_, err = Probe(context.Background(), CSV, bytes.NewReader(nil), ProbeOptions{})
	assert.Error(t, err)

	_, err = Probe(context.Background(), CSV, bytes.NewReader([]byte("a,a\n1,2\n")), ProbeOptions{})
	assert.ErrorContains(t, err, "duplicate")
}

func TestFloat32Exact(t *testing.T) {
	assert.True(t, float32Exact("1.5"))
	assert.True(t, float32Exact("0.0001234"))
	assert.True(t, float32Exact("1234567"))
	assert.True(t, float32Exact("-12.5e3"))
	assert.False(t, float32Exact("0.123456789"))
	assert.False(t, float32Exact("1e300"))
}

func TestDecodeCSV(t *testing.T) {
	req := DecodeRequest{
		BatchRows: 2,
		Targets: []Target{
			{Source: "origin_date", Field: schema.Field{Name: "origin_date", Type: schema.Date}},
			{Source: "horizon", Field: schema.Field{Name: "horizon", Type: schema.ShortInteger}},
			{Source: "value", Field: schema.Field{Name: "value", Type: schema.Float64, Nullable: true}},
			{Source: "location", Field: schema.Field{Name: "location", Type: schema.UTF8String}},
			{Field: schema.Field{Name: "output_type_id", Type: schema.UTF8String, Nullable: true}},
		},
	}
	recs := decodeAll(t, CSV, []byte(sampleCSV), req)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].NumRows())
	assert.Equal(t, int64(1), recs[1].NumRows())
	assert.Equal(t, "origin_date", recs[0].Schema().Field(0).Name)

	dates := recs[0].Column(0).(*array.Date32)
	assert.Equal(t, day("2022-10-22"), dates.Value(0))
	assert.Equal(t, int32(2), recs[0].Column(1).(*array.Int32).Value(1))

	values := recs[0].Column(2).(*array.Float64)
	assert.Equal(t, 1.5, values.Value(0))
	assert.True(t, values.IsNull(1))

	assert.Equal(t, "01", recs[0].Column(3).(*array.String).Value(1))
	assert.Equal(t, 2, recs[0].Column(4).NullN())
	assert.Equal(t, 40.0, recs[1].Column(2).(*array.Float64).Value(0))
}

func TestDecodeCSVErrors(t *testing.T) {
	cases := []struct {
		name  string
		data  string
		field schema.Field
		want  string
	}{
		{"null in required", "v\n1\nNA\n", schema.Field{Name: "v", Type: schema.LongInteger}, "null value"},
		{"fraction in integer", "v\n1\n1.5\n", schema.Field{Name: "v", Type: schema.ShortInteger}, "not an integer"},
		{"non iso date", "v\n10/22/2022\n", schema.Field{Name: "v", Type: schema.Date}, "ISO"},
		{"int32 overflow", "v\n3000000000\n", schema.Field{Name: "v", Type: schema.ShortInteger}, "not an integer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := DecodeRequest{Targets: []Target{{Source: "v", Field: tc.field}}}
			err := Decode(context.Background(), CSV, bytes.NewReader([]byte(tc.data)), req, func(arrow.Record) error { return nil })
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var verr *ValueError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "v", verr.Column)
		})
	}
}

// countingFile counts ReadAt calls, each of which is one ranged request on a
// remote backend.
type countingFile struct {
	*bytes.Reader
	reads int
}

func (c *countingFile) ReadAt(p []byte, off int64) (int, error) {
	c.reads++
	return c.Reader.ReadAt(p, off)
}

func TestCSVReadsInLargeBlocks(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("v\n")
	for buf.Len() < 4<<20 {
		buf.WriteString("123456.5\n")
	}
	data := buf.Bytes()

	f := &countingFile{Reader: bytes.NewReader(data)}
	_, err := Probe(context.Background(), CSV, f, ProbeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.reads)

	f = &countingFile{Reader: bytes.NewReader(data)}
	req := DecodeRequest{Targets: []Target{{Source: "v", Field: schema.Field{Name: "v", Type: schema.Float64}}}}
	var rows int64
	err = Decode(context.Background(), CSV, f, req, func(rec arrow.Record) error {
		rows += rec.NumRows()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(bytes.Count(data, []byte("\n"))-1), rows)
	assert.LessOrEqual(t, f.reads, 4)
}

func TestDecodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := DecodeRequest{
		BatchRows: 1,
		Targets:   []Target{{Source: "horizon", Field: schema.Field{Name: "horizon", Type: schema.LongInteger}}},
	}
	err := Decode(ctx, CSV, bytes.NewReader([]byte(sampleCSV)), req, func(arrow.Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

type pqRow struct {
	OriginDate int32    `parquet:"origin_date,date"`
	Horizon    int32    `parquet:"horizon"`
	Location   string   `parquet:"location"`
	Value      *float64 `parquet:"value,optional"`
}

func parquetFixture(t *testing.T, groups ...[]pqRow) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[pqRow](&buf)
	for _, rows := range groups {
		_, err := w.Write(rows)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func fptr(v float64) *float64 { return &v }

func TestParquetProbeAndDecode(t *testing.T) {
	d := int32(day("2022-10-22"))
	data := parquetFixture(t,
		[]pqRow{{d, 1, "US", fptr(1.5)}, {d, 2, "CA", nil}},
		[]pqRow{{d + 7, 3, "TX", fptr(4)}},
	)

	fs, err := Probe(context.Background(), Parquet, bytes.NewReader(data), ProbeOptions{SampleRows: 2, SampleColumns: []string{"location"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), fs.NumRows)
	require.Len(t, fs.Columns, 4)
	assert.Equal(t, KindDate, fs.Columns[0].Kind)
	assert.Equal(t, KindInt32, fs.Columns[1].Kind)
	assert.Equal(t, KindString, fs.Columns[2].Kind)
	assert.Equal(t, []string{"US", "CA"}, fs.Columns[2].Samples)
	assert.Equal(t, KindFloat64, fs.Columns[3].Kind)
	assert.True(t, fs.Columns[3].Nullable)
	assert.False(t, fs.Columns[1].Nullable)
	assert.Equal(t, int64(0), fs.Columns[1].NullCount)

	req := DecodeRequest{Targets: []Target{
		{Source: "origin_date", Field: schema.Field{Name: "origin_date", Type: schema.Date}},
		{Source: "horizon", Field: schema.Field{Name: "horizon", Type: schema.LongInteger}},
		{Source: "value", Field: schema.Field{Name: "value", Type: schema.Float64, Nullable: true}},
	}}
	recs := decodeAll(t, Parquet, data, req)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].NumRows())
	assert.Equal(t, int64(2), recs[0].Column(1).(*array.Int64).Value(1))
	assert.True(t, recs[0].Column(2).IsNull(1))
	assert.Equal(t, day("2022-10-29"), recs[1].Column(0).(*array.Date32).Value(0))

	groups := 0
	req.Prune = func(numRows int64, _ map[string]ColumnStats) bool {
		groups++
		return groups == 1
	}
	recs = decodeAll(t, Parquet, data, req)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].Column(1).(*array.Int64).Value(0))
}

func TestParquetIntegerWidensToFloat(t *testing.T) {
	data := parquetFixture(t, []pqRow{{0, 7, "US", nil}})
	req := DecodeRequest{Targets: []Target{
		{Source: "horizon", Field: schema.Field{Name: "horizon", Type: schema.Float64}},
	}}
	recs := decodeAll(t, Parquet, data, req)
	require.Len(t, recs, 1)
	assert.Equal(t, 7.0, recs[0].Column(0).(*array.Float64).Value(0))
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestStatValue(t *testing.T) {
	v, ok := statValue(KindInt32, false, le32(uint32(0xFFFFFFFF)), schema.LongInteger)
	require.True(t, ok)
	assert.Equal(t, int64(-1), v)

	v, ok = statValue(KindInt32, true, le32(uint32(0xFFFFFFFF)), schema.LongInteger)
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxUint32), v)

	v, ok = statValue(KindInt64, false, le64(42), schema.Float64)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	v, ok = statValue(KindDate, false, le32(uint32(day("2022-10-22"))), schema.Date)
	require.True(t, ok)
	assert.Equal(t, day("2022-10-22"), v)

	v, ok = statValue(KindFloat64, false, le64(math.Float64bits(2.5)), schema.Float64)
	require.True(t, ok)
	assert.Equal(t, 2.5, v)

	_, ok = statValue(KindFloat64, false, le64(math.Float64bits(math.NaN())), schema.Float64)
	assert.False(t, ok)

	v, ok = statValue(KindString, false, []byte("2022-10-22"), schema.Date)
	require.True(t, ok)
	assert.Equal(t, day("2022-10-22"), v)

	_, ok = statValue(KindString, false, []byte("US"), schema.LongInteger)
	assert.False(t, ok)
}

func TestStatValueRoundsLikeDecode(t *testing.T) {
	v, ok := statValue(KindInt32, false, le32(1<<24+1), schema.Float32)
	require.True(t, ok)
	assert.Equal(t, float64(1<<24), v)

	v, ok = statValue(KindInt32, false, le32(1<<24+1), schema.Float64)
	require.True(t, ok)
	assert.Equal(t, float64(1<<24+1), v)

	v, ok = statValue(KindInt64, false, le64(1<<53+1), schema.Float64)
	require.True(t, ok)
	assert.Equal(t, float64(1<<53), v)

	v, ok = statValue(KindFloat64, false, le64(math.Float64bits(0.1)), schema.Float32)
	require.True(t, ok)
	assert.Equal(t, float64(float32(0.1)), v)

	_, ok = statValue(KindInt64, true, le64(math.MaxUint64), schema.LongInteger)
	assert.False(t, ok)
}

func TestColumnStats(t *testing.T) {
	leaf := parquetLeaf{column: Column{Name: "horizon", Kind: KindInt32, Nullable: true}, index: 0}
	field := schema.Field{Name: "horizon", Type: schema.LongInteger, Nullable: true}

	cs := columnStats(pqformat.Statistics{MinValue: le32(1), MaxValue: le32(4), NullCount: 2}, leaf, field)
	assert.True(t, cs.HasRange)
	assert.Equal(t, int64(1), cs.Min)
	assert.Equal(t, int64(4), cs.Max)
	assert.Equal(t, int64(2), cs.NullCount)

	cs = columnStats(pqformat.Statistics{}, leaf, field)
	assert.False(t, cs.HasRange)
	assert.Equal(t, int64(-1), cs.NullCount)

	cs = columnStats(pqformat.Statistics{Min: le32(3), Max: le32(9)}, leaf, field)
	assert.True(t, cs.HasRange)
	assert.Equal(t, int64(3), cs.Min)
}

func ipcFixture(t *testing.T, file bool) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()
	dictType := &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int8, ValueType: arrow.BinaryTypes.String}
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "origin_date", Type: arrow.FixedWidthTypes.Date64},
		{Name: "horizon", Type: arrow.PrimitiveTypes.Int16},
		{Name: "location", Type: dictType, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, sc)
	defer b.Release()
	ref := time.Date(2022, 10, 22, 0, 0, 0, 0, time.UTC)
	b.Field(0).(*array.Date64Builder).AppendValues([]arrow.Date64{arrow.Date64FromTime(ref), arrow.Date64FromTime(ref)}, nil)
	b.Field(1).(*array.Int16Builder).AppendValues([]int16{1, 2}, nil)
	loc := b.Field(2).(*array.BinaryDictionaryBuilder)
	require.NoError(t, loc.AppendString("US"))
	loc.AppendNull()
	b.Field(3).(*array.Float32Builder).AppendValues([]float32{0.5, 0}, []bool{true, false})
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	if file {
		w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(sc), ipc.WithAllocator(mem))
		require.NoError(t, err)
		require.NoError(t, w.Write(rec))
		require.NoError(t, w.Close())
	} else {
		w := ipc.NewWriter(&buf, ipc.WithSchema(sc), ipc.WithAllocator(mem))
		require.NoError(t, w.Write(rec))
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func TestIPCFileAndStream(t *testing.T) {
	for _, file := range []bool{true, false} {
		data := ipcFixture(t, file)

		fs, err := Probe(context.Background(), IPC, bytes.NewReader(data), ProbeOptions{SampleColumns: []string{"location"}})
		require.NoError(t, err)
		require.Len(t, fs.Columns, 4)
		assert.Equal(t, KindDate, fs.Columns[0].Kind)
		assert.Equal(t, KindInt32, fs.Columns[1].Kind)
		assert.Equal(t, KindString, fs.Columns[2].Kind)
		assert.Equal(t, []string{"US"}, fs.Columns[2].Samples)
		assert.Equal(t, KindFloat32, fs.Columns[3].Kind)

		req := DecodeRequest{Targets: []Target{
			{Source: "origin_date", Field: schema.Field{Name: "origin_date", Type: schema.Date}},
			{Source: "horizon", Field: schema.Field{Name: "horizon", Type: schema.ShortInteger}},
			{Source: "location", Field: schema.Field{Name: "location", Type: schema.UTF8String, Nullable: true}},
			{Source: "value", Field: schema.Field{Name: "value", Type: schema.Float64, Nullable: true}},
		}}
		recs := decodeAll(t, IPC, data, req)
		require.Len(t, recs, 1)
		rec := recs[0]
		assert.Equal(t, day("2022-10-22"), rec.Column(0).(*array.Date32).Value(1))
		assert.Equal(t, int32(2), rec.Column(1).(*array.Int32).Value(1))
		assert.Equal(t, "US", rec.Column(2).(*array.String).Value(0))
		assert.True(t, rec.Column(2).IsNull(1))
		assert.Equal(t, 0.5, rec.Column(3).(*array.Float64).Value(0))
		assert.True(t, rec.Column(3).IsNull(1))
	}
}

func TestParseISODate(t *testing.T) {
	d, ok := ParseISODate("2022-10-22")
	require.True(t, ok)
	assert.Equal(t, day("2022-10-22"), d)

	for _, bad := range []string{"2022-13-01", "22-10-22", "2022-10-22T00:00:00", "10/22/2022", ""} {
		assert.False(t, IsISODate(bad), bad)
	}
}
