// Package hubtest builds small in-memory hubs for tests.
package hubtest

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"

	"hubdata/schema"
	"hubdata/storage"
)

// ForecastSchema is a reduced forecast hub schema with model_id as the
// partition field.
func ForecastSchema() *schema.LogicalSchema {
	return schema.MustNew("forecast", []schema.Field{
		{Name: "origin_date", Type: schema.Date},
		{Name: "horizon", Type: schema.ShortInteger},
		{Name: "location", Type: schema.UTF8String},
		{Name: "output_type", Type: schema.UTF8String},
		{Name: "output_type_id", Type: schema.UTF8String, Nullable: true},
		{Name: "value", Type: schema.Float64},
		{Name: "model_id", Type: schema.UTF8String, Origin: schema.Partition},
	})
}

// Row is a forecast row whose value was written as an integer.
type Row struct {
	OriginDate   string  `parquet:"origin_date"`
	Horizon      int32   `parquet:"horizon"`
	Location     string  `parquet:"location"`
	OutputType   string  `parquet:"output_type"`
	OutputTypeID *string `parquet:"output_type_id,optional"`
	Value        int64   `parquet:"value"`
}

// Parquet writes one row group per rows slice.
func Parquet[T any](t testing.TB, groups ...[]T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	for _, rows := range groups {
		_, err := w.Write(rows)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// FileA matches ForecastSchema exactly: 3 rows.
const FileA = "origin_date,horizon,location,output_type,output_type_id,value\n" +
	"2022-10-22,1,US,mean,NA,10.5\n" +
	"2022-10-22,2,US,mean,NA,11\n" +
	"2022-10-22,1,01,quantile,0.5,3.25\n"

// FileB carries an unexpected column foo.
const FileB = "origin_date,horizon,location,output_type,output_type_id,value,foo\n" +
	"2022-10-22,1,US,mean,NA,9,x\n"

// FileCRows is written as Parquet with integer values: 2 rows.
var FileCRows = []Row{
	{OriginDate: "2022-10-22", Horizon: 1, Location: "US", OutputType: "mean", Value: 7},
	{OriginDate: "2022-10-29", Horizon: 2, Location: "CA", OutputType: "mean", Value: 8},
}

// Scenario is a hub with three contributors under model-output/: A is an
// exact CSV match, B has an unexpected column and C stores integer values
// in Parquet.
func Scenario(t testing.TB) *storage.MemStorage {
	t.Helper()
	m := storage.NewMemStorage()
	m.Put("model-output/A/2022-10-22-A.csv", []byte(FileA))
	m.Put("model-output/B/2022-10-22-B.csv", []byte(FileB))
	m.Put("model-output/C/2022-10-22-C.parquet", Parquet(t, FileCRows))
	m.Put("hub-config/admin.json", []byte(`{"model_output_dir": "model-output", "file_format": ["csv", "parquet"]}`))
	return m
}
