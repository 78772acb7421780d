// Package iceberg exports collected hub tables as Iceberg-style snapshots:
// one Parquet data file per partition value, a JSON manifest per snapshot
// and a table metadata file that accumulates snapshot history. Every write
// replaces the table contents; earlier snapshots keep their files.
package iceberg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"hubdata/query"
)

const metadataFile = "metadata.json"

type Options struct {
	// Partition names the column written as the data directory instead
	// of into the files. Empty writes a single unpartitioned file.
	Partition  string
	Properties map[string]string
	Summary    map[string]string
}

type Writer struct {
	basePath string
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewWriter(basePath string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{basePath: basePath, logger: logger.With("component", "iceberg")}
}

// TableDir is where table name lives.
func (w *Writer) TableDir(name string) string {
	return filepath.Join(w.basePath, name)
}

// Write commits t as a new snapshot of table name and returns it.
func (w *Writer) Write(ctx context.Context, name string, t *query.Table, opts Options) (*Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fields, err := tableFields(t.Schema())
	if err != nil {
		return nil, err
	}
	partIdx := -1
	if opts.Partition != "" {
		if partIdx = slices.IndexFunc(fields, func(f Field) bool { return f.Name == opts.Partition }); partIdx < 0 {
			return nil, fmt.Errorf("partition column %q not in table", opts.Partition)
		}
	}

	parts, err := partitionRows(t, fields, partIdx)
	if err != nil {
		return nil, err
	}

	dir := w.TableDir(name)
	md, err := w.getOrCreateMetadata(dir, fields, partIdx)
	if err != nil {
		return nil, fmt.Errorf("initializing metadata: %w", err)
	}
	maps.Copy(md.Properties, opts.Properties)

	snapshotID := time.Now().UnixMilli()
	if n := len(md.Snapshots); n > 0 && snapshotID <= md.Snapshots[n-1].SnapshotID {
		snapshotID = md.Snapshots[n-1].SnapshotID + 1
	}
	seq := int64(len(md.Snapshots) + 1)

	entries := make([]ManifestEntry, 0, len(parts))
	var records int64
	for _, key := range slices.Sorted(maps.Keys(parts)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := parts[key]
		rel := fmt.Sprintf("data/%d-%s.parquet", snapshotID, uuid.NewString())
		if partIdx >= 0 {
			rel = fmt.Sprintf("data/%s/%d-%s.parquet", key, snapshotID, uuid.NewString())
		}
		size, err := writeDataFile(filepath.Join(dir, filepath.FromSlash(rel)), p.schema, p.rows)
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", rel, err)
		}
		df := DataFile{
			FilePath:      rel,
			FileFormat:    "PARQUET",
			RecordCount:   int64(len(p.rows)),
			FileSizeBytes: size,
			Metrics:       p.metrics,
		}
		if partIdx >= 0 {
			df.Partition = map[string]string{opts.Partition: key}
		}
		entries = append(entries, ManifestEntry{
			Status:         StatusAdded,
			SnapshotID:     snapshotID,
			SequenceNumber: seq,
			DataFile:       df,
		})
		records += df.RecordCount
	}

	manifestPath := fmt.Sprintf("metadata/snap-%d.json", snapshotID)
	if err := writeJSON(filepath.Join(dir, filepath.FromSlash(manifestPath)), entries); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	summary := map[string]string{
		"operation":        "overwrite",
		"added-data-files": strconv.Itoa(len(entries)),
		"added-records":    strconv.FormatInt(records, 10),
		"total-data-files": strconv.Itoa(len(entries)),
		"total-records":    strconv.FormatInt(records, 10),
	}
	maps.Copy(summary, opts.Summary)
	snap := Snapshot{
		SnapshotID:       snapshotID,
		ParentSnapshotID: md.CurrentSnapshotID,
		SequenceNumber:   seq,
		TimestampMs:      time.Now().UnixMilli(),
		ManifestList:     manifestPath,
		Summary:          summary,
		SchemaID:         md.CurrentSchemaID,
	}
	md.Snapshots = append(md.Snapshots, snap)
	md.CurrentSnapshotID = snapshotID
	md.LastUpdated = snap.TimestampMs

	if err := writeJSON(filepath.Join(dir, "metadata", metadataFile), md); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}
	w.logger.Info("snapshot committed",
		"table", name,
		"snapshot_id", snapshotID,
		"data_files", len(entries),
		"records", records,
	)
	return &snap, nil
}

func (w *Writer) getOrCreateMetadata(dir string, fields []Field, partIdx int) (*TableMetadata, error) {
	md, err := LoadMetadata(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		md = &TableMetadata{
			FormatVersion:  2,
			TableUUID:      uuid.NewString(),
			Location:       dir,
			LastUpdated:    time.Now().UnixMilli(),
			Schemas:        []Schema{{SchemaID: 0, Fields: fields}},
			PartitionSpecs: []PartitionSpec{partitionSpec(0, fields, partIdx)},
			Properties:     map[string]string{},
		}
	case err != nil:
		return nil, err
	default:
		if md.Properties == nil {
			md.Properties = map[string]string{}
		}
		if cur := md.Schemas[len(md.Schemas)-1]; !slices.Equal(cur.Fields, fields) {
			md.Schemas = append(md.Schemas, Schema{SchemaID: cur.SchemaID + 1, Fields: fields})
		}
		spec := partitionSpec(md.PartitionSpecs[len(md.PartitionSpecs)-1].SpecID, fields, partIdx)
		if cur := md.PartitionSpecs[len(md.PartitionSpecs)-1]; !slices.Equal(cur.Fields, spec.Fields) {
			spec.SpecID++
			md.PartitionSpecs = append(md.PartitionSpecs, spec)
		}
	}
	md.CurrentSchemaID = md.Schemas[len(md.Schemas)-1].SchemaID
	md.DefaultSpecID = md.PartitionSpecs[len(md.PartitionSpecs)-1].SpecID
	md.LastColumnID = len(fields)
	return md, nil
}

// LoadMetadata reads the metadata file of the table at dir.
func LoadMetadata(dir string) (*TableMetadata, error) {
	file, err := os.Open(filepath.Join(dir, "metadata", metadataFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md TableMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(md.Schemas) == 0 || len(md.PartitionSpecs) == 0 {
		return nil, fmt.Errorf("metadata in %s has no schema or partition spec", dir)
	}
	return &md, nil
}

// LoadManifest reads the manifest of snap from the table at dir.
func LoadManifest(dir string, snap Snapshot) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(snap.ManifestList)))
	if err != nil {
		return nil, err
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return entries, nil
}

// writeJSON replaces path through a rename so readers never see a partial
// file.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func partitionSpec(id int, fields []Field, partIdx int) PartitionSpec {
	spec := PartitionSpec{SpecID: id, Fields: []PartitionField{}}
	if partIdx >= 0 {
		f := fields[partIdx]
		spec.Fields = append(spec.Fields, PartitionField{
			SourceID:  f.ID,
			FieldID:   1000,
			Name:      f.Name,
			Transform: "identity",
		})
	}
	return spec
}

func icebergType(t arrow.DataType) (string, error) {
	switch t.ID() {
	case arrow.DATE32:
		return "date", nil
	case arrow.INT32:
		return "int", nil
	case arrow.INT64:
		return "long", nil
	case arrow.FLOAT32:
		return "float", nil
	case arrow.FLOAT64:
		return "double", nil
	case arrow.STRING:
		return "string", nil
	}
	return "", fmt.Errorf("unsupported type: %s", t)
}

func tableFields(sc *arrow.Schema) ([]Field, error) {
	fields := make([]Field, sc.NumFields())
	for i, f := range sc.Fields() {
		typ, err := icebergType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		fields[i] = Field{ID: i + 1, Name: f.Name, Type: typ, Required: !f.Nullable}
	}
	return fields, nil
}

func createParquetSchema(fields []Field) *parquet.Schema {
	root := make(parquet.Group)
	for _, field := range fields {
		var node parquet.Node
		switch field.Type {
		case "int":
			node = parquet.Leaf(parquet.Int32Type)
		case "long":
			node = parquet.Leaf(parquet.Int64Type)
		case "float":
			node = parquet.Leaf(parquet.FloatType)
		case "double":
			node = parquet.Leaf(parquet.DoubleType)
		case "date":
			node = parquet.Date()
		default:
			node = parquet.String()
		}
		if !field.Required {
			node = parquet.Optional(node)
		}
		root[field.Name] = node
	}
	return parquet.NewSchema("hubdata", root)
}

// partition is the rows of one data file.
type partition struct {
	schema  *parquet.Schema
	rows    []parquet.Row
	metrics FileMetrics
}

// column is a table column mapped to its leaf in the data file schema.
type column struct {
	field  Field
	index  int // arrow column
	leaf   int
	maxDef int
}

// checkPartitionKey rejects partition values that do not name exactly one
// directory below data/.
func checkPartitionKey(key string) error {
	if key == "" || key == "." || strings.ContainsAny(key, `/\`) || !filepath.IsLocal(key) {
		return fmt.Errorf("partition value %q is not a valid directory name", key)
	}
	return nil
}

func partitionRows(t *query.Table, fields []Field, partIdx int) (map[string]*partition, error) {
	data := slices.Clone(fields)
	if partIdx >= 0 {
		data = slices.Delete(data, partIdx, partIdx+1)
	}
	sc := createParquetSchema(data)

	cols := make([]column, 0, len(data))
	for _, f := range data {
		lc, ok := sc.Lookup(f.Name)
		if !ok {
			return nil, fmt.Errorf("column %s missing from parquet schema", f.Name)
		}
		cols = append(cols, column{field: f, index: f.ID - 1, leaf: lc.ColumnIndex, maxDef: lc.MaxDefinitionLevel})
	}

	parts := make(map[string]*partition)
	for _, rec := range t.Records() {
		for i := 0; i < int(rec.NumRows()); i++ {
			key := ""
			if partIdx >= 0 {
				key = rec.Column(partIdx).ValueStr(i)
			}
			p, ok := parts[key]
			if !ok {
				if partIdx >= 0 {
					if err := checkPartitionKey(key); err != nil {
						return nil, err
					}
				}
				p = &partition{schema: sc, metrics: FileMetrics{
					ValueCounts:     map[int]int64{},
					NullValueCounts: map[int]int64{},
				}}
				parts[key] = p
			}

			row := make(parquet.Row, len(cols))
			for _, c := range cols {
				arr := rec.Column(c.index)
				p.metrics.ValueCounts[c.field.ID]++
				if arr.IsNull(i) {
					p.metrics.NullValueCounts[c.field.ID]++
					row[c.leaf] = parquet.NullValue().Level(0, 0, c.leaf)
					continue
				}
				v, err := parquetValue(arr, i)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", c.field.Name, err)
				}
				row[c.leaf] = v.Level(0, c.maxDef, c.leaf)
			}
			p.rows = append(p.rows, row)
		}
	}
	return parts, nil
}

func parquetValue(arr arrow.Array, i int) (parquet.Value, error) {
	switch a := arr.(type) {
	case *array.Date32:
		return parquet.Int32Value(int32(a.Value(i))), nil
	case *array.Int32:
		return parquet.Int32Value(a.Value(i)), nil
	case *array.Int64:
		return parquet.Int64Value(a.Value(i)), nil
	case *array.Float32:
		return parquet.FloatValue(a.Value(i)), nil
	case *array.Float64:
		return parquet.DoubleValue(a.Value(i)), nil
	case *array.String:
		return parquet.ByteArrayValue([]byte(a.Value(i))), nil
	}
	return parquet.Value{}, fmt.Errorf("unsupported array %s", arr.DataType())
}

func writeDataFile(path string, sc *parquet.Schema, rows []parquet.Row) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating directories: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating parquet file: %w", err)
	}
	defer file.Close()

	pw := parquet.NewWriter(file, sc)
	if _, err := pw.WriteRows(rows); err != nil {
		return 0, fmt.Errorf("writing rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("closing parquet writer: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("getting file size: %w", err)
	}
	return info.Size(), nil
}
