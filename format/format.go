// Package format reads the tabular file formats a hub may contain: CSV,
// Parquet and Arrow IPC.
//
// Probe reads only what is needed to learn a file's on-disk schema: the
// Parquet footer, the IPC schema message, or the CSV header plus a bounded
// sample of rows. Decode reads row data for a set of target columns and
// converts it into the canonical Arrow types of a logical schema.
package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"hubdata/schema"
)

// ErrUnsupportedFormat is returned for format names or files this package
// cannot read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

type Format int

const (
	CSV Format = iota + 1
	Parquet
	IPC
)

func (f Format) String() string {
	switch f {
	case CSV:
		return "csv"
	case Parquet:
		return "parquet"
	case IPC:
		return "arrow"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a configured format name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv":
		return CSV, nil
	case "parquet":
		return Parquet, nil
	case "arrow", "ipc", "feather":
		return IPC, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// ParseFormats parses a list of format names, dropping duplicates.
func ParseFormats(names []string) ([]Format, error) {
	seen := make(map[Format]bool, len(names))
	out := make([]Format, 0, len(names))
	for _, name := range names {
		f, err := ParseFormat(name)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// Detect infers the format of p from its extension.
func Detect(p string) (Format, bool) {
	switch strings.ToLower(path.Ext(p)) {
	case ".csv":
		return CSV, true
	case ".parquet":
		return Parquet, true
	case ".arrow", ".ipc", ".feather":
		return IPC, true
	}
	return 0, false
}

// Kind is the type of a column as recorded on disk, before reconciliation.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDate
	KindString
	KindTimestamp
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	default:
		return "other"
	}
}

func (k Kind) IsInteger() bool { return k == KindInt32 || k == KindInt64 }

func (k Kind) IsFloat() bool { return k == KindFloat32 || k == KindFloat64 }

// Bits is the width of numeric kinds, 0 otherwise.
func (k Kind) Bits() int {
	switch k {
	case KindInt32, KindFloat32:
		return 32
	case KindInt64, KindFloat64:
		return 64
	}
	return 0
}

// Column is one column of a file's on-disk schema.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
	// NullCount is the number of nulls recorded in file metadata or seen in
	// the CSV sample; -1 when unknown.
	NullCount int64
	// Text is set when values are stored as text (CSV), so any kind can be
	// read back as a string without loss.
	Text bool
	// Samples holds leading values of string columns named in
	// ProbeOptions.SampleColumns.
	Samples []string
}

type FileSchema struct {
	Columns []Column
	NumRows int64 // -1 when unknown without a full read
}

// Column returns the named column.
func (s *FileSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// File is the random access view of one object.
type File interface {
	io.ReaderAt
	Size() int64
}

type ProbeOptions struct {
	SampleRows    int      // CSV rows and string values to sample; default 1000
	NullValues    []string // CSV null tokens; default "" and "NA"
	SampleColumns []string // string columns whose leading values are sampled
}

func (o ProbeOptions) withDefaults() ProbeOptions {
	if o.SampleRows <= 0 {
		o.SampleRows = 1000
	}
	if o.NullValues == nil {
		o.NullValues = DefaultNullValues
	}
	return o
}

// DefaultNullValues are the CSV tokens read as null.
var DefaultNullValues = []string{"", "NA"}

// Probe reads the on-disk schema of f without decoding its rows.
func Probe(ctx context.Context, ft Format, f File, opts ProbeOptions) (*FileSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	switch ft {
	case CSV:
		return probeCSV(f, opts)
	case Parquet:
		return probeParquet(f, opts)
	case IPC:
		return probeIPC(f, opts)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, ft)
}

// Target is one output column of a decode: the file column Source read as
// Field. An empty Source fills the column with nulls.
type Target struct {
	Source string
	Field  schema.Field
}

// ColumnStats are the min/max of one column within a row group, in the
// canonical value domain of the target field: int64, float64, string or
// arrow.Date32.
type ColumnStats struct {
	Min, Max  any
	HasRange  bool
	NullCount int64 // -1 when unknown
}

// RowGroupPruner reports whether a row group can be skipped given the stats
// of its target columns, keyed by field name.
type RowGroupPruner func(numRows int64, stats map[string]ColumnStats) bool

type DecodeRequest struct {
	Targets    []Target
	Prune      RowGroupPruner
	BatchRows  int
	NullValues []string
	Allocator  memory.Allocator
}

func (r DecodeRequest) withDefaults() DecodeRequest {
	if r.BatchRows <= 0 {
		r.BatchRows = 8192
	}
	if r.NullValues == nil {
		r.NullValues = DefaultNullValues
	}
	if r.Allocator == nil {
		r.Allocator = memory.DefaultAllocator
	}
	return r
}

func (r DecodeRequest) arrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(r.Targets))
	for i, t := range r.Targets {
		fields[i] = arrow.Field{Name: t.Field.Name, Type: t.Field.Type.ArrowType(), Nullable: t.Field.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// Decode reads the targeted columns of f and calls emit with records whose
// schema is exactly the targets, in canonical types. Records are released
// after emit returns; emit must Retain any record it keeps.
func Decode(ctx context.Context, ft Format, f File, req DecodeRequest, emit func(arrow.Record) error) error {
	req = req.withDefaults()
	switch ft {
	case CSV:
		return decodeCSV(ctx, f, req, emit)
	case Parquet:
		return decodeParquet(ctx, f, req, emit)
	case IPC:
		return decodeIPC(ctx, f, req, emit)
	}
	return fmt.Errorf("%w: %v", ErrUnsupportedFormat, ft)
}
