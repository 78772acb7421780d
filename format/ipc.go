package format

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var arrowFileMagic = []byte("ARROW1")

func arrowKind(dt arrow.DataType) Kind {
	switch dt.ID() {
	case arrow.NULL:
		return KindNull
	case arrow.BOOL:
		return KindBool
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
		return KindInt32
	case arrow.INT64, arrow.UINT32:
		return KindInt64
	case arrow.FLOAT32:
		return KindFloat32
	case arrow.FLOAT64:
		return KindFloat64
	case arrow.STRING, arrow.LARGE_STRING:
		return KindString
	case arrow.DATE32, arrow.DATE64:
		return KindDate
	case arrow.TIMESTAMP:
		return KindTimestamp
	case arrow.DICTIONARY:
		return arrowKind(dt.(*arrow.DictionaryType).ValueType)
	}
	return KindOther
}

// ipcRecords iterates the record batches of an Arrow IPC file or stream.
// Records are only valid inside fn.
func ipcRecords(f File, mem memory.Allocator, fn func(*arrow.Schema, arrow.Record) error) (*arrow.Schema, error) {
	magic := make([]byte, len(arrowFileMagic))
	if _, err := f.ReadAt(magic, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read arrow header: %w", err)
	}
	section := io.NewSectionReader(f, 0, f.Size())

	if bytes.Equal(magic, arrowFileMagic) {
		r, err := ipc.NewFileReader(section, ipc.WithAllocator(mem))
		if err != nil {
			return nil, fmt.Errorf("open arrow file: %w", err)
		}
		defer r.Close()
		if fn == nil {
			return r.Schema(), nil
		}
		for i := 0; i < r.NumRecords(); i++ {
			rec, err := r.Record(i)
			if err != nil {
				return nil, fmt.Errorf("read record batch %d: %w", i, err)
			}
			if err := fn(r.Schema(), rec); err != nil {
				return nil, err
			}
		}
		return r.Schema(), nil
	}

	r, err := ipc.NewReader(section, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer r.Release()
	if fn == nil {
		return r.Schema(), nil
	}
	for r.Next() {
		if err := fn(r.Schema(), r.Record()); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	return r.Schema(), nil
}

func probeIPC(f File, opts ProbeOptions) (*FileSchema, error) {
	sc, err := ipcRecords(f, memory.DefaultAllocator, nil)
	if err != nil {
		return nil, err
	}

	fs := &FileSchema{Columns: make([]Column, sc.NumFields()), NumRows: -1}
	wanted := make(map[int]bool)
	for i, field := range sc.Fields() {
		col := Column{Name: field.Name, Kind: arrowKind(field.Type), Nullable: field.Nullable, NullCount: -1}
		if !field.Nullable {
			col.NullCount = 0
		}
		fs.Columns[i] = col
		for _, name := range opts.SampleColumns {
			if name == field.Name && col.Kind == KindString {
				wanted[i] = true
			}
		}
	}
	if len(wanted) == 0 {
		return fs, nil
	}

	_, err = ipcRecords(f, memory.DefaultAllocator, func(_ *arrow.Schema, rec arrow.Record) error {
		done := true
		for i := range wanted {
			arr := rec.Column(i)
			for row := 0; row < arr.Len() && len(fs.Columns[i].Samples) < opts.SampleRows; row++ {
				if s, ok := arrowString(arr, row); ok {
					fs.Columns[i].Samples = append(fs.Columns[i].Samples, s)
				}
			}
			done = done && len(fs.Columns[i].Samples) >= opts.SampleRows
		}
		if done {
			return errStopSampling
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopSampling) {
		return nil, err
	}
	return fs, nil
}

func arrowString(arr arrow.Array, i int) (string, bool) {
	if arr.IsNull(i) {
		return "", false
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), true
	case *array.LargeString:
		return a.Value(i), true
	case *array.Dictionary:
		return arrowString(a.Dictionary(), a.GetValueIndex(i))
	}
	return "", false
}

func appendArrowValue(c *columnBuilder, arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		return c.appendNull()
	}
	switch a := arr.(type) {
	case *array.Int8:
		return c.appendInt(int64(a.Value(i)))
	case *array.Int16:
		return c.appendInt(int64(a.Value(i)))
	case *array.Int32:
		return c.appendInt(int64(a.Value(i)))
	case *array.Int64:
		return c.appendInt(a.Value(i))
	case *array.Uint8:
		return c.appendInt(int64(a.Value(i)))
	case *array.Uint16:
		return c.appendInt(int64(a.Value(i)))
	case *array.Uint32:
		return c.appendInt(int64(a.Value(i)))
	case *array.Float32:
		return c.appendFloat(float64(a.Value(i)))
	case *array.Float64:
		return c.appendFloat(a.Value(i))
	case *array.String:
		return c.appendString(a.Value(i))
	case *array.LargeString:
		return c.appendString(a.Value(i))
	case *array.Date32:
		return c.appendDate(a.Value(i))
	case *array.Date64:
		return c.appendDate(arrow.Date32FromTime(a.Value(i).ToTime()))
	case *array.Dictionary:
		return appendArrowValue(c, a.Dictionary(), a.GetValueIndex(i))
	}
	return c.valueErr("cannot read arrow %s value as %s column %s", arr.DataType(), c.field.Type, c.field.Name)
}

func decodeIPC(ctx context.Context, f File, req DecodeRequest, emit func(arrow.Record) error) error {
	bb := newBatchBuilder(req)
	defer bb.release()

	_, err := ipcRecords(f, req.Allocator, func(sc *arrow.Schema, rec arrow.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sources := make([]arrow.Array, len(req.Targets))
		for i, t := range req.Targets {
			if t.Source == "" {
				continue
			}
			idx := sc.FieldIndices(t.Source)
			if len(idx) == 0 {
				return fmt.Errorf("arrow column %q not found", t.Source)
			}
			sources[i] = rec.Column(idx[0])
		}

		rows := int(rec.NumRows())
		for i, col := range bb.columns {
			if sources[i] == nil {
				if err := col.appendNulls(rows); err != nil {
					return err
				}
				continue
			}
			for row := 0; row < rows; row++ {
				if err := appendArrowValue(col, sources[i], row); err != nil {
					return err
				}
			}
		}
		bb.rows = rows
		if rows == 0 {
			// Builders are empty; nothing to flush.
			return nil
		}
		return emitBatch(bb, emit)
	})
	return err
}
