package format

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Each ReadAt on a remote object is one ranged request, so CSV is read
// through a buffer much larger than encoding/csv's own.
const (
	csvProbeBufferSize  = 256 << 10
	csvDecodeBufferSize = 4 << 20
)

func newCSVReader(f File, bufSize int) *csv.Reader {
	r := csv.NewReader(bufio.NewReaderSize(io.NewSectionReader(f, 0, f.Size()), bufSize))
	r.ReuseRecord = true
	return r
}

func readCSVHeader(r *csv.Reader) ([]string, error) {
	rec, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty csv file")
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	header := make([]string, len(rec))
	seen := make(map[string]bool, len(rec))
	for i, name := range rec {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate csv column %q", name)
		}
		seen[name] = true
		header[i] = name
	}
	return header, nil
}

// textInference tracks what a CSV column's sampled cells could be parsed as.
type textInference struct {
	nonNull, nulls   int
	ints, ints32     int
	floats, floats32 int
	dates            int
	maxAbsInt        int64
}

func (ti *textInference) observe(s string, nulls map[string]bool) {
	if nulls[s] {
		ti.nulls++
		return
	}
	ti.nonNull++

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		ti.ints++
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			ti.ints32++
		}
		if v < 0 {
			v = -v
		}
		ti.maxAbsInt = max(ti.maxAbsInt, v)
		return
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		ti.floats++
		if float32Exact(s) {
			ti.floats32++
		}
		return
	}
	if IsISODate(s) {
		ti.dates++
	}
}

func (ti *textInference) kind() Kind {
	switch {
	case ti.nonNull == 0:
		return KindNull
	case ti.ints == ti.nonNull:
		if ti.ints32 == ti.nonNull {
			return KindInt32
		}
		return KindInt64
	case ti.ints+ti.floats == ti.nonNull:
		// float32 holds integers up to 2^24 exactly.
		if ti.floats32 == ti.floats && ti.maxAbsInt <= 1<<24 {
			return KindFloat32
		}
		return KindFloat64
	case ti.dates == ti.nonNull:
		return KindDate
	}
	return KindString
}

// float32Exact reports whether a decimal literal carries no more significant
// digits than a float32 can represent.
func float32Exact(s string) bool {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return err == nil
	}
	if math.Abs(v) > math.MaxFloat32 {
		return false
	}
	mantissa := strings.TrimLeft(s, "+-")
	if i := strings.IndexAny(mantissa, "eE"); i >= 0 {
		mantissa = mantissa[:i]
	}
	intPart, fracPart, _ := strings.Cut(mantissa, ".")
	return len(strings.Trim(intPart+fracPart, "0")) <= 7
}

func probeCSV(f File, opts ProbeOptions) (*FileSchema, error) {
	r := newCSVReader(f, csvProbeBufferSize)
	header, err := readCSVHeader(r)
	if err != nil {
		return nil, err
	}

	nulls := make(map[string]bool, len(opts.NullValues))
	for _, v := range opts.NullValues {
		nulls[v] = true
	}

	inferences := make([]textInference, len(header))
	for i := 0; i < opts.SampleRows; i++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", i+2, err)
		}
		for j, cell := range rec {
			inferences[j].observe(cell, nulls)
		}
	}

	fs := &FileSchema{Columns: make([]Column, len(header)), NumRows: -1}
	for i, name := range header {
		fs.Columns[i] = Column{
			Name:      name,
			Kind:      inferences[i].kind(),
			Nullable:  true,
			NullCount: int64(inferences[i].nulls),
			Text:      true,
		}
	}
	return fs, nil
}

func decodeCSV(ctx context.Context, f File, req DecodeRequest, emit func(arrow.Record) error) error {
	r := newCSVReader(f, csvDecodeBufferSize)
	header, err := readCSVHeader(r)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	sources := make([]int, len(req.Targets))
	for i, t := range req.Targets {
		sources[i] = -1
		if t.Source == "" {
			continue
		}
		idx, ok := index[t.Source]
		if !ok {
			return fmt.Errorf("csv column %q not found", t.Source)
		}
		sources[i] = idx
	}

	bb := newBatchBuilder(req)
	defer bb.release()

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading csv row %d: %w", line, err)
		}
		for i, col := range bb.columns {
			var err error
			if sources[i] < 0 {
				err = col.appendNull()
			} else {
				err = col.appendText(rec[sources[i]])
			}
			if err != nil {
				return fmt.Errorf("csv row %d: %w", line, err)
			}
		}
		bb.rows++

		if bb.rows == req.BatchRows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emitBatch(bb, emit); err != nil {
				return err
			}
		}
	}

	if bb.rows > 0 {
		return emitBatch(bb, emit)
	}
	return nil
}
