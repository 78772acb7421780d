package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"hubdata/dataset"
	"hubdata/format"
	"hubdata/reconcile"
	"hubdata/schema"
)

// ErrNotBuilt is returned when collecting from a dataset that is not Built.
var ErrNotBuilt = errors.New("query: dataset is not built")

type Options struct {
	Workers   int // concurrent file reads; default 4
	BatchRows int
	Allocator memory.Allocator
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// plan is a Builder resolved against a schema.
type plan struct {
	output    []schema.Field // returned columns
	working   []schema.Field // output plus sort-only columns
	content   []schema.Field // content columns to decode, schema order
	partition schema.Field
	partPreds []bound
	rowPreds  []bound
	sort      []SortKey
	limit     int
}

func (b *Builder) resolve() (*plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	ls := b.ds.Schema()
	p := b.Plan()
	out := &plan{partition: ls.PartitionField(), sort: p.Sort, limit: p.Limit}

	inWorking := make(map[string]bool)
	for _, name := range p.Columns {
		f, ok := ls.Field(name)
		if !ok {
			return nil, &Error{Column: name, Msg: "unknown column"}
		}
		if inWorking[name] {
			return nil, &Error{Column: name, Msg: "selected more than once"}
		}
		inWorking[name] = true
		out.output = append(out.output, f)
	}
	out.working = slices.Clone(out.output)
	for _, k := range p.Sort {
		f, ok := ls.Field(k.Column)
		if !ok {
			return nil, &Error{Column: k.Column, Msg: "unknown sort column"}
		}
		if !inWorking[f.Name] {
			inWorking[f.Name] = true
			out.working = append(out.working, f)
		}
	}

	needed := make(map[string]bool)
	for _, f := range out.working {
		needed[f.Name] = true
	}
	for _, pr := range p.Predicates {
		bd, err := bind(pr, ls)
		if err != nil {
			return nil, err
		}
		if bd.field.Origin == schema.Partition {
			out.partPreds = append(out.partPreds, bd)
			continue
		}
		needed[bd.field.Name] = true
		out.rowPreds = append(out.rowPreds, bd)
	}
	for _, f := range ls.ContentFields() {
		if needed[f.Name] {
			out.content = append(out.content, f)
		}
	}
	return out, nil
}

// partitionKeys returns the keys that satisfy every partition predicate,
// with the key parsed into the partition field's type.
func (p *plan) partitionKeys(keys []string, log *slog.Logger) map[string]any {
	kept := make(map[string]any, len(keys))
	for _, key := range keys {
		v, err := parseKey(p.partition, key)
		if err != nil {
			log.Warn("skipping partition", "key", key, "error", err)
			continue
		}
		ok := true
		for _, bd := range p.partPreds {
			if !bd.matches(v) {
				ok = false
				break
			}
		}
		if ok {
			kept[key] = v
		}
	}
	return kept
}

func (p *plan) targets(f dataset.File) ([]format.Target, error) {
	byName := make(map[string]reconcile.ColumnPlan, len(f.Columns))
	for _, c := range f.Columns {
		byName[c.Field.Name] = c
	}
	plans := make([]reconcile.ColumnPlan, len(p.content))
	for i, field := range p.content {
		c, ok := byName[field.Name]
		if !ok {
			return nil, fmt.Errorf("no read plan for column %s", field.Name)
		}
		plans[i] = c
	}
	return reconcile.Targets(plans), nil
}

// pruner skips row groups whose statistics exclude a row predicate.
func (p *plan) pruner(skipped *atomic.Int64) format.RowGroupPruner {
	if len(p.rowPreds) == 0 {
		return nil
	}
	return func(numRows int64, stats map[string]format.ColumnStats) bool {
		for _, bd := range p.rowPreds {
			cs, ok := stats[bd.field.Name]
			if ok && !bd.mayMatch(numRows, cs) {
				skipped.Add(1)
				return true
			}
		}
		return false
	}
}

// Collect runs the query and materializes the result. Files are read
// concurrently; the result keeps the dataset's file order unless sorted.
func (b *Builder) Collect(ctx context.Context, opts Options) (*Table, error) {
	opts = opts.withDefaults()
	if b.ds.State() != dataset.Built {
		return nil, ErrNotBuilt
	}
	p, err := b.resolve()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	mem := opts.Allocator
	ctx = compute.WithAllocator(ctx, mem)

	partitions := b.ds.Partitions()
	kept := p.partitionKeys(partitions, opts.Logger)
	var files []dataset.File
	for _, f := range b.ds.Files() {
		if _, ok := kept[f.Partition]; ok {
			files = append(files, f)
		}
	}

	working := schemaOf(p.working)
	var skipped atomic.Int64
	prune := p.pruner(&skipped)

	results := make([][]arrow.Record, len(files))
	skippedFiles := make([]*dataset.Diagnostic, len(files))
	release := func() {
		for _, recs := range results {
			for _, r := range recs {
				r.Release()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			recs, err := p.readFile(gctx, b.ds, f, kept[f.Partition], working, prune, opts)
			if err == nil {
				results[i] = recs
				return nil
			}
			if gctx.Err() != nil {
				return err
			}
			skippedFiles[i] = fileDiagnostic(f, err)
			opts.Logger.Warn("skipping file",
				"dataset", b.ds.ID(),
				"path", f.Path,
				"partition", f.Partition,
				"kind", string(skippedFiles[i].Kind),
				"reason", skippedFiles[i].Reason,
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	var rejected []dataset.Diagnostic
	for _, d := range skippedFiles {
		if d != nil {
			rejected = append(rejected, *d)
		}
	}

	var recs []arrow.Record
	for _, r := range results {
		recs = append(recs, r...)
	}

	if len(p.sort) > 0 && len(recs) > 0 {
		sorted, err := sortRecords(ctx, mem, working, recs, p.sort)
		for _, r := range recs {
			r.Release()
		}
		if err != nil {
			return nil, fmt.Errorf("sort: %w", err)
		}
		recs = []arrow.Record{sorted}
	}
	if p.limit >= 0 {
		recs = limitRecords(recs, int64(p.limit))
	}
	if len(p.working) > len(p.output) {
		recs = projectRecords(schemaOf(p.output), recs)
	}

	t := newTable(schemaOf(p.output), recs)
	t.rejections = rejected
	t.Stats = Stats{
		Files:            len(files),
		FilesSkipped:     len(rejected),
		PartitionsPruned: len(partitions) - len(kept),
		RowGroupsSkipped: int(skipped.Load()),
	}
	opts.Logger.Debug("query collected",
		"dataset", b.ds.ID(),
		"plan", b.Plan().String(),
		"files", t.Stats.Files,
		"partitions_pruned", t.Stats.PartitionsPruned,
		"row_groups_skipped", t.Stats.RowGroupsSkipped,
		"files_skipped", t.Stats.FilesSkipped,
		"rows", t.NumRows(),
		"duration", time.Since(start),
	)
	return t, nil
}

// readFile decodes one file into working-schema records. On error the
// records read so far are released.
func (p *plan) readFile(ctx context.Context, ds *dataset.Dataset, f dataset.File, partValue any, working *arrow.Schema, prune format.RowGroupPruner, opts Options) ([]arrow.Record, error) {
	targets, err := p.targets(f)
	if err != nil {
		return nil, err
	}
	req := format.DecodeRequest{
		Targets:    targets,
		Prune:      prune,
		BatchRows:  opts.BatchRows,
		NullValues: ds.NullValues(),
		Allocator:  opts.Allocator,
	}
	obj, err := ds.Backend().Open(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	var recs []arrow.Record
	err = format.Decode(ctx, f.Format, obj, req, func(rec arrow.Record) error {
		out, err := p.shape(ctx, opts.Allocator, working, rec, partValue)
		if err != nil || out == nil {
			return err
		}
		recs = append(recs, out)
		return nil
	})
	if err != nil {
		for _, r := range recs {
			r.Release()
		}
		return nil, err
	}
	return recs, nil
}

// fileDiagnostic classifies a file that failed while its rows were read.
// Values that cannot be stored losslessly are schema rejections, anything
// else means the file could not be read.
func fileDiagnostic(f dataset.File, err error) *dataset.Diagnostic {
	kind := reconcile.KindUnreadable
	var verr *format.ValueError
	if errors.As(err, &verr) {
		kind = reconcile.KindSchema
	}
	return &dataset.Diagnostic{
		Path:      f.Path,
		Partition: f.Partition,
		Kind:      kind,
		Reason:    err.Error(),
	}
}

func schemaOf(fields []schema.Field) *arrow.Schema {
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		out[i] = arrow.Field{Name: f.Name, Type: f.Type.ArrowType(), Nullable: f.Nullable}
	}
	return arrow.NewSchema(out, nil)
}

// shape filters a decoded record by the row predicates and lays it out as
// the working schema, adding the partition column. It returns nil when no
// row survives.
func (p *plan) shape(ctx context.Context, mem memory.Allocator, working *arrow.Schema, rec arrow.Record, partValue any) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filtered := rec
	if len(p.rowPreds) > 0 {
		mask, n := p.mask(mem, rec)
		defer mask.Release()
		switch n {
		case 0:
			return nil, nil
		case rec.NumRows():
		default:
			var err error
			filtered, err = compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
			if err != nil {
				return nil, fmt.Errorf("filter: %w", err)
			}
			defer filtered.Release()
		}
	}
	if filtered.NumRows() == 0 {
		return nil, nil
	}

	nrows := filtered.NumRows()
	cols := make([]arrow.Array, len(p.working))
	for i, f := range p.working {
		if f.Origin == schema.Partition {
			c, err := constantArray(mem, f, partValue, int(nrows))
			if err != nil {
				return nil, err
			}
			defer c.Release()
			cols[i] = c
			continue
		}
		idx := filtered.Schema().FieldIndices(f.Name)
		if len(idx) != 1 {
			return nil, fmt.Errorf("decoded record has no column %s", f.Name)
		}
		cols[i] = filtered.Column(idx[0])
	}
	return array.NewRecord(working, cols, nrows), nil
}

// mask evaluates the row predicates over rec. Rows with a null in any
// predicate column are dropped.
func (p *plan) mask(mem memory.Allocator, rec arrow.Record) (*array.Boolean, int64) {
	cols := make([]arrow.Array, len(p.rowPreds))
	for i, bd := range p.rowPreds {
		cols[i] = rec.Column(rec.Schema().FieldIndices(bd.field.Name)[0])
	}
	bld := array.NewBooleanBuilder(mem)
	defer bld.Release()
	bld.Reserve(int(rec.NumRows()))

	var n int64
	for row := 0; row < int(rec.NumRows()); row++ {
		ok := true
		for i, bd := range p.rowPreds {
			v, valid := valueAt(cols[i], row)
			if !valid || !bd.matches(v) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
		bld.UnsafeAppend(ok)
	}
	return bld.NewBooleanArray(), n
}

// sortRecords concatenates recs and reorders the rows by keys. The sort is
// stable, so ties keep file order.
func sortRecords(ctx context.Context, mem memory.Allocator, sc *arrow.Schema, recs []arrow.Record, keys []SortKey) (arrow.Record, error) {
	ncols := len(sc.Fields())
	cols := make([]arrow.Array, ncols)
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		chunks := make([]arrow.Array, len(recs))
		for j, r := range recs {
			chunks[j] = r.Column(i)
		}
		c, err := array.Concatenate(chunks, mem)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	nrows := cols[0].Len()

	keyCols := make([]arrow.Array, len(keys))
	for i, k := range keys {
		keyCols[i] = cols[sc.FieldIndices(k.Column)[0]]
	}
	order := make([]int, nrows)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		for i, k := range keys {
			c := compareAt(keyCols[i], order[a], order[b], k.Descending)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})

	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	ib.Reserve(nrows)
	for _, i := range order {
		ib.UnsafeAppend(int64(i))
	}
	indices := ib.NewInt64Array()
	defer indices.Release()

	taken := make([]arrow.Array, ncols)
	for i, c := range cols {
		t, err := compute.TakeArray(ctx, c, indices)
		if err != nil {
			for _, done := range taken[:i] {
				done.Release()
			}
			return nil, err
		}
		taken[i] = t
	}
	out := array.NewRecord(sc, taken, int64(nrows))
	for _, t := range taken {
		t.Release()
	}
	return out, nil
}

// limitRecords keeps the first n rows, releasing what is dropped.
func limitRecords(recs []arrow.Record, n int64) []arrow.Record {
	var out []arrow.Record
	for _, r := range recs {
		switch {
		case n <= 0:
			r.Release()
		case r.NumRows() <= n:
			n -= r.NumRows()
			out = append(out, r)
		default:
			out = append(out, r.NewSlice(0, n))
			r.Release()
			n = 0
		}
	}
	return out
}

// projectRecords drops trailing sort-only columns.
func projectRecords(sc *arrow.Schema, recs []arrow.Record) []arrow.Record {
	out := make([]arrow.Record, len(recs))
	n := len(sc.Fields())
	for i, r := range recs {
		out[i] = array.NewRecord(sc, r.Columns()[:n], r.NumRows())
		r.Release()
	}
	return out
}
