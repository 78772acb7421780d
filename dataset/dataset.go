// Package dataset builds the partitioned logical table of a hub: every file
// that reconciles against the canonical schema, grouped by partition key.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hubdata/classify"
	"hubdata/format"
	"hubdata/reconcile"
	"hubdata/schema"
	"hubdata/storage"
)

type State int

const (
	Unbuilt State = iota
	Building
	Built
	Failed
)

func (s State) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case Building:
		return "building"
	case Built:
		return "built"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotUnbuilt is returned when Build is called twice on one Dataset.
// A changed file set needs a new Dataset.
var ErrNotUnbuilt = errors.New("dataset has already been built")

type Options struct {
	Workers     int           // reconciliation pool size; default 8
	FileTimeout time.Duration // per-file metadata read bound; 0 disables
	ListTimeout time.Duration // listing bound; 0 disables
	SampleRows  int
	NullValues  []string
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// File is an accepted file and how its columns are read.
type File struct {
	classify.CandidateFile
	Columns []reconcile.ColumnPlan
	NumRows int64 // -1 when the format does not record it
}

// Diagnostic records why a file was excluded.
type Diagnostic struct {
	Path      string
	Partition string
	Kind      reconcile.Kind
	Reason    string
}

// Dataset is the read-only union of accepted files. Once Built it never
// changes; reflect new files by building a new Dataset.
type Dataset struct {
	id      string
	backend storage.Backend
	root    string
	schema  *schema.LogicalSchema
	formats []format.Format
	opts    Options

	mu          sync.RWMutex
	state       State
	candidates  int
	files       []File
	partitions  map[string][]File
	diagnostics []Diagnostic
	builtAt     time.Time
}

// New returns an Unbuilt dataset over root. The hub selection is carried
// entirely by the arguments.
func New(b storage.Backend, root string, ls *schema.LogicalSchema, formats []format.Format, opts Options) *Dataset {
	return &Dataset{
		id:      uuid.NewString(),
		backend: b,
		root:    root,
		schema:  ls,
		formats: slices.Clone(formats),
		opts:    opts.withDefaults(),
	}
}

// Build creates a dataset and builds it. On a fatal enumeration error the
// Failed dataset is returned together with the error.
func Build(ctx context.Context, b storage.Backend, root string, ls *schema.LogicalSchema, formats []format.Format, opts Options) (*Dataset, error) {
	d := New(b, root, ls, formats, opts)
	return d, d.Build(ctx)
}

func (d *Dataset) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Build enumerates root, reconciles every candidate on a bounded pool and
// keeps the accepted files. Rejected files never fail the build.
func (d *Dataset) Build(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Unbuilt {
		d.mu.Unlock()
		return ErrNotUnbuilt
	}
	d.state = Building
	d.mu.Unlock()

	log := d.opts.Logger.With("build_id", d.id, "family", d.schema.Family())
	start := time.Now()

	candidates, err := d.enumerate(ctx)
	if err != nil {
		d.setState(Failed)
		log.Error("enumeration failed", "root", d.root, "error", err)
		return err
	}

	rec := &reconcile.Reconciler{
		Backend: d.backend,
		Options: reconcile.Options{
			SampleRows: d.opts.SampleRows,
			NullValues: d.opts.NullValues,
			Timeout:    d.opts.FileTimeout,
		},
		Logger: log,
	}

	// One slot per candidate; workers never share a slot.
	results := make([]reconcile.Result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i := range candidates {
		g.Go(func() error {
			results[i] = rec.Reconcile(gctx, candidates[i], d.schema)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		d.setState(Failed)
		return fmt.Errorf("build dataset: %w", err)
	}

	var files []File
	var diags []Diagnostic
	for _, res := range results {
		if !res.Accepted() {
			diag := Diagnostic{
				Path:      res.File.Path,
				Partition: res.File.Partition,
				Kind:      res.Rejection.Kind,
				Reason:    res.Rejection.Reason,
			}
			diags = append(diags, diag)
			log.Warn("file rejected",
				"path", diag.Path,
				"partition", diag.Partition,
				"kind", string(diag.Kind),
				"reason", diag.Reason,
			)
			continue
		}
		files = append(files, File{
			CandidateFile: res.File,
			Columns:       res.Columns,
			NumRows:       res.Schema.NumRows,
		})
	}

	partitions := make(map[string][]File)
	for _, f := range files {
		partitions[f.Partition] = append(partitions[f.Partition], f)
	}

	d.mu.Lock()
	d.candidates = len(candidates)
	d.files = files
	d.partitions = partitions
	d.diagnostics = diags
	d.builtAt = time.Now()
	d.state = Built
	d.mu.Unlock()

	log.Info("dataset built",
		"root", d.root,
		"candidates", len(candidates),
		"accepted", len(files),
		"rejected", len(diags),
		"partitions", len(partitions),
		"duration", time.Since(start),
	)
	return nil
}

// enumerate lists candidates sorted by path so results do not depend on
// listing order.
func (d *Dataset) enumerate(ctx context.Context) ([]classify.CandidateFile, error) {
	if d.opts.ListTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ListTimeout)
		defer cancel()
	}
	var out []classify.CandidateFile
	for cf, err := range classify.Enumerate(ctx, d.backend, d.root, d.formats) {
		if err != nil {
			return nil, err
		}
		out = append(out, cf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *Dataset) ID() string { return d.id }

func (d *Dataset) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dataset) Schema() *schema.LogicalSchema { return d.schema }

func (d *Dataset) Backend() storage.Backend { return d.backend }

func (d *Dataset) Root() string { return d.root }

func (d *Dataset) Formats() []format.Format { return slices.Clone(d.formats) }

// NullValues are the CSV null tokens files were reconciled with; decoding
// must use the same set.
func (d *Dataset) NullValues() []string { return slices.Clone(d.opts.NullValues) }

// BuiltAt is when the build finished; zero unless Built.
func (d *Dataset) BuiltAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.builtAt
}

// Candidates is the number of files that matched an accepted format.
func (d *Dataset) Candidates() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.candidates
}

// Files returns the accepted files sorted by path.
func (d *Dataset) Files() []File {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.files)
}

// Partitions returns the partition keys with at least one accepted file.
func (d *Dataset) Partitions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.partitions))
	for k := range d.partitions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// PartitionFiles returns the accepted files of one partition.
func (d *Dataset) PartitionFiles(key string) []File {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.partitions[key])
}

// Rejections returns a diagnostic for every rejected file, sorted by path.
func (d *Dataset) Rejections() []Diagnostic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.diagnostics)
}

// Source describes how the accepted files are unioned.
func (d *Dataset) Source() Source {
	return NewSource(d.Files())
}
