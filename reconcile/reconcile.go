package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hubdata/classify"
	"hubdata/format"
	"hubdata/schema"
	"hubdata/storage"
)

// Kind classifies why a file was rejected.
type Kind string

const (
	KindSchema     Kind = "schema"
	KindUnreadable Kind = "unreadable"
	KindTimeout    Kind = "timeout"
	KindLayout     Kind = "layout"
)

// Rejection excludes one file from a dataset. It never aborts a build.
type Rejection struct {
	Path   string
	Kind   Kind
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected %s (%s): %s", r.Path, r.Kind, r.Reason)
}

// Result is the outcome of reconciling one file.
type Result struct {
	File      classify.CandidateFile
	Schema    *format.FileSchema
	Columns   []ColumnPlan
	Rejection *Rejection
}

func (r Result) Accepted() bool { return r.Rejection == nil }

type Options struct {
	SampleRows int
	NullValues []string
	// Timeout bounds opening and probing one file. Zero means no limit.
	Timeout time.Duration
}

// Reconciler probes candidate files through a backend and checks them
// against a canonical schema. It is safe for concurrent use.
type Reconciler struct {
	Backend storage.Backend
	Options Options
	Logger  *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Reconcile reads only the file's metadata (or a bounded CSV sample) and
// returns either the column plans or a rejection.
func (r *Reconciler) Reconcile(ctx context.Context, cf classify.CandidateFile, ls *schema.LogicalSchema) Result {
	res := Result{File: cf}
	if cf.Partition == "" {
		res.Rejection = &Rejection{Path: cf.Path, Kind: KindLayout, Reason: "file is not inside a partition directory"}
		return res
	}

	probeCtx := ctx
	if r.Options.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, r.Options.Timeout)
		defer cancel()
	}

	fs, err := r.probe(probeCtx, cf, ls)
	if err != nil {
		kind := KindUnreadable
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || probeCtx.Err() != nil) {
			kind = KindTimeout
		}
		res.Rejection = &Rejection{Path: cf.Path, Kind: kind, Reason: err.Error()}
		return res
	}
	res.Schema = fs

	plans, rej := Check(fs, ls)
	if rej != nil {
		rej.Path = cf.Path
		res.Rejection = rej
		return res
	}
	res.Columns = plans

	r.logger().Debug("file accepted",
		"path", cf.Path,
		"partition", cf.Partition,
		"format", cf.Format.String(),
	)
	return res
}

func (r *Reconciler) probe(ctx context.Context, cf classify.CandidateFile, ls *schema.LogicalSchema) (*format.FileSchema, error) {
	obj, err := r.Backend.Open(ctx, cf.Path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer obj.Close()

	var dates []string
	for _, f := range ls.ContentFields() {
		if f.Type == schema.Date {
			dates = append(dates, f.Name)
		}
	}
	fs, err := format.Probe(ctx, cf.Format, obj, format.ProbeOptions{
		SampleRows:    r.Options.SampleRows,
		NullValues:    r.Options.NullValues,
		SampleColumns: dates,
	})
	if err != nil {
		return nil, fmt.Errorf("read %s metadata: %w", cf.Format, err)
	}
	return fs, nil
}
