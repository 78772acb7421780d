package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"hubdata/dataset"
	"hubdata/iceberg"
	"hubdata/proxy"
	"hubdata/query"
	"hubdata/refresh"
)

func newScanCmd(a *app) *cobra.Command {
	var preview int
	cmd := &cobra.Command{
		Use:   "scan <hub>",
		Short: "Build a hub dataset and report accepted and rejected files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			d, counter, err := a.build(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hub:        %s (%s)\n", args[0], d.Schema().Family())
			fmt.Fprintf(out, "build:      %s\n", d.ID())
			fmt.Fprintf(out, "candidates: %d\n", d.Candidates())
			fmt.Fprintf(out, "accepted:   %d files in %d partitions\n", len(d.Files()), len(d.Partitions()))
			fmt.Fprintf(out, "rejected:   %d\n", len(d.Rejections()))
			fmt.Fprintf(out, "source:     %s\n", dataset.Describe(d.Source()))
			printSources(out, d.Source(), preview)
			if rej := d.Rejections(); len(rej) > 0 {
				fmt.Fprintln(out)
				printRejections(out, rej)
			}
			fmt.Fprintf(out, "\nread %d bytes in %s\n", counter.TotalBytes(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&preview, "preview", 3, "Paths shown from each end of every source")
	return cmd
}

func printSources(w io.Writer, src dataset.Source, n int) {
	var children []dataset.SingleSource
	switch s := src.(type) {
	case dataset.SingleSource:
		children = []dataset.SingleSource{s}
	case dataset.UnionOfSources:
		children = s.Children
	}
	for _, c := range children {
		fmt.Fprintf(w, "  %s:\n", c.Format)
		for _, p := range dataset.Preview(c.Files, n) {
			fmt.Fprintf(w, "    %s\n", p)
		}
	}
}

func printRejections(w io.Writer, rej []dataset.Diagnostic) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Path", "Partition", "Kind", "Reason"})
	table.SetAutoWrapText(false)
	for _, r := range rej {
		table.Append([]string{r.Path, r.Partition, string(r.Kind), r.Reason})
	}
	table.Render()
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		where   string
		columns string
		sortBy  string
		limit   int
		output  string
	)
	cmd := &cobra.Command{
		Use:   "query <hub>",
		Short: "Filter, sort and print rows of a hub dataset",
		Example: `  hubdata query flusight --where "model_id = 'A' AND horizon >= 1" --select origin_date,value --sort -value --limit 10
  hubdata query flusight --format csv > out.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "table", "csv", "json":
			default:
				return fmt.Errorf("unknown output format %q (want table, csv or json)", output)
			}
			ctx := cmd.Context()
			d, _, err := a.build(ctx, args[0])
			if err != nil {
				return err
			}

			b := query.Scan(d)
			if where != "" {
				b = b.Where(where)
			}
			if cols := splitList(columns); len(cols) > 0 {
				b = b.Select(cols...)
			}
			if keys := parseSortKeys(sortBy); len(keys) > 0 {
				b = b.SortBy(keys...)
			}
			if limit >= 0 {
				b = b.Limit(limit)
			}
			a.logger.Debug("running query", "plan", b.Plan().String())

			tbl, err := b.Collect(ctx, a.queryOptions())
			if err != nil {
				return err
			}
			defer tbl.Release()
			a.logger.Info("query done",
				"rows", tbl.NumRows(),
				"files", tbl.Stats.Files,
				"partitions_pruned", tbl.Stats.PartitionsPruned,
				"row_groups_skipped", tbl.Stats.RowGroupsSkipped,
				"files_skipped", tbl.Stats.FilesSkipped,
			)
			return writeTable(cmd.OutOrStdout(), tbl, output)
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "Filter expression, e.g. \"model_id = 'A' AND horizon > 0\"")
	cmd.Flags().StringVarP(&columns, "select", "s", "", "Comma separated columns to return")
	cmd.Flags().StringVar(&sortBy, "sort", "", "Comma separated sort columns; prefix with - for descending")
	cmd.Flags().IntVarP(&limit, "limit", "n", -1, "Maximum rows to return")
	cmd.Flags().StringVarP(&output, "format", "f", "table", "Output format: table, csv, json")
	return cmd
}

func (a *app) queryOptions() query.Options {
	return query.Options{
		Workers:   a.cfg.Scan.Workers,
		BatchRows: a.cfg.Scan.BatchRows,
		Logger:    a.logger,
	}
}

func parseSortKeys(s string) []query.SortKey {
	var keys []query.SortKey
	for _, col := range splitList(s) {
		if name, ok := strings.CutPrefix(col, "-"); ok {
			keys = append(keys, query.Desc(name))
		} else {
			keys = append(keys, query.Asc(strings.TrimPrefix(col, "+")))
		}
	}
	return keys
}

func writeTable(w io.Writer, tbl *query.Table, output string) error {
	switch output {
	case "csv":
		cw := arrowcsv.NewWriter(w, tbl.Schema(), arrowcsv.WithHeader(true), arrowcsv.WithNullWriter("NA"))
		for _, rec := range tbl.Records() {
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		return cw.Flush()
	case "json":
		for _, rec := range tbl.Records() {
			if err := array.RecordToJSON(rec, w); err != nil {
				return err
			}
		}
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(tbl.Columns())
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	for row := range tbl.Rows() {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		table.Append(cells)
	}
	table.SetFooter(footer(len(tbl.Columns()), fmt.Sprintf("%d rows", tbl.NumRows())))
	table.Render()
	return nil
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NA"
	case time.Time:
		return v.Format(time.DateOnly)
	default:
		return fmt.Sprint(v)
	}
}

func footer(n int, last string) []string {
	if n == 0 {
		return nil
	}
	f := make([]string, n)
	f[n-1] = last
	return f
}

func newServeCmd(a *app) *cobra.Command {
	var listen, exportDir string
	cmd := &cobra.Command{
		Use:   "serve <hub>",
		Short: "Serve a hub dataset over the Postgres wire protocol, refreshing on a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			if listen == "" {
				listen = a.cfg.Proxy.Listen
			}

			srv, err := proxy.New(listen, a.logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			var exporter *iceberg.Writer
			if exportDir != "" {
				exporter = iceberg.NewWriter(exportDir, a.logger)
			}
			sched := refresh.New(func(ctx context.Context) (*dataset.Dataset, error) {
				d, _, err := a.build(ctx, name)
				return d, err
			}, refresh.Options{
				Schedule: a.cfg.Refresh.Schedule,
				Logger:   a.logger,
			})
			sched.Subscribe(func(ctx context.Context, d *dataset.Dataset) error {
				tbl, err := query.Scan(d).Collect(ctx, a.queryOptions())
				if err != nil {
					return err
				}
				defer tbl.Release()
				if err := srv.Load(ctx, name, tbl); err != nil {
					return err
				}
				if exporter == nil {
					return nil
				}
				_, err = exporter.Write(ctx, name, tbl, exportOptions(d))
				return err
			})

			if err := sched.Refresh(ctx); err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			a.logger.Info("serving hub", "hub", name, "addr", srv.Addr().String())
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides proxy.listen)")
	cmd.Flags().StringVar(&exportDir, "export", "", "Also write every refreshed dataset as a snapshot under this directory")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "export <hub> <dir>",
		Short: "Write a hub dataset as a partitioned Parquet table snapshot",
		Long: "export collects the hub's accepted rows and commits them as a new snapshot of table <hub> under <dir>: " +
			"one Parquet file per partition value plus manifest and table metadata.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, _, err := a.build(ctx, args[0])
			if err != nil {
				return err
			}
			b := query.Scan(d)
			if where != "" {
				b = b.Where(where)
			}
			tbl, err := b.Collect(ctx, a.queryOptions())
			if err != nil {
				return err
			}
			defer tbl.Release()

			w := iceberg.NewWriter(args[1], a.logger)
			snap, err := w.Write(ctx, args[0], tbl, exportOptions(d))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d: %s records in %s data files at %s\n",
				snap.SnapshotID, snap.Summary["total-records"], snap.Summary["total-data-files"], w.TableDir(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "Filter expression applied before export")
	return cmd
}

func exportOptions(d *dataset.Dataset) iceberg.Options {
	return iceberg.Options{
		Partition:  d.Schema().PartitionField().Name,
		Properties: map[string]string{"hubdata.family": d.Schema().Family()},
		Summary:    map[string]string{"hubdata.build-id": d.ID()},
	}
}

func newFamiliesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "families",
		Short: "List configured schema families and their fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.cfg.Registry()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Family", "Field", "Type", "Nullable", "Origin"})
			for _, fam := range reg.Families() {
				ls, err := reg.Lookup(fam)
				if err != nil {
					return err
				}
				for _, f := range ls.Fields() {
					table.Append([]string{fam, f.Name, f.Type.String(), fmt.Sprint(f.Nullable), f.Origin.String()})
				}
			}
			table.Render()
			return nil
		},
	}
}
