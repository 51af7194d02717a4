// Package aggregate reduces the per-sample logs of one metric family into a
// single run-level summary artifact. Aggregation is a hard synchronization
// barrier: it runs once, after every contributing sample's upstream stage has
// completed or been skipped, over a deterministically sorted input sequence.
// A malformed input log fails the whole run; a partial summary is never
// published.
package aggregate

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"gonum.org/v1/gonum/stat"
)

// Error is an aggregation failure: a malformed or missing per-sample log at
// the barrier. Always fatal to the run.
type Error struct {
	Family string
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("aggregate %s: %s: %s", e.Family, e.Path, e.Reason)
}

// sampleFromPath derives the sample id from a log filename
// (`<sample>.cutadapt.log` → `sample`).
func sampleFromPath(path string) string {
	return strings.SplitN(filepath.Base(path), ".", 2)[0]
}

// parsePaths runs parse over the inputs in parallel, preserving input order
// in the result.
func parsePaths[In any, Out any](inputs []In, parse func(In) (Out, error)) ([]Out, error) {
	var out []Out
	var p pipeline.Pipeline
	p.Source(inputs)
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			batch := data.([]In)
			rows := make([]Out, 0, len(batch))
			for _, in := range batch {
				row, err := parse(in)
				if err != nil {
					p.SetErr(err)
					return rows
				}
				rows = append(rows, row)
			}
			return rows
		})),
		pipeline.StrictOrd(pipeline.Slice(&out)),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// trimRow is one sample's trimming metrics, parsed from a cutadapt log.
type trimRow struct {
	Sample       string
	TotalReads   int64
	WithAdapters int64
	Written      int64
}

// WriteTrimmingSummary reduces the given cutadapt logs to one run-level
// trimming summary, rows sorted by log filename. Empty path entries (the
// ifEmpty default of a starved collection) are ignored, yielding a
// header-only summary.
func WriteTrimmingSummary(ctx context.Context, logPaths []string, outPath string) error {
	paths := make([]string, 0, len(logPaths))
	for _, p := range logPaths {
		if p != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	rows, err := parsePaths(paths, parseCutadapt)
	if err != nil {
		return err
	}
	records := [][]string{{"sample", "total_reads", "reads_with_adapters", "reads_written"}}
	for _, r := range rows {
		records = append(records, []string{
			r.Sample,
			strconv.FormatInt(r.TotalReads, 10),
			strconv.FormatInt(r.WithAdapters, 10),
			strconv.FormatInt(r.Written, 10),
		})
	}
	if err := writeCSV(ctx, outPath, records); err != nil {
		return err
	}
	log.Printf("wrote trimming summary for %d samples to %s", len(rows), outPath)
	return nil
}

// parseCutadapt extracts the summary counters from a cutadapt log. Both the
// paired-end ("Total read pairs processed") and single-end ("Total reads
// processed") renditions are accepted.
func parseCutadapt(path string) (trimRow, error) {
	row := trimRow{Sample: sampleFromPath(path)}
	f, err := os.Open(path)
	if err != nil {
		return row, &Error{Family: "cutadapt", Path: path, Reason: err.Error()}
	}
	defer f.Close() // nolint: errcheck
	var (
		haveTotal, haveWritten bool
		sc                     = bufio.NewScanner(f)
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Total read pairs processed:"),
			strings.HasPrefix(line, "Total reads processed:"):
			row.TotalReads, err = trailingCount(line)
			haveTotal = true
		case strings.HasPrefix(line, "Reads with adapters:"),
			strings.HasPrefix(line, "Read 1 with adapter:"),
			strings.HasPrefix(line, "Read 2 with adapter:"):
			var n int64
			n, err = trailingCount(line)
			row.WithAdapters += n
		case strings.HasPrefix(line, "Pairs written (passing filters):"),
			strings.HasPrefix(line, "Reads written (passing filters):"):
			row.Written, err = trailingCount(line)
			haveWritten = true
		}
		if err != nil {
			return row, &Error{Family: "cutadapt", Path: path, Reason: err.Error()}
		}
	}
	if err := sc.Err(); err != nil {
		return row, &Error{Family: "cutadapt", Path: path, Reason: err.Error()}
	}
	if !haveTotal || !haveWritten {
		return row, &Error{Family: "cutadapt", Path: path, Reason: "missing summary counters"}
	}
	return row, nil
}

// trailingCount parses the first number after the colon of a cutadapt
// summary line, tolerating thousands separators and a trailing percentage.
func trailingCount(line string) (int64, error) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return 0, fmt.Errorf("no counter in %q", line)
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, fmt.Errorf("no counter in %q", line)
	}
	return strconv.ParseInt(strings.ReplaceAll(fields[0], ",", ""), 10, 64)
}

// An AlignmentLog pairs one sample's flagstat log with its depth table.
type AlignmentLog struct {
	Flagstat string
	Depth    string
}

// alignRow is one sample's alignment metrics.
type alignRow struct {
	Sample      string
	TotalReads  int64
	MappedReads int64
	MeanDepth   float64
	MedianDepth float64
}

// WriteAlignmentSummary reduces flagstat logs and depth tables to one
// run-level alignment summary, rows sorted by flagstat filename.
func WriteAlignmentSummary(ctx context.Context, logs []AlignmentLog, outPath string) error {
	kept := make([]AlignmentLog, 0, len(logs))
	for _, l := range logs {
		if l.Flagstat != "" {
			kept = append(kept, l)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Flagstat < kept[j].Flagstat })
	rows, err := parsePaths(kept, parseAlignment)
	if err != nil {
		return err
	}
	records := [][]string{{"sample", "total_reads", "mapped_reads", "mean_depth", "median_depth"}}
	for _, r := range rows {
		records = append(records, []string{
			r.Sample,
			strconv.FormatInt(r.TotalReads, 10),
			strconv.FormatInt(r.MappedReads, 10),
			strconv.FormatFloat(r.MeanDepth, 'f', 2, 64),
			strconv.FormatFloat(r.MedianDepth, 'f', 2, 64),
		})
	}
	if err := writeCSV(ctx, outPath, records); err != nil {
		return err
	}
	log.Printf("wrote alignment summary for %d samples to %s", len(rows), outPath)
	return nil
}

func parseAlignment(l AlignmentLog) (alignRow, error) {
	row := alignRow{Sample: sampleFromPath(l.Flagstat)}
	if err := parseFlagstat(l.Flagstat, &row); err != nil {
		return row, err
	}
	if l.Depth != "" {
		if err := depthStats(l.Depth, &row); err != nil {
			return row, err
		}
	}
	return row, nil
}

// parseFlagstat reads the "in total" and "mapped" counters of a samtools
// flagstat report.
func parseFlagstat(path string, row *alignRow) error {
	f, err := os.Open(path)
	if err != nil {
		return &Error{Family: "flagstat", Path: path, Reason: err.Error()}
	}
	defer f.Close() // nolint: errcheck
	var (
		haveTotal, haveMapped bool
		sc                    = bufio.NewScanner(f)
	)
	for sc.Scan() {
		line := sc.Text()
		var which *int64
		switch {
		case !haveTotal && strings.Contains(line, " in total"):
			which, haveTotal = &row.TotalReads, true
		case !haveMapped && strings.Contains(line, " mapped ("):
			which, haveMapped = &row.MappedReads, true
		default:
			continue
		}
		fields := strings.Fields(line)
		// "<passed> + <failed> <label>…"
		if len(fields) < 3 || fields[1] != "+" {
			return &Error{Family: "flagstat", Path: path, Reason: fmt.Sprintf("malformed line %q", line)}
		}
		passed, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return &Error{Family: "flagstat", Path: path, Reason: err.Error()}
		}
		failed, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return &Error{Family: "flagstat", Path: path, Reason: err.Error()}
		}
		*which = passed + failed
	}
	if err := sc.Err(); err != nil {
		return &Error{Family: "flagstat", Path: path, Reason: err.Error()}
	}
	if !haveTotal || !haveMapped {
		return &Error{Family: "flagstat", Path: path, Reason: "missing total/mapped counters"}
	}
	return nil
}

// depthRow is one position of a `samtools depth` table.
type depthRow struct {
	Chrom string
	Pos   int
	Depth float64
}

// depthStats computes mean and median coverage over a samtools depth table.
func depthStats(path string, row *alignRow) error {
	f, err := os.Open(path)
	if err != nil {
		return &Error{Family: "depth", Path: path, Reason: err.Error()}
	}
	defer f.Close() // nolint: errcheck
	r := tsv.NewReader(f)
	var depths []float64
	for {
		var d depthRow
		if err := r.Read(&d); err != nil {
			if err == io.EOF {
				break
			}
			return &Error{Family: "depth", Path: path, Reason: err.Error()}
		}
		depths = append(depths, d.Depth)
	}
	if len(depths) == 0 {
		return nil
	}
	row.MeanDepth = stat.Mean(depths, nil)
	sort.Float64s(depths)
	row.MedianDepth = stat.Quantile(0.5, stat.Empirical, depths, nil)
	return nil
}

func writeCSV(ctx context.Context, path string, records [][]string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f.Writer(ctx))
	if err := w.WriteAll(records); err != nil {
		_ = f.Close(ctx)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close(ctx)
		return err
	}
	return f.Close(ctx)
}
