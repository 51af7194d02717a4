// Package manifest parses and validates the tab-separated sample sheet that
// seeds a pipeline run. One row describes one sample: sample id, a status
// column that is carried but not interpreted, the first read file, and (for
// paired-end runs) the second read file. There is no header row.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
)

// A FileRef is an existence-checked path reference. Load rejects any row
// whose FileRefs do not resolve to existing files.
type FileRef struct {
	Path string
}

// IsZero reports whether the reference is absent (single-end read2).
func (f FileRef) IsZero() bool { return f.Path == "" }

// A Sample is one validated manifest row. Samples are immutable after Load
// and are consumed by every downstream stage keyed by ID.
type Sample struct {
	ID    string
	Read1 FileRef
	// Read2 is the zero FileRef in single-end mode.
	Read2 FileRef
}

// Paired reports whether the sample carries a second read file.
func (s Sample) Paired() bool { return !s.Read2.IsZero() }

// Error is a manifest ingestion failure. It is fatal before any stage runs
// and echoes the offending row verbatim.
type Error struct {
	Path   string
	Row    int // 1-based
	Line   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s (row: %q)", e.Path, e.Row, e.Reason, e.Line)
}

// Opts configures manifest loading.
type Opts struct {
	// SingleEnd expects exactly 3 columns per row and no read2. The default
	// (paired-end) expects exactly 4 columns and validates both read files.
	SingleEnd bool
}

// fastqSuffixes are the recognized read-file extensions. An unrecognized
// extension is flagged but does not fail ingestion.
var fastqSuffixes = []string{".fastq.gz", ".fq.gz", ".fastq", ".fq"}

func recognizedReadFile(path string) bool {
	for _, suffix := range fastqSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Load parses the manifest at path into one Sample per non-empty row. All
// rows are validated, and every referenced file existence-checked, before
// anything is returned; any failure aborts the whole ingestion.
func Load(path string, opts Opts) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest")
	}
	defer f.Close() // nolint: errcheck

	var (
		samples []Sample
		lines   []string
		rows    []int
		seen    = make(map[string]int)
	)
	sc := bufio.NewScanner(f)
	row := 0
	for sc.Scan() {
		row++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sample, err := parseRow(path, row, line, opts)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[sample.ID]; dup {
			return nil, &Error{Path: path, Row: row, Line: line,
				Reason: fmt.Sprintf("duplicate sample id %q (first seen on row %d)", sample.ID, prev)}
		}
		seen[sample.ID] = row
		samples = append(samples, sample)
		lines = append(lines, line)
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	// Existence checks touch the filesystem once per referenced file; run
	// them in parallel across rows.
	if err := traverse.Each(len(samples), func(i int) error {
		for _, ref := range []FileRef{samples[i].Read1, samples[i].Read2} {
			if ref.IsZero() {
				continue
			}
			if _, err := os.Stat(ref.Path); err != nil {
				return &Error{Path: path, Row: rows[i], Line: lines[i],
					Reason: fmt.Sprintf("read file %s does not exist", ref.Path)}
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.Printf("manifest %s: %d samples", path, len(samples))
	return samples, nil
}

func parseRow(path string, row int, line string, opts Opts) (Sample, error) {
	fail := func(reason string) (Sample, error) {
		return Sample{}, &Error{Path: path, Row: row, Line: line, Reason: reason}
	}
	cols := strings.Split(line, "\t")
	want := 4
	if opts.SingleEnd {
		want = 3
	}
	if len(cols) != want {
		return fail(fmt.Sprintf("expected %d tab-separated columns, got %d", want, len(cols)))
	}
	id := strings.TrimSpace(cols[0])
	if id == "" {
		return fail("empty sample id")
	}
	read1 := strings.TrimSpace(cols[2])
	if read1 == "" {
		return fail("empty read1 path")
	}
	if !recognizedReadFile(read1) {
		log.Error.Printf("%s:%d: read1 %s has an unrecognized extension; proceeding", path, row, read1)
	}
	sample := Sample{ID: id, Read1: FileRef{Path: read1}}
	if !opts.SingleEnd {
		read2 := strings.TrimSpace(cols[3])
		if read2 == "" {
			return fail("paired-end run but read2 column is empty")
		}
		if !recognizedReadFile(read2) {
			return fail(fmt.Sprintf("read2 %s does not carry a recognized paired-read extension", read2))
		}
		sample.Read2 = FileRef{Path: read2}
	}
	return sample, nil
}
