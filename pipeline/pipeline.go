// Package pipeline wires the viral amplicon workflow onto the workflow
// engine: manifest ingestion fans out into quality control and adapter
// trimming, trimmed reads flow through alignment and indel-quality
// adjustment, the adjusted alignment is joined with its index before depth
// computation and tool-gated variant calling, and per-sample logs are
// reduced into run-level trimming and alignment summaries.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amplicov/amplicov/aggregate"
	"github.com/amplicov/amplicov/manifest"
	"github.com/amplicov/amplicov/runner"
	"github.com/amplicov/amplicov/tools"
	"github.com/amplicov/amplicov/workflow"
	"github.com/google/uuid"
	"github.com/grailbio/base/log"
)

// Stage names, as registered with the executor.
const (
	StageQC              = "fastqc"
	StageTrim            = "cutadapt"
	StageAlign           = "align"
	StageIndelQual       = "indelqual"
	StageIndex           = "index"
	StageDepth           = "depth"
	StageCallLofreq      = "call-lofreq"
	StageCallIvar        = "call-ivar"
	StageTable           = "variants-table"
	StageConsensus       = "consensus"
	StageAnnotate        = "annotate"
	StageFilterAnnotated = "filter-annotated"
)

// Workers bounds per-stage parallelism by external-resource class.
type Workers struct {
	Trim      int
	Align     int
	Index     int
	Depth     int
	Call      int
	Consensus int
}

// DefaultWorkers reflects the relative cost of each stage: alignment and
// calling are heavy, indexing and depth computation are not.
var DefaultWorkers = Workers{
	Trim:      4,
	Align:     2,
	Index:     4,
	Depth:     4,
	Call:      2,
	Consensus: 2,
}

// Config is the immutable run-wide configuration, constructed once and read
// by every component. It is never mutated after construction.
type Config struct {
	Manifest   string
	Reference  string
	Adapters   string
	Annotation string // optional; consumed by the snpeff-gated stages
	Tools      tools.Set
	SingleEnd  bool
	OutDir     string
	// RunID names the per-run scratch directory; a fresh uuid when empty.
	RunID string
	// ContinueOnError isolates per-sample stage failures instead of
	// aborting the run.
	ContinueOnError bool
	Workers         Workers
}

// Element shapes of the inter-stage channels.
type (
	trimmed struct {
		Sample manifest.Sample
		Read1  string
		Read2  string
		Log    string
	}
	aligned struct {
		Sample manifest.Sample
		BAM    string
	}
	adjusted struct {
		Sample manifest.Sample
		BAM    string
	}
	indexed struct {
		Sample   manifest.Sample
		BAM      string
		BAI      string
		Flagstat string
	}
	called struct {
		Sample manifest.Sample
		Tool   string
		VCF    string
	}
	annotated struct {
		Sample manifest.Sample
		Tool   string
		VCF    string
	}
)

// Run loads and validates the manifest, builds the graph, and drives one
// run. Manifest and tool-selection failures surface before any stage
// executes.
func Run(ctx context.Context, cfg Config, exec runner.Executor) (*workflow.Report, error) {
	samples, err := manifest.Load(cfg.Manifest, manifest.Opts{SingleEnd: cfg.SingleEnd})
	if err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.Workers == (Workers{}) {
		cfg.Workers = DefaultWorkers
	}
	log.Printf("run %s: %d samples, tools [%s]", cfg.RunID, len(samples), cfg.Tools)
	g := build(cfg, samples, exec)
	return g.Run(ctx), nil
}

// build declares the full static topology. No stage runs until the returned
// graph is.
func build(cfg Config, samples []manifest.Sample, exec runner.Executor) *workflow.Graph {
	g := workflow.New("amplicov", workflow.GraphOpts{ContinueOnError: cfg.ContinueOnError})
	b := &builder{cfg: cfg, exec: exec}

	src := workflow.Source(g, "samples", samples)
	sampleBr := workflow.Broadcast(g, src, "samples.qc", "samples.trim")

	// Quality control is report-only; its failures never sink the run.
	workflow.Sink(g, StageQC, sampleBr[0],
		workflow.StageOpts{Parallelism: cfg.Workers.Trim, Ignorable: true},
		func(ctx context.Context, s manifest.Sample) error {
			return b.run(ctx, StageQC, s.ID, b.readInputs(s), nil)
		})

	trimCh := workflow.Each(g, StageTrim, sampleBr[1],
		workflow.StageOpts{Parallelism: cfg.Workers.Trim},
		func(ctx context.Context, s manifest.Sample) (trimmed, error) {
			dir := b.sampleDir(s.ID)
			t := trimmed{
				Sample: s,
				Read1:  filepath.Join(dir, s.ID+".trimmed_R1.fastq.gz"),
				Log:    filepath.Join(dir, s.ID+".cutadapt.log"),
			}
			inputs := b.readInputs(s)
			inputs["adapters"] = cfg.Adapters
			outputs := map[string]string{"read1": t.Read1, "log": t.Log}
			if s.Paired() {
				t.Read2 = filepath.Join(dir, s.ID+".trimmed_R2.fastq.gz")
				outputs["read2"] = t.Read2
			}
			if err := b.run(ctx, StageTrim, s.ID, inputs, outputs); err != nil {
				return trimmed{}, err
			}
			return t, nil
		})
	trimBr := workflow.Broadcast(g, trimCh, "trim.align", "trim.logs")

	// Trimming summary barrier: collect every sample's cutadapt log, sorted
	// by filename, and reduce once.
	trimLogs := workflow.IfEmpty(g, trimBr[1], trimmed{})
	workflow.Reduce(g, "trimming-summary", trimLogs,
		func(a, b trimmed) bool { return a.Log < b.Log },
		func(ctx context.Context, all []trimmed) error {
			logs := make([]string, len(all))
			for i, t := range all {
				logs[i] = t.Log
			}
			return aggregate.WriteTrimmingSummary(ctx, logs, filepath.Join(cfg.OutDir, "trimming-summary.csv"))
		})

	alignCh := workflow.Each(g, StageAlign, trimBr[0],
		workflow.StageOpts{Parallelism: cfg.Workers.Align},
		func(ctx context.Context, t trimmed) (aligned, error) {
			s := t.Sample
			a := aligned{Sample: s, BAM: filepath.Join(b.sampleDir(s.ID), s.ID+".sorted.bam")}
			inputs := map[string]string{"reference": cfg.Reference, "read1": t.Read1}
			if t.Read2 != "" {
				inputs["read2"] = t.Read2
			}
			if err := b.run(ctx, StageAlign, s.ID, inputs, map[string]string{"bam": a.BAM}); err != nil {
				return aligned{}, err
			}
			return a, nil
		})

	adjCh := workflow.Each(g, StageIndelQual, alignCh,
		workflow.StageOpts{Parallelism: cfg.Workers.Align},
		func(ctx context.Context, a aligned) (adjusted, error) {
			s := a.Sample
			adj := adjusted{Sample: s, BAM: filepath.Join(b.sampleDir(s.ID), s.ID+".indelqual.bam")}
			inputs := map[string]string{"reference": cfg.Reference, "bam": a.BAM}
			if err := b.run(ctx, StageIndelQual, s.ID, inputs, map[string]string{"bam": adj.BAM}); err != nil {
				return adjusted{}, err
			}
			return adj, nil
		})
	adjBr := workflow.Broadcast(g, adjCh, "indelqual.index", "indelqual.call")

	idxCh := workflow.Each(g, StageIndex, adjBr[0],
		workflow.StageOpts{Parallelism: cfg.Workers.Index},
		func(ctx context.Context, a adjusted) (indexed, error) {
			s := a.Sample
			idx := indexed{
				Sample:   s,
				BAM:      a.BAM,
				BAI:      a.BAM + ".bai",
				Flagstat: filepath.Join(b.sampleDir(s.ID), s.ID+".flagstat.txt"),
			}
			outputs := map[string]string{"bai": idx.BAI, "flagstat": idx.Flagstat}
			if err := b.run(ctx, StageIndex, s.ID, map[string]string{"bam": a.BAM}, outputs); err != nil {
				return indexed{}, err
			}
			return idx, nil
		})

	// The adjusted alignment meets its index here. Under fail-fast a
	// missing counterpart is a hard error; under continue-on-error the
	// unmatched sample has already been reported failed upstream and is
	// dropped with a log line.
	ready := workflow.Join(g, "bam-with-index", adjBr[1], idxCh,
		func(a adjusted) string { return a.Sample.ID },
		func(i indexed) string { return i.Sample.ID },
		workflow.JoinOpts{AllowUnmatched: cfg.ContinueOnError})
	readyBr := workflow.Broadcast(g, ready, "ready.depth", "ready.lofreq", "ready.ivar")

	depthCh := workflow.Each(g, StageDepth, readyBr[0],
		workflow.StageOpts{Parallelism: cfg.Workers.Depth},
		func(ctx context.Context, p workflow.Pair[adjusted, indexed]) (aggregate.AlignmentLog, error) {
			s := p.Left.Sample
			depth := filepath.Join(b.sampleDir(s.ID), s.ID+".samtools.depth")
			inputs := map[string]string{"bam": p.Left.BAM, "bai": p.Right.BAI}
			if err := b.run(ctx, StageDepth, s.ID, inputs, map[string]string{"depth": depth}); err != nil {
				return aggregate.AlignmentLog{}, err
			}
			return aggregate.AlignmentLog{Flagstat: p.Right.Flagstat, Depth: depth}, nil
		})

	// Alignment summary barrier over flagstat and depth artifacts.
	alignLogs := workflow.IfEmpty(g, depthCh, aggregate.AlignmentLog{})
	workflow.Reduce(g, "alignment-summary", alignLogs,
		func(a, b aggregate.AlignmentLog) bool { return a.Flagstat < b.Flagstat },
		func(ctx context.Context, all []aggregate.AlignmentLog) error {
			return aggregate.WriteAlignmentSummary(ctx, all, filepath.Join(cfg.OutDir, "alignment-summary.csv"))
		})

	lofreqCh := workflow.Each(g, StageCallLofreq, readyBr[1],
		workflow.StageOpts{
			Parallelism: cfg.Workers.Call,
			When:        func() bool { return cfg.Tools.Contains(tools.Lofreq) },
		},
		b.caller(StageCallLofreq, tools.Lofreq))
	ivarCh := workflow.Each(g, StageCallIvar, readyBr[2],
		workflow.StageOpts{
			Parallelism: cfg.Workers.Call,
			When:        func() bool { return cfg.Tools.Contains(tools.Ivar) },
		},
		b.caller(StageCallIvar, tools.Ivar))

	calledCh := workflow.Merge(g, "variants", lofreqCh, ivarCh)
	calledBr := workflow.Broadcast(g, calledCh, "variants.table", "variants.consensus", "variants.annotate")

	workflow.Sink(g, StageTable, calledBr[0], workflow.StageOpts{},
		func(ctx context.Context, c called) error {
			s := c.Sample
			table := filepath.Join(b.sampleDir(s.ID), fmt.Sprintf("%s-%s-variants.csv", s.ID, c.Tool))
			return b.run(ctx, StageTable, s.ID,
				map[string]string{"vcf": c.VCF, "tool": c.Tool},
				map[string]string{"table": table})
		})

	workflow.Sink(g, StageConsensus, calledBr[1],
		workflow.StageOpts{Parallelism: cfg.Workers.Consensus},
		func(ctx context.Context, c called) error {
			s := c.Sample
			fasta := filepath.Join(b.sampleDir(s.ID), fmt.Sprintf("%s.%s.consensus.fasta", s.ID, c.Tool))
			inputs := map[string]string{"reference": cfg.Reference, "vcf": c.VCF, "tool": c.Tool}
			return b.run(ctx, StageConsensus, s.ID, inputs, map[string]string{"fasta": fasta})
		})

	annCh := workflow.Each(g, StageAnnotate, calledBr[2],
		workflow.StageOpts{When: func() bool { return cfg.Tools.Contains(tools.SnpEff) }},
		func(ctx context.Context, c called) (annotated, error) {
			s := c.Sample
			ann := annotated{
				Sample: s,
				Tool:   c.Tool,
				VCF:    filepath.Join(b.sampleDir(s.ID), fmt.Sprintf("%s.%s.ann.vcf", s.ID, c.Tool)),
			}
			inputs := map[string]string{"vcf": c.VCF, "annotation": cfg.Annotation}
			if err := b.run(ctx, StageAnnotate, s.ID, inputs, map[string]string{"vcf": ann.VCF}); err != nil {
				return annotated{}, err
			}
			return ann, nil
		})

	workflow.Sink(g, StageFilterAnnotated, annCh,
		workflow.StageOpts{When: func() bool { return cfg.Tools.Contains(tools.SnpEff) }},
		func(ctx context.Context, a annotated) error {
			s := a.Sample
			table := filepath.Join(b.sampleDir(s.ID), fmt.Sprintf("%s.%s.filtered.csv", s.ID, a.Tool))
			return b.run(ctx, StageFilterAnnotated, s.ID,
				map[string]string{"vcf": a.VCF},
				map[string]string{"table": table})
		})

	return g
}

// builder carries the run-wide immutables through stage declarations.
type builder struct {
	cfg  Config
	exec runner.Executor
}

func (b *builder) sampleDir(id string) string {
	return filepath.Join(b.cfg.OutDir, id)
}

func (b *builder) workDir(id string) string {
	return filepath.Join(b.cfg.OutDir, ".work", b.cfg.RunID, id)
}

func (b *builder) readInputs(s manifest.Sample) map[string]string {
	inputs := map[string]string{"read1": s.Read1.Path}
	if s.Paired() {
		inputs["read2"] = s.Read2.Path
	}
	return inputs
}

func (b *builder) run(ctx context.Context, stage, sample string, inputs, outputs map[string]string) error {
	for _, path := range outputs {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
	}
	_, err := b.exec.Execute(ctx, runner.Request{
		Stage:   stage,
		Sample:  sample,
		Inputs:  inputs,
		Outputs: outputs,
		WorkDir: b.workDir(sample),
	})
	return err
}

// caller builds the stage function shared by the interchangeable variant
// callers.
func (b *builder) caller(stage, tool string) func(context.Context, workflow.Pair[adjusted, indexed]) (called, error) {
	return func(ctx context.Context, p workflow.Pair[adjusted, indexed]) (called, error) {
		s := p.Left.Sample
		c := called{
			Sample: s,
			Tool:   tool,
			VCF:    filepath.Join(b.sampleDir(s.ID), fmt.Sprintf("%s.%s.vcf", s.ID, tool)),
		}
		inputs := map[string]string{
			"reference": b.cfg.Reference,
			"bam":       p.Left.BAM,
			"bai":       p.Right.BAI,
		}
		if err := b.run(ctx, stage, s.ID, inputs, map[string]string{"vcf": c.VCF}); err != nil {
			return called{}, err
		}
		return c, nil
	}
}
