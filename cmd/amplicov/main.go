package main

// amplicov drives a viral amplicon sample-processing run: adapter trimming,
// alignment, indel-quality adjustment, indexing, tool-selected variant
// calling, depth computation and consensus construction per sample, plus
// run-level trimming and alignment summaries.
//
// Example:
//
//	amplicov -manifest samples.tsv -reference ref.fasta -adapters adapters.fa \
//	    -tools lofreq,snpeff -out results/

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amplicov/amplicov/pipeline"
	"github.com/amplicov/amplicov/runner"
	"github.com/amplicov/amplicov/tools"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	manifestPath    = flag.String("manifest", "", "Tab-separated sample sheet: sampleId, status, read1, read2 (required)")
	referencePath   = flag.String("reference", "", "Reference genome FASTA (required)")
	adaptersPath    = flag.String("adapters", "", "Adapter FASTA passed to the trimmer (required)")
	annotationDB    = flag.String("annotation", "", "snpEff database name; required when the snpeff tool is selected")
	toolList        = flag.String("tools", "", "Comma-separated variant-calling tools to run; registered: "+strings.Join(tools.Registry, ","))
	singleEnd       = flag.Bool("single-end", false, "Expect single-end reads (3-column manifest)")
	outDir          = flag.String("out", "results", "Output directory; each sample writes to its own subtree")
	runID           = flag.String("run-id", "", "Run identifier; a fresh uuid when empty")
	scriptsDir      = flag.String("scripts", "scripts", "Directory holding the table/filter helper scripts")
	continueOnError = flag.Bool("continue-on-error", false, "Isolate per-sample stage failures instead of aborting the run")
	alignWorkers    = flag.Int("align-workers", pipeline.DefaultWorkers.Align, "Concurrent alignment/indel-quality jobs")
	callWorkers     = flag.Int("call-workers", pipeline.DefaultWorkers.Call, "Concurrent variant-calling jobs")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if *manifestPath == "" || *referencePath == "" || *adaptersPath == "" {
		log.Fatalf("-manifest, -reference and -adapters are required")
	}
	set, err := tools.Select(*toolList, tools.Registry)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if set.Contains(tools.SnpEff) && *annotationDB == "" {
		log.Fatalf("-annotation is required when the snpeff tool is selected")
	}

	workers := pipeline.DefaultWorkers
	workers.Align = *alignWorkers
	workers.Call = *callWorkers
	cfg := pipeline.Config{
		Manifest:        *manifestPath,
		Reference:       *referencePath,
		Adapters:        *adaptersPath,
		Annotation:      *annotationDB,
		Tools:           set,
		SingleEnd:       *singleEnd,
		OutDir:          *outDir,
		RunID:           *runID,
		ContinueOnError: *continueOnError,
		Workers:         workers,
	}

	ctx := vcontext.Background()
	report, err := pipeline.Run(ctx, cfg, newExecutor(*scriptsDir))
	if err != nil {
		log.Fatalf("%v", err)
	}
	for _, serr := range report.SampleErrors {
		log.Error.Printf("%v", serr)
	}
	if report.Err != nil {
		log.Fatalf("run failed: %v", report.Err)
	}
	log.Printf("run %s", report.Status)
}

// sh wraps a shell command line so a stage can use pipes and redirection.
func sh(format string, args ...interface{}) []string {
	return []string{"bash", "-o", "pipefail", "-c", fmt.Sprintf(format, args...)}
}

// newExecutor registers the external command line of every stage. The
// workflow engine never sees any of these flags; it only hands over named
// inputs and declared outputs.
func newExecutor(scripts string) *runner.Local {
	l := runner.NewLocal()

	l.Register(pipeline.StageQC, func(req runner.Request) []string {
		argv := []string{"fastqc", "--quiet", "--outdir", req.WorkDir, req.Inputs["read1"]}
		if r2 := req.Inputs["read2"]; r2 != "" {
			argv = append(argv, r2)
		}
		return argv
	})

	l.Register(pipeline.StageTrim, func(req runner.Request) []string {
		if r2 := req.Inputs["read2"]; r2 != "" {
			return sh("cutadapt -g file:%s -o %s -p %s %s %s > %s",
				req.Inputs["adapters"], req.Outputs["read1"], req.Outputs["read2"],
				req.Inputs["read1"], r2, req.Outputs["log"])
		}
		return sh("cutadapt -g file:%s -o %s %s > %s",
			req.Inputs["adapters"], req.Outputs["read1"], req.Inputs["read1"], req.Outputs["log"])
	})

	l.Register(pipeline.StageAlign, func(req runner.Request) []string {
		reads := req.Inputs["read1"]
		if r2 := req.Inputs["read2"]; r2 != "" {
			reads += " " + r2
		}
		return sh("bwa mem %s %s | samtools sort -o %s -",
			req.Inputs["reference"], reads, req.Outputs["bam"])
	})

	l.Register(pipeline.StageIndelQual, func(req runner.Request) []string {
		return []string{"lofreq", "indelqual", "--dindel",
			"-f", req.Inputs["reference"], "-o", req.Outputs["bam"], req.Inputs["bam"]}
	})

	l.Register(pipeline.StageIndex, func(req runner.Request) []string {
		return sh("samtools index %s && samtools flagstat %s > %s",
			req.Inputs["bam"], req.Inputs["bam"], req.Outputs["flagstat"])
	})

	l.Register(pipeline.StageDepth, func(req runner.Request) []string {
		return sh("samtools depth -a %s > %s", req.Inputs["bam"], req.Outputs["depth"])
	})

	l.Register(pipeline.StageCallLofreq, func(req runner.Request) []string {
		return []string{"lofreq", "call",
			"-f", req.Inputs["reference"], "-o", req.Outputs["vcf"], req.Inputs["bam"]}
	})

	l.Register(pipeline.StageCallIvar, func(req runner.Request) []string {
		prefix := strings.TrimSuffix(req.Outputs["vcf"], ".vcf")
		return sh("samtools mpileup -aa -A -d 0 -B -Q 0 -f %s %s | ivar variants -r %s -p %s && mv %s.tsv %s",
			req.Inputs["reference"], req.Inputs["bam"], req.Inputs["reference"],
			prefix, prefix, req.Outputs["vcf"])
	})

	l.Register(pipeline.StageTable, func(req runner.Request) []string {
		return []string{"python3", filepath.Join(scripts, "tablefromvcf.py"),
			req.Inputs["vcf"], req.Outputs["table"]}
	})

	l.Register(pipeline.StageConsensus, func(req runner.Request) []string {
		vcfGz := req.Inputs["vcf"] + ".gz"
		return sh("bgzip -c %s > %s && tabix -f %s && bcftools consensus -f %s %s > %s",
			req.Inputs["vcf"], vcfGz, vcfGz, req.Inputs["reference"], vcfGz, req.Outputs["fasta"])
	})

	l.Register(pipeline.StageAnnotate, func(req runner.Request) []string {
		return sh("snpEff ann -noStats %s %s > %s",
			req.Inputs["annotation"], req.Inputs["vcf"], req.Outputs["vcf"])
	})

	l.Register(pipeline.StageFilterAnnotated, func(req runner.Request) []string {
		return []string{"python3", filepath.Join(scripts, "filterannotated.py"),
			req.Inputs["vcf"], req.Outputs["table"]}
	})

	return l
}
