package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("@r1\nACGT\n+\nFFFF\n"), 0644))
	return path
}

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "samples.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadPairedEnd(t *testing.T) {
	dir := t.TempDir()
	r1a := writeFile(t, dir, "a_R1.fastq.gz")
	r2a := writeFile(t, dir, "a_R2.fastq.gz")
	r1b := writeFile(t, dir, "b_R1.fq.gz")
	r2b := writeFile(t, dir, "b_R2.fq.gz")
	path := writeManifest(t, dir,
		"sampleA\tok\t"+r1a+"\t"+r2a+"\n"+
			"\n"+ // empty rows are skipped
			"sampleB\tok\t"+r1b+"\t"+r2b+"\n")

	samples, err := Load(path, Opts{})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	ids := map[string]bool{}
	for _, s := range samples {
		ids[s.ID] = true
		assert.True(t, s.Paired())
	}
	assert.True(t, ids["sampleA"] && ids["sampleB"])
}

func TestLoadSingleEnd(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a.fastq")
	path := writeManifest(t, dir, "sampleA\tok\t"+r1+"\n")

	samples, err := Load(path, Opts{SingleEnd: true})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Paired())
	assert.True(t, samples[0].Read2.IsZero())
}

func TestLoadMissingFileFailsIngestion(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a_R1.fastq.gz")
	path := writeManifest(t, dir, "sampleA\tok\t"+r1+"\t"+filepath.Join(dir, "nope.fastq.gz")+"\n")

	_, err := Load(path, Opts{})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 1, merr.Row)
	assert.Contains(t, merr.Error(), "nope.fastq.gz")
	// The offending row is echoed verbatim.
	assert.Contains(t, merr.Error(), "sampleA\tok")
}

func TestLoadDuplicateID(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a_R1.fastq.gz")
	r2 := writeFile(t, dir, "a_R2.fastq.gz")
	row := "sampleA\tok\t" + r1 + "\t" + r2 + "\n"
	path := writeManifest(t, dir, row+row)

	_, err := Load(path, Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate sample id "sampleA"`)
}

func TestLoadWrongColumnCount(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a_R1.fastq.gz")
	path := writeManifest(t, dir, "sampleA\tok\t"+r1+"\n")

	_, err := Load(path, Opts{}) // paired-end wants 4 columns
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4 tab-separated columns, got 3")
}

func TestLoadBadRead2Extension(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a_R1.fastq.gz")
	bad := writeFile(t, dir, "a_R2.txt")
	path := writeManifest(t, dir, "sampleA\tok\t"+r1+"\t"+bad+"\n")

	_, err := Load(path, Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recognized paired-read extension")
}

func TestLoadUnrecognizedRead1ExtensionProceeds(t *testing.T) {
	// Flagged but not fatal: ingestion proceeds for an odd read1 extension
	// as long as the file exists.
	dir := t.TempDir()
	r1 := writeFile(t, dir, "a_R1.reads")
	r2 := writeFile(t, dir, "a_R2.fastq.gz")
	path := writeManifest(t, dir, "sampleA\tok\t"+r1+"\t"+r2+"\n")

	samples, err := Load(path, Opts{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
}
