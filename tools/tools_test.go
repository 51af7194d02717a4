package tools

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	set, err := Select("lofreq,ivar", Registry)
	require.NoError(t, err)
	expect.EQ(t, set.Names(), []string{"ivar", "lofreq"})
	expect.True(t, set.Contains(Lofreq))
	expect.True(t, set.Contains(Ivar))
	expect.False(t, set.Contains(SnpEff))
}

func TestSelectNormalizes(t *testing.T) {
	set, err := Select(" LoFreq , IVAR ,", Registry)
	require.NoError(t, err)
	expect.EQ(t, set.Names(), []string{"ivar", "lofreq"})
}

func TestSelectUnknownToolFails(t *testing.T) {
	_, err := Select("lofreq,bogus", Registry)
	require.Error(t, err)
	var serr *SelectionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []string{"bogus"}, serr.Unknown)
	assert.Contains(t, err.Error(), "bogus")
}

func TestSelectEmpty(t *testing.T) {
	set, err := Select("", Registry)
	require.NoError(t, err)
	assert.Empty(t, set.Names())
}
