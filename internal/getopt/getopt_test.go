package getopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBooleanAndValueFlags(t *testing.T) {
	opts, rest, err := Parse("Fg:m:c:", []string{"-F", "-g", "heavy", "script.sh", "arg1"})
	require.NoError(t, err)
	assert.True(t, opts.Has("F"))
	assert.Equal(t, "heavy", opts["g"])
	assert.False(t, opts.Has("m"))
	assert.Equal(t, []string{"script.sh", "arg1"}, rest)
}

func TestParseAttachedValue(t *testing.T) {
	opts, _, err := Parse("t:", []string{"-t5.0"})
	require.NoError(t, err)
	assert.Equal(t, "5.0", opts["t"])
}

func TestParseStopsAtDoubleDash(t *testing.T) {
	opts, rest, err := Parse("F", []string{"--", "-F"})
	require.NoError(t, err)
	assert.False(t, opts.Has("F"))
	assert.Equal(t, []string{"-F"}, rest)
}

func TestParseStopsAtFirstPositional(t *testing.T) {
	opts, rest, err := Parse("F", []string{"script.sh", "-F"})
	require.NoError(t, err)
	assert.False(t, opts.Has("F"))
	assert.Equal(t, []string{"script.sh", "-F"}, rest)
}

func TestParseUnknownOption(t *testing.T) {
	_, _, err := Parse("F", []string{"-z"})
	assert.Error(t, err)
}

func TestParseMissingValue(t *testing.T) {
	_, _, err := Parse("t:", []string{"-t"})
	assert.Error(t, err)
}
