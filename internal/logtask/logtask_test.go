package logtask

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaqum-run/jobtree/internal/log"
)

func TestRunDispatchesLevelPrefixedLines(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "")

	input := strings.NewReader(
		"C\x1fdisk on fire\n" +
			"E\x1fsomething broke\n" +
			"W\x1fheads up\n" +
			"D\x1fverbose detail\n" +
			"plain line, no prefix\n",
	)

	err := Run(input, logger)
	assert.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[CRITICAL]")
	assert.Contains(t, out, "disk on fire")
	assert.Contains(t, out, "[ERROR]")
	assert.Contains(t, out, "something broke")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "heads up")
	assert.Contains(t, out, "[DEBUG]")
	assert.Contains(t, out, "verbose detail")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "plain line, no prefix")
}

func TestRunTreatsUnknownGlyphAsInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "")

	err := Run(strings.NewReader("X\x1fodd glyph\n"), logger)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "[INFO]")
	assert.Contains(t, buf.String(), "odd glyph")
}

func TestRunReturnsNilOnEOF(t *testing.T) {
	logger := log.New(os.Stdout, "")
	err := Run(strings.NewReader(""), logger)
	assert.NoError(t, err)
}
