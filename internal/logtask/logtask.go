// Package logtask implements the per-job logging task: a reader of the
// child's merged stdout/stderr that parses the inline log-level prefix and
// forwards each line to the job's logger.
package logtask

import (
	"bufio"
	"io"

	"github.com/chaqum-run/jobtree/internal/jobtree"
	"github.com/chaqum-run/jobtree/internal/log"
)

// Run reads lines from r until EOF, logging each through logger at the
// level named by its inline prefix. It returns nil on EOF or any read
// error: a child closing its output is not a failure. Callers cancel by
// closing r; the supervisor closes its read end once the child's write
// end is gone.
func Run(r io.Reader, logger *log.Logger) error {
	reader := bufio.NewReader(r)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			logLine(trimNewline(line), logger)
		}
		if err != nil {
			return nil
		}
	}
}

func trimNewline(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// logLine interprets one line: if its second byte is 0x1F, the first byte
// is a level glyph and the remainder is the message; otherwise the whole
// line logs at INFO.
func logLine(line string, logger *log.Logger) {
	if len(line) >= 2 && line[1] == jobtree.LevelSep {
		msg := line[2:]
		switch line[0] {
		case jobtree.LevelCritical:
			logger.Criticalf("%s", msg)
		case jobtree.LevelError:
			logger.Errorf("%s", msg)
		case jobtree.LevelWarning:
			logger.Warnf("%s", msg)
		case jobtree.LevelDebug:
			logger.Debugf("%s", msg)
		default:
			logger.Infof("%s", msg)
		}
		return
	}
	logger.Infof("%s", line)
}
