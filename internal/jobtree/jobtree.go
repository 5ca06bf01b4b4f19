// Package jobtree contains shared jobtree constructs: defaults, log level
// glyphs, and environment variable names used across the manager and the
// child control protocol.
package jobtree

const (
	// IdentEnv is the environment variable a child process can read to
	// learn its own job ident.
	IdentEnv = "CHAQUM_IDENT"
	// ParentEnv is the environment variable a child process can read to
	// learn its parent job's ident. Unset for the entry job.
	ParentEnv = "CHAQUM_PARENT"
)

const (
	// DefaultEntryScript is the name of the script invoked as the root of
	// the job tree when none is configured.
	DefaultEntryScript = "entry"
	// DefaultStatsIntervalMillis is the default Stats sampler poll interval, in
	// milliseconds.
	DefaultStatsIntervalMillis = 500
)

// Log level glyphs recognized in the first byte of a level-prefixed log
// line written by a child on its merged stdout/stderr stream.
const (
	LevelCritical = 'C'
	LevelError    = 'E'
	LevelWarning  = 'W'
	LevelInfo     = 'I'
	LevelDebug    = 'D'

	// LevelSep is the byte that, found as the second byte of a log line,
	// marks the first byte as a level glyph rather than message content.
	LevelSep = 0x1F
)
