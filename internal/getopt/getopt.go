// Package getopt implements POSIX short-option parsing against a per-command
// optstring (e.g. "Fg:m:c:"), the shape the control protocol's handlers
// declare their flags in.
package getopt

import (
	"fmt"
	"strings"
)

// Options maps a short flag (single character, without the leading "-") to
// its value. Boolean flags (those not followed by ':' in the optstring) are
// present with an empty value.
type Options map[string]string

// Has reports whether flag was present.
func (o Options) Has(flag string) bool {
	_, ok := o[flag]
	return ok
}

// Parse splits args into recognized options (per optstring) and the
// remaining positional arguments, stopping at the first non-option argument
// or at a literal "--", matching POSIX getopt (not GNU permuting) behavior.
func Parse(optstring string, args []string) (Options, []string, error) {
	opts := Options{}

	i := 0
	for i < len(args) {
		arg := args[i]

		if arg == "--" {
			i++
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			break
		}

		flag := string(arg[1])
		idx := strings.IndexByte(optstring, arg[1])
		if idx == -1 {
			return nil, nil, fmt.Errorf("unknown option -%s", flag)
		}

		takesValue := idx+1 < len(optstring) && optstring[idx+1] == ':'
		if !takesValue {
			if len(arg) > 2 {
				return nil, nil, fmt.Errorf("unexpected characters after -%s", flag)
			}
			opts[flag] = ""
			i++
			continue
		}

		if len(arg) > 2 {
			opts[flag] = arg[2:]
			i++
			continue
		}

		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("option -%s requires a value", flag)
		}
		opts[flag] = args[i+1]
		i += 2
	}

	return opts, args[i:], nil
}
