package process

import (
	"strings"

	"github.com/buildkite/shellwords"
)

// FormatCommand formats a command and arguments for human reading.
func FormatCommand(command string, args []string) string {
	s := []string{shellwords.Quote(command)}
	for _, a := range args {
		s = append(s, shellwords.Quote(a))
	}
	return strings.Join(s, " ")
}
