package jumpbox

import (
	"bufio"
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("jumpbox: invalid config")
	ErrClosed        = errors.New("jumpbox: closed")
)

// Shell runs commands on the jumpbox and reads or writes files in the
// connecting user's home directory when paths are relative.
type Shell interface {
	// Run feeds answers, one per line, to the command's stdin.
	// A non-zero exit status is reported in Result, not as an error.
	Run(ctx context.Context, command string, answers []string) (Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Close() error
}

// Result holds trimmed output lines of one command.
type Result struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// Failed reports a non-zero exit or any stderr output.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || len(r.Stderr) > 0
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		out = append(out, strings.TrimSpace(scanner.Text()))
	}
	return out
}

func withPrelude(prelude, command string) string {
	prelude = strings.TrimSpace(prelude)
	if prelude == "" {
		return command
	}
	return prelude + "; " + command
}
