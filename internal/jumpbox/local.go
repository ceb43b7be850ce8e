package jumpbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/danmuck/beamctl/internal/tools"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

// LocalShell runs commands on this host, for jobs already on the jumpbox.
// Relative paths resolve against Dir, or the home directory when Dir is empty.
type LocalShell struct {
	Runner  tools.CommandRunner
	Dir     string
	Prelude string
}

var _ Shell = (*LocalShell)(nil)

func NewLocalShell(dir string) *LocalShell {
	return &LocalShell{Runner: tools.ExecRunner{}, Dir: dir, Prelude: DefaultPrelude}
}

func (l *LocalShell) dir() string {
	if l.Dir != "" {
		return l.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func (l *LocalShell) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.dir(), path)
}

func (l *LocalShell) Run(ctx context.Context, command string, answers []string) (Result, error) {
	runner := l.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	script := "cd " + shellquote.Join(l.dir()) + " && " + withPrelude(l.Prelude, command)
	log.Debug().Msgf("jumpbox.LocalShell.Run command=%q", command)
	stdout, stderr, code, err := tools.RunShell(ctx, runner, script, answers)
	res := Result{Stdout: splitLines(stdout), Stderr: splitLines(stderr), ExitCode: int(code)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return res, nil
		}
		return res, fmt.Errorf("jumpbox local run: %w", err)
	}
	return res, nil
}

func (l *LocalShell) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("jumpbox read %s: %w", path, err)
	}
	return data, nil
}

func (l *LocalShell) WriteFile(_ context.Context, path string, data []byte) error {
	if err := os.WriteFile(l.resolve(path), data, 0o600); err != nil {
		return fmt.Errorf("jumpbox write %s: %w", path, err)
	}
	return nil
}

func (l *LocalShell) Close() error {
	return nil
}
