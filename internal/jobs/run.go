package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// ErrDevicesFailed marks a completed run that left devices in failure
// buckets while strict exit codes are on.
var ErrDevicesFailed = errors.New("jobs: devices ended in failure buckets")

const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitFailures = 2
)

// ExitCode maps a job result to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrDevicesFailed):
		return ExitFailures
	default:
		return ExitFatal
	}
}

// Run wraps fn in the begin/end banner. A panic inside fn is reported
// like any other fatal error.
func Run(ctx context.Context, out io.Writer, name string, fn func(context.Context) error) (code int) {
	fmt.Fprintf(out, " \n================begin======================\n")
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("jobs.Run job=%q panic=%v\n%s", name, r, debug.Stack())
			fmt.Fprintf(out, " \n------------------------------\nSOMETHING WENT WRONG\n------------------------------\n \n%v\n", r)
			code = ExitFatal
		}
		fmt.Fprintf(out, " \n=================end=======================\n\n")
	}()

	err := fn(ctx)
	code = ExitCode(err)
	switch code {
	case ExitOK:
		log.Info().Msgf("jobs.Run job=%q finished", name)
	case ExitFailures:
		log.Warn().Msgf("jobs.Run job=%q finished with failed devices", name)
	default:
		log.Error().Msgf("jobs.Run job=%q err=%v", name, err)
		fmt.Fprintf(out, " \n------------------------------\nSOMETHING WENT WRONG\n------------------------------\n \n%v\n", err)
	}
	return code
}
