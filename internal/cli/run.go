package cli

import (
	"context"

	"go.uber.org/zap"
)

// NewLogger returns the process logger: JSON production logging, or
// human-readable development logging with --verbose.
func NewLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error. A nil logger discards all logs.
func Run(ctx context.Context, args []string, cwd string, logger *zap.Logger) (CLIResult, error) {
	inv, err := ParseInvocation(args, cwd)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv, logger)
}
