package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
	"pkt.systems/termpilot/schema"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := withArgv0Command(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])
	return exitCode(ctx, args, root.ExecuteContext(ctx))
}

// exitCode maps a command error to the process status. A signal-driven
// shutdown is a clean exit, bad input exits 2.
func exitCode(ctx context.Context, args []string, err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case runsAgentMock(args):
		_, _ = fmt.Fprintln(os.Stderr, "agent-mock:", err)
		return 1
	}
	pslog.Ctx(ctx).Error("termpilot failed", "err", err)
	if errors.Is(err, schema.ErrInvalidRequest) || errors.Is(err, schema.ErrEmptyPrompt) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "termpilot",
		Short:         "Drive an interactive coding assistant through its terminal UI",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newAgentMockCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// argv0Commands lets a symlinked binary name select a subcommand.
var argv0Commands = map[string]string{
	"agent-mock":           "agent-mock",
	"termpilot-agent-mock": "agent-mock",
}

func commandForArgv0(base string) string {
	return argv0Commands[base]
}

func withArgv0Command(args []string) []string {
	if len(args) == 0 {
		return args
	}
	sub := commandForArgv0(filepath.Base(args[0]))
	if sub == "" {
		return args
	}
	return append([]string{args[0], sub}, args[1:]...)
}

func runsAgentMock(args []string) bool {
	return len(args) > 1 && args[1] == "agent-mock"
}
