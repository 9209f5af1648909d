package cmds

import (
	"bufio"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/koan-os/koan/pkg/config"
	"github.com/koan-os/koan/pkg/core"
	"github.com/koan-os/koan/pkg/logflags"
	"github.com/koan-os/koan/pkg/machine"
	"github.com/koan-os/koan/pkg/monitor"
	"github.com/koan-os/koan/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const koanCommandLongDesc = `Koan is a workbench for the koan teaching kernel.

It opens machine snapshots in the interactive monitor the kernel runs after
a trap, and hosts the user-space file service against an in-process file
server. The monitor prints the trap state, walks stack frames and steps the
suspended context; the file shell drives the file service protocol end to
end.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main koan root command.
	rootCommand = &cobra.Command{
		Use:   "koan",
		Short: "Koan is a workbench for the koan teaching kernel.",
		Long:  koanCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'koan help log')`)

	// 'monitor' subcommand.
	monitorCommand := &cobra.Command{
		Use:   "monitor [snapshot]",
		Short: "Enter the kernel monitor on a snapshot.",
		Long: `Enter the kernel monitor on a snapshot.

Loads the snapshot file and enters the interactive monitor the way the
kernel does after a breakpoint trap. With no argument a built-in
demonstration snapshot is used. When standard input is not a terminal the
monitor reads commands line by line without prompting, so sessions can be
scripted.

The step command arms the trap flag; every resume then decodes one
instruction, advances the saved program counter and re-enters the monitor
on the resulting debug trap.`,
		Run: monitorCmd,
	}
	rootCommand.AddCommand(monitorCommand)

	// 'fsh' subcommand.
	fshCommand := &cobra.Command{
		Use:   "fsh [script]",
		Short: "Run a shell on the user-space file service.",
		Long: `Run a shell on the user-space file service.

Starts an in-process file server, attaches a file service client to it and
reads file commands: open, close, read, write, seek, stat, trunc, cat, rm,
sync, fds. With a script argument commands are read from the file instead
of standard input. The server starts out seeded with /motd.`,
		Run: fshCmd,
	}
	rootCommand.AddCommand(fshCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Koan Debug Monitor\n%s\n", version.KoanVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	monitor		Log monitor command dispatch
	fsrpc		Log requests sent by the file service client
	fsserv		Log operations served by the file server
	snapshot	Log snapshot loading

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func monitorCmd(cmd *cobra.Command, args []string) {
	os.Exit(monitorSession(args))
}

func monitorSession(args []string) int {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var target *core.Target
	if len(args) > 0 {
		var err error
		target, err = core.Load(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		target = core.Demo()
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	var stdin *bufio.Reader
	if !interactive {
		stdin = bufio.NewReader(os.Stdin)
	}

	// Every debug trap re-enters a fresh monitor session, banner and
	// trap context included.
	for {
		m := monitor.New(target, conf)
		var action monitor.Action
		var err error
		if interactive {
			action, err = m.Run()
		} else {
			action, err = m.RunLines(stdin)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if action == monitor.ActionExit {
			return 0
		}
		if target.Ctx == nil || target.Ctx.Flags&machine.FlagTF == 0 {
			fmt.Println("Continuing.")
			return 0
		}
		if err := target.StepInstruction(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
}
