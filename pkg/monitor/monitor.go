// Package monitor implements the interactive kernel debug monitor: a
// read-dispatch loop over a small command table, operating on a
// suspended machine target.
package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"
	"github.com/sirupsen/logrus"

	"github.com/koan-os/koan/pkg/config"
	"github.com/koan-os/koan/pkg/core"
	"github.com/koan-os/koan/pkg/logflags"
	"github.com/koan-os/koan/pkg/machine"
)

const historyFile string = ".mon_history"

// Action is how a monitor session ended, telling the embedder what to
// do with the suspended target.
type Action int

const (
	// ActionExit leaves the target suspended; the operator is done.
	ActionExit Action = iota
	// ActionResume hands control back to the target. The command that
	// requested it has already armed the context's flag bits.
	ActionResume
)

// ExitRequestError is returned by commands that end the session.
type ExitRequestError struct{}

func (ExitRequestError) Error() string {
	return ""
}

// ResumeRequestError is returned by commands that need the suspended
// target to continue running.
type ResumeRequestError struct{}

func (ResumeRequestError) Error() string {
	return ""
}

// Monitor is an interactive debug session on one target.
type Monitor struct {
	target *core.Target
	conf   *config.Config
	prompt string
	cmds   *Commands
	stdout io.Writer
	log    *logrus.Entry
}

// New builds a monitor for the given target. Command aliases from the
// configuration are merged into the default command set.
func New(target *core.Target, conf *config.Config) *Monitor {
	cmds := monitorCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}
	return &Monitor{
		target: target,
		conf:   conf,
		prompt: "K> ",
		cmds:   cmds,
		stdout: os.Stdout,
		log:    logflags.MonitorLogger(),
	}
}

// Run drives the session over standard input with line editing, history
// and command completion.
func (m *Monitor) Run() (Action, error) {
	src := &linerSource{line: liner.NewLiner()}
	defer src.close()

	src.line.SetCompleter(m.complete)
	if fullHistoryFile, err := config.GetConfigFilePath(historyFile); err == nil {
		if f, err := os.Open(fullHistoryFile); err == nil {
			src.line.ReadHistory(f)
			f.Close()
		}
	}
	return m.run(src)
}

// RunLines drives the session over r, one command per line. Scripts and
// tests use this path. Passing the same *bufio.Reader to a later call
// resumes exactly where the previous session stopped, with no buffered
// input lost.
func (m *Monitor) RunLines(r io.Reader) (Action, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return m.run(&readerSource{r: br})
}

func (m *Monitor) run(src lineSource) (Action, error) {
	fmt.Fprintln(m.stdout, "Welcome to the Koan kernel monitor!")
	fmt.Fprintln(m.stdout, "Type 'help' for a list of commands.")
	if m.target.Ctx != nil {
		m.printContext(m.target.Ctx)
	}

	for {
		line, err := src.readLine(m.prompt)
		if err == io.EOF {
			fmt.Fprintln(m.stdout, "exit")
			return ActionExit, nil
		}
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			return ActionExit, err
		}
		m.log.Debugf("dispatching %q", line)
		switch err := m.cmds.Call(line, m); err.(type) {
		case nil:
		case ExitRequestError:
			return ActionExit, nil
		case ResumeRequestError:
			return ActionResume, nil
		default:
			fmt.Fprintf(m.stdout, "Command failed: %s\n", err)
		}
	}
}

// complete offers command-name completions while the operator is still
// on the first word of the line.
func (m *Monitor) complete(line string) []string {
	if strings.ContainsAny(strings.TrimSpace(line), " \t") {
		return nil
	}
	return m.cmds.completions(strings.ToLower(line))
}

// printContext renders the suspended context the way the kernel's trap
// handler prints a trap frame.
func (m *Monitor) printContext(ctx *machine.Context) {
	w := m.stdout
	fmt.Fprintf(w, "Trap context (%s):\n", m.target.Name)
	r := ctx.Regs
	fmt.Fprintf(w, "  edi  0x%08x\n", r.DI)
	fmt.Fprintf(w, "  esi  0x%08x\n", r.SI)
	fmt.Fprintf(w, "  ebp  0x%08x\n", r.BP)
	fmt.Fprintf(w, "  oesp 0x%08x\n", r.OldSP)
	fmt.Fprintf(w, "  ebx  0x%08x\n", r.BX)
	fmt.Fprintf(w, "  edx  0x%08x\n", r.DX)
	fmt.Fprintf(w, "  ecx  0x%08x\n", r.CX)
	fmt.Fprintf(w, "  eax  0x%08x\n", r.AX)
	fmt.Fprintf(w, "  es   0x%04x\n", ctx.ES)
	fmt.Fprintf(w, "  ds   0x%04x\n", ctx.DS)
	fmt.Fprintf(w, "  trap 0x%08x %v\n", uint32(ctx.Trap), ctx.Trap)
	if ctx.Trap == machine.TrapPageFault {
		space, access, cause := "kernel", "read", "not-present"
		if ctx.Err&4 != 0 {
			space = "user"
		}
		if ctx.Err&2 != 0 {
			access = "write"
		}
		if ctx.Err&1 != 0 {
			cause = "protection"
		}
		fmt.Fprintf(w, "  err  0x%08x [%s, %s, %s]\n", ctx.Err, space, access, cause)
	} else {
		fmt.Fprintf(w, "  err  0x%08x\n", ctx.Err)
	}
	fmt.Fprintf(w, "  eip  0x%08x\n", ctx.PC)
	fmt.Fprintf(w, "  cs   0x%04x\n", ctx.CS)
	fmt.Fprintf(w, "  flag 0x%08x %s\n", ctx.Flags, machine.FlagNames(ctx.Flags))
	fmt.Fprintf(w, "  esp  0x%08x\n", ctx.SP)
	fmt.Fprintf(w, "  ss   0x%04x\n", ctx.SS)
}

type lineSource interface {
	readLine(prompt string) (string, error)
	close()
}

type linerSource struct {
	line *liner.State
}

func (s *linerSource) readLine(prompt string) (string, error) {
	l, err := s.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		s.line.AppendHistory(l)
	}
	return l, nil
}

func (s *linerSource) close() {
	if fullHistoryFile, err := config.GetConfigFilePath(historyFile); err == nil {
		if f, err := os.Create(fullHistoryFile); err == nil {
			s.line.WriteHistory(f)
			f.Close()
		}
	}
	s.line.Close()
}

type readerSource struct {
	r *bufio.Reader
}

func (s *readerSource) readLine(prompt string) (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *readerSource) close() {}
