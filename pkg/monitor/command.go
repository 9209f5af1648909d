package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/derekparker/trie"
	"golang.org/x/arch/x86/x86asm"

	"github.com/koan-os/koan/pkg/machine"
)

const maxArgs = 16

var errTooManyArgs = fmt.Errorf("Too many arguments (max %d)", maxArgs)

type cmdfunc func(m *Monitor, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands is the monitor's command table. Insertion order is display
// and dispatch order.
type Commands struct {
	cmds  []command
	index *trie.Trie
}

func monitorCommands() *Commands {
	c := &Commands{}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Display this list of commands.

	help [command]

With a command name, print that command's full documentation.`},
		{aliases: []string{"kerninfo"}, cmdFn: kerninfo, helpMsg: "Display information about the kernel."},
		{aliases: []string{"backtrace", "bt"}, cmdFn: backtrace, helpMsg: `Display a backtrace of the suspended context.

	backtrace [depth]

Walks the frame chain starting at the context's saved frame pointer,
printing one line per frame followed by the resolved source position
of its return address. The optional depth caps the number of frames;
the max-backtrace-depth configuration entry sets the default.`},
		{aliases: []string{"step"}, cmdFn: step, helpMsg: "Resume the target, stopping again after one instruction."},
		{aliases: []string{"exitstep"}, cmdFn: exitstep, helpMsg: "Leave single-step mode and resume normal execution."},
		{aliases: []string{"disasm"}, cmdFn: disasm, helpMsg: `Disassemble target instructions.

	disasm [address [count]]

Without an address, decoding starts at the trap address. The
disasm-instructions configuration entry sets the default count.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Leave the monitor."},
	}
	return c
}

// Find returns the command registered under cmdstr, nil when there is
// none.
func (c *Commands) Find(cmdstr string) *command {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return &c.cmds[i]
		}
	}
	return nil
}

// Merge takes aliases defined in the config struct and merges them with
// the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// Call tokenizes line and runs the matching command. Empty lines are a
// no-op; an overlong line or an unknown command prints a diagnostic and
// the session carries on.
func (c *Commands) Call(line string, m *Monitor) error {
	tokens, err := tokenize(line)
	if err != nil {
		fmt.Fprintln(m.stdout, err)
		return nil
	}
	if len(tokens) == 0 {
		return nil
	}
	cmd := c.Find(tokens[0])
	if cmd == nil {
		fmt.Fprintf(m.stdout, "Unknown command '%s'\n", tokens[0])
		return nil
	}
	return cmd.cmdFn(m, tokens[1:])
}

func (c *Commands) completions(prefix string) []string {
	if c.index == nil {
		c.index = trie.New()
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				c.index.Add(alias, nil)
			}
		}
	}
	return c.index.PrefixSearch(prefix)
}

// tokenize splits a command line on whitespace runs. Lines with more
// than maxArgs tokens are rejected whole so a malformed paste cannot
// run a half-parsed command.
func tokenize(line string) ([]string, error) {
	var tokens []string
	start := -1
	for i := 0; i <= len(line); i++ {
		if i < len(line) && !isSpace(line[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if len(tokens) == maxArgs {
				return nil, errTooManyArgs
			}
			tokens = append(tokens, line[start:i])
			start = -1
		}
	}
	return tokens, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func (c *Commands) help(m *Monitor, args []string) error {
	if len(args) > 0 {
		cmd := c.Find(args[0])
		if cmd == nil {
			return fmt.Errorf("no help entry for '%s'", args[0])
		}
		fmt.Fprintln(m.stdout, cmd.helpMsg)
		return nil
	}
	fmt.Fprintln(m.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(m.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "%s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "%s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(m.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func kerninfo(m *Monitor, args []string) error {
	img := m.target.Image
	fmt.Fprintln(m.stdout, "Special kernel symbols:")
	fmt.Fprintf(m.stdout, "  _start                  %08x (phys)\n", img.Start)
	fmt.Fprintf(m.stdout, "  entry  %08x (virt)  %08x (phys)\n", img.Entry, img.Entry-img.Base)
	fmt.Fprintf(m.stdout, "  etext  %08x (virt)  %08x (phys)\n", img.Etext, img.Etext-img.Base)
	fmt.Fprintf(m.stdout, "  edata  %08x (virt)  %08x (phys)\n", img.Edata, img.Edata-img.Base)
	fmt.Fprintf(m.stdout, "  end    %08x (virt)  %08x (phys)\n", img.End, img.End-img.Base)
	fmt.Fprintf(m.stdout, "Kernel executable memory footprint: %dKB\n", (img.End-img.Entry+1023)/1024)
	return nil
}

func backtrace(m *Monitor, args []string) error {
	ctx := m.target.Ctx
	if ctx == nil {
		return errors.New("no trap context")
	}
	depth := 0
	if m.conf.MaxBacktraceDepth != nil {
		depth = *m.conf.MaxBacktraceDepth
	}
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid depth '%s'", args[0])
		}
		depth = n
	}

	var syms machine.Symbolizer
	if m.target.Syms != nil {
		syms = m.target.Syms
	}
	fmt.Fprintln(m.stdout, "Stack backtrace:")
	it := machine.NewStackIterator(m.target.Mem, ctx, syms, depth)
	for it.Next() {
		f := it.Frame()
		fmt.Fprintf(m.stdout, "  ebp %08x  eip %08x  args %08x %08x %08x %08x %08x\n",
			f.FP, f.Ret, f.Args[0], f.Args[1], f.Args[2], f.Args[3], f.Args[4])
		if syms != nil {
			fmt.Fprintf(m.stdout, "         %s:%d: %s+%d\n",
				f.Where.File, f.Where.Line, f.Where.Func, f.Ret-f.Where.FuncStart)
		}
	}
	if err := it.Err(); err != nil {
		// The chain lives in kernel memory; if it cannot be walked the
		// address space is corrupt and nothing the monitor does next
		// can be trusted.
		panic(fmt.Sprintf("backtrace: %v", err))
	}
	return nil
}

func step(m *Monitor, args []string) error {
	m.target.Ctx.EnableSingleStep()
	return ResumeRequestError{}
}

func exitstep(m *Monitor, args []string) error {
	m.target.Ctx.DisableSingleStep()
	return ResumeRequestError{}
}

// maxInstLen is the longest legal instruction encoding.
const maxInstLen = 15

func disasm(m *Monitor, args []string) error {
	ctx := m.target.Ctx
	var addr uint32
	count := 8
	if m.conf.DisasmInstructions != nil && *m.conf.DisasmInstructions > 0 {
		count = *m.conf.DisasmInstructions
	}
	switch {
	case len(args) > 0:
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid address '%s'", args[0])
		}
		addr = uint32(v)
	case ctx != nil:
		addr = ctx.PC
	default:
		return errors.New("no trap context, give an address")
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid count '%s'", args[1])
		}
		count = v
	}

	code := make([]byte, count*maxInstLen)
	n, err := m.target.Mem.ReadMemory(code, addr)
	if n == 0 {
		return err
	}
	code = code[:n]
	pc := addr
	for i := 0; i < count && len(code) > 0; i++ {
		text := "?"
		size := 1
		if inst, derr := x86asm.Decode(code, 32); derr == nil {
			text = x86asm.GoSyntax(inst, uint64(pc), m.symLookup)
			size = inst.Len
		}
		fmt.Fprintf(m.stdout, "  %08x: %s\n", pc, text)
		code = code[size:]
		pc += uint32(size)
	}
	return nil
}

func (m *Monitor) symLookup(addr uint64) (string, uint64) {
	if m.target.Syms == nil {
		return "", 0
	}
	loc, err := m.target.Syms.PCToLocation(uint32(addr))
	if err != nil {
		return "", 0
	}
	return loc.Func, uint64(loc.FuncStart)
}

func exitCommand(m *Monitor, args []string) error {
	return ExitRequestError{}
}
