package cmds

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/koan-os/koan/pkg/config"
	"github.com/koan-os/koan/pkg/fsclient"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/fsserv"
	"github.com/koan-os/koan/pkg/ipc"
	"github.com/koan-os/koan/pkg/logflags"
)

const fshHistoryFile string = ".fsh_history"

const motd = "This is /motd, the message of the day.\n\nWelcome to the Koan kernel, now with a file system!\n"

// fshell is one shell session: a client attached to the in-process file
// server plus the descriptor table the operator has opened.
type fshell struct {
	client *fsclient.Client
	files  map[int]*fsclient.File
	stdout io.Writer
}

func fshCmd(cmd *cobra.Command, args []string) {
	os.Exit(fshSession(args))
}

func fshSession(args []string) int {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	hub := ipc.NewHub()
	srv, err := fsserv.New(hub)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	go srv.Serve()
	defer srv.Close()

	client, err := fsclient.NewClient(hub)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer client.Close()

	sh := &fshell{client: client, files: make(map[int]*fsclient.File), stdout: os.Stdout}
	if err := sh.seed(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()
		return sh.runLines(f)
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return sh.runTerm()
	}
	return sh.runLines(os.Stdin)
}

// seed writes the default message of the day through the client, so a
// fresh server has something to cat.
func (sh *fshell) seed() error {
	f, err := sh.client.Open("/motd", fsproto.O_WRONLY|fsproto.O_CREATE)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(motd)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (sh *fshell) runTerm() int {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCompleter(func(l string) (res []string) {
		for _, name := range fshCommandNames() {
			if strings.HasPrefix(name, l) {
				res = append(res, name)
			}
		}
		return
	})
	if fullHistoryFile, err := config.GetConfigFilePath(fshHistoryFile); err == nil {
		if f, err := os.Open(fullHistoryFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(fullHistoryFile); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	for {
		l, err := line.Prompt("fsh> ")
		if err == io.EOF {
			fmt.Fprintln(sh.stdout, "exit")
			return 0
		}
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if strings.TrimSpace(l) != "" {
			line.AppendHistory(l)
		}
		if sh.dispatch(l) {
			return 0
		}
	}
}

func (sh *fshell) runLines(r io.Reader) int {
	br := bufio.NewReader(r)
	for {
		l, err := br.ReadString('\n')
		if len(l) == 0 && err != nil {
			if err == io.EOF {
				return 0
			}
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if sh.dispatch(strings.TrimRight(l, "\r\n")) {
			return 0
		}
		if err == io.EOF {
			return 0
		}
	}
}

// dispatch parses and runs one command line, reporting whether the
// session should end.
func (sh *fshell) dispatch(line string) bool {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		fmt.Fprintf(sh.stdout, "%v\n", err)
		return false
	}
	if len(v) > 1 {
		fmt.Fprintln(sh.stdout, "Pipelines are not supported")
		return false
	}
	if len(v) == 0 || len(v[0]) == 0 {
		return false
	}
	name, args := v[0][0], v[0][1:]
	switch name {
	case "exit", "quit", "q":
		return true
	}
	fn, ok := fshCommands[name]
	if !ok {
		fmt.Fprintf(sh.stdout, "Unknown command '%s'\n", name)
		return false
	}
	if err := fn(sh, args); err != nil {
		fmt.Fprintf(sh.stdout, "Command failed: %s\n", err)
	}
	return false
}

var fshCommands = map[string]func(*fshell, []string) error{
	"help":  (*fshell).cmdHelp,
	"open":  (*fshell).cmdOpen,
	"close": (*fshell).cmdClose,
	"read":  (*fshell).cmdRead,
	"write": (*fshell).cmdWrite,
	"seek":  (*fshell).cmdSeek,
	"stat":  (*fshell).cmdStat,
	"trunc": (*fshell).cmdTrunc,
	"cat":   (*fshell).cmdCat,
	"rm":    (*fshell).cmdRemove,
	"sync":  (*fshell).cmdSync,
	"fds":   (*fshell).cmdFds,
}

func fshCommandNames() []string {
	names := make([]string, 0, len(fshCommands)+1)
	for name := range fshCommands {
		names = append(names, name)
	}
	names = append(names, "exit")
	sort.Strings(names)
	return names
}

const fshHelp = `File service commands:

  open path [ro|wo|rw|create|trunc|excl|mkdir]...
        open or create a file, prints the new fd
  close fd
        flush and close an open fd
  read fd n
        read up to n bytes at the shared offset
  write fd text...
        write text at the shared offset, no newline appended
  seek fd offset
        set the shared offset
  stat fd
        print kind, name and size
  trunc fd size
        set the file size
  cat path
        print a whole file
  rm path
        remove a file
  sync
        flush everything to the server
  fds
        list open fds
  exit
        leave the shell
`

func (sh *fshell) cmdHelp(args []string) error {
	fmt.Fprint(sh.stdout, fshHelp)
	return nil
}

// file resolves a numeric fd argument against the open table.
func (sh *fshell) file(arg string) (*fsclient.File, error) {
	num, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid fd '%s'", arg)
	}
	f, ok := sh.files[num]
	if !ok {
		return nil, fmt.Errorf("fd %d is not open", num)
	}
	return f, nil
}

func (sh *fshell) cmdOpen(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: open path [flag]...")
	}
	mode, err := parseOpenMode(args[1:])
	if err != nil {
		return err
	}
	f, err := sh.client.Open(args[0], mode)
	if err != nil {
		return err
	}
	sh.files[f.Fd()] = f
	fmt.Fprintf(sh.stdout, "fd %d\n", f.Fd())
	return nil
}

// parseOpenMode folds flag words into an open mode. The default is
// read-only.
func parseOpenMode(words []string) (fsproto.OpenMode, error) {
	mode := fsproto.O_RDONLY
	for _, w := range words {
		switch w {
		case "ro":
		case "wo":
			mode |= fsproto.O_WRONLY
		case "rw":
			mode |= fsproto.O_RDWR
		case "create":
			mode |= fsproto.O_CREATE
		case "trunc":
			mode |= fsproto.O_TRUNC
		case "excl":
			mode |= fsproto.O_EXCL
		case "mkdir":
			mode |= fsproto.O_MKDIR
		default:
			return 0, fmt.Errorf("unknown open flag '%s'", w)
		}
	}
	return mode, nil
}

func (sh *fshell) cmdClose(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: close fd")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	delete(sh.files, f.Fd())
	return f.Close()
}

func (sh *fshell) cmdRead(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: read fd n")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid count '%s'", args[1])
	}
	buf := make([]byte, n)
	got, err := f.Read(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.stdout, "%q\n", buf[:got])
	return nil
}

func (sh *fshell) cmdWrite(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: write fd text...")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	n, err := f.Write([]byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.stdout, "wrote %d bytes\n", n)
	return nil
}

func (sh *fshell) cmdSeek(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: seek fd offset")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	off, err := strconv.ParseInt(args[1], 0, 32)
	if err != nil || off < 0 {
		return fmt.Errorf("invalid offset '%s'", args[1])
	}
	return f.Seek(int32(off))
}

func (sh *fshell) cmdStat(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stat fd")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		return err
	}
	kind := "file"
	if st.IsDir {
		kind = "dir"
	}
	fmt.Fprintf(sh.stdout, "%s %s, %d bytes\n", kind, st.Name, st.Size)
	return nil
}

func (sh *fshell) cmdTrunc(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: trunc fd size")
	}
	f, err := sh.file(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseInt(args[1], 0, 32)
	if err != nil || size < 0 {
		return fmt.Errorf("invalid size '%s'", args[1])
	}
	return f.Truncate(int32(size))
}

func (sh *fshell) cmdCat(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cat path")
	}
	f, err := sh.client.Open(args[0], fsproto.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, ipc.PageSize)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		sh.stdout.Write(buf[:n])
	}
}

func (sh *fshell) cmdRemove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rm path")
	}
	return sh.client.Remove(args[0])
}

func (sh *fshell) cmdSync(args []string) error {
	return sh.client.Sync()
}

func (sh *fshell) cmdFds(args []string) error {
	if len(sh.files) == 0 {
		fmt.Fprintln(sh.stdout, "no open file descriptors")
		return nil
	}
	nums := make([]int, 0, len(sh.files))
	for num := range sh.files {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	for _, num := range nums {
		f := sh.files[num]
		off, err := f.Offset()
		if err != nil {
			fmt.Fprintf(sh.stdout, "fd %d: %v\n", num, err)
			continue
		}
		st, err := f.Stat()
		if err != nil {
			fmt.Fprintf(sh.stdout, "fd %d: %v\n", num, err)
			continue
		}
		fmt.Fprintf(sh.stdout, "fd %d: %s offset %d\n", num, st.Name, off)
	}
	return nil
}
