package cmds

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/koan-os/koan/pkg/fsclient"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/fsserv"
	"github.com/koan-os/koan/pkg/ipc"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func testShell(t *testing.T) (*fshell, *bytes.Buffer) {
	t.Helper()
	hub := ipc.NewHub()
	srv, err := fsserv.New(hub)
	assertNoError(err, t, "fsserv.New()")
	go srv.Serve()
	t.Cleanup(srv.Close)

	client, err := fsclient.NewClient(hub)
	assertNoError(err, t, "fsclient.NewClient()")
	t.Cleanup(client.Close)

	out := new(bytes.Buffer)
	sh := &fshell{client: client, files: make(map[int]*fsclient.File), stdout: out}
	assertNoError(sh.seed(), t, "seed()")
	return sh, out
}

func TestParseOpenMode(t *testing.T) {
	for _, tc := range []struct {
		words []string
		mode  fsproto.OpenMode
	}{
		{nil, fsproto.O_RDONLY},
		{[]string{"ro"}, fsproto.O_RDONLY},
		{[]string{"rw"}, fsproto.O_RDWR},
		{[]string{"wo", "create", "trunc"}, fsproto.O_WRONLY | fsproto.O_CREATE | fsproto.O_TRUNC},
		{[]string{"create", "excl"}, fsproto.O_CREATE | fsproto.O_EXCL},
		{[]string{"mkdir"}, fsproto.O_MKDIR},
	} {
		mode, err := parseOpenMode(tc.words)
		assertNoError(err, t, "parseOpenMode()")
		if mode != tc.mode {
			t.Errorf("parseOpenMode(%v) = %#x, want %#x", tc.words, mode, tc.mode)
		}
	}

	if _, err := parseOpenMode([]string{"bogus"}); err == nil {
		t.Error("unknown flag word did not fail")
	}
}

func TestFshScriptSession(t *testing.T) {
	sh, out := testShell(t)

	script := strings.Join([]string{
		"cat /motd",
		"open /motd",
		"read 0 21",
		"seek 0 8",
		"read 0 5",
		"fds",
		"close 0",
		"fds",
		"exit",
	}, "\n") + "\n"

	if status := sh.runLines(strings.NewReader(script)); status != 0 {
		t.Fatalf("runLines returned %d", status)
	}

	want := motd +
		"fd 0\n" +
		"\"This is /motd, the me\"\n" +
		"\"/motd\"\n" +
		"fd 0: motd offset 13\n" +
		"no open file descriptors\n"
	if out.String() != want {
		t.Errorf("session output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestFshQuotedArguments(t *testing.T) {
	sh, out := testShell(t)

	sh.dispatch(`open "/war and peace" create rw`)
	sh.dispatch(`write 0 "hello world"`)
	sh.dispatch("seek 0 0")
	sh.dispatch("read 0 100")
	sh.dispatch("stat 0")

	want := "fd 0\n" +
		"wrote 11 bytes\n" +
		"\"hello world\"\n" +
		"file war and peace, 11 bytes\n"
	if out.String() != want {
		t.Errorf("session output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestFshDiagnostics(t *testing.T) {
	sh, out := testShell(t)

	for _, tc := range []struct {
		line string
		want string
	}{
		{"bogus", "Unknown command 'bogus'\n"},
		{"", ""},
		{"   ", ""},
		{"open /nope", "Command failed: file or block not found\n"},
		{"close 7", "Command failed: fd 7 is not open\n"},
		{"read 0 10", "Command failed: fd 0 is not open\n"},
		{"open", "Command failed: usage: open path [flag]...\n"},
		{"cat /motd | head", "Pipelines are not supported\n"},
	} {
		out.Reset()
		if quit := sh.dispatch(tc.line); quit {
			t.Fatalf("dispatch(%q) requested exit", tc.line)
		}
		if out.String() != tc.want {
			t.Errorf("dispatch(%q) printed %q, want %q", tc.line, out.String(), tc.want)
		}
	}

	if !sh.dispatch("exit") || !sh.dispatch("quit") || !sh.dispatch("q") {
		t.Error("exit aliases did not request exit")
	}
}

func TestFshSeededMotd(t *testing.T) {
	sh, out := testShell(t)

	assertNoError(sh.cmdCat([]string{"/motd"}), t, "cat /motd")
	if out.String() != motd {
		t.Errorf("cat /motd printed %q", out.String())
	}
}

func TestFshRemoveAndMkdir(t *testing.T) {
	sh, out := testShell(t)

	sh.dispatch("open /logs mkdir create")
	sh.dispatch(`open /logs/boot create wo`)
	sh.dispatch("write 1 panic")
	sh.dispatch("close 1")
	sh.dispatch("rm /logs")
	sh.dispatch("rm /logs/boot")
	sh.dispatch("rm /logs")
	sh.dispatch("cat /logs/boot")

	want := "fd 0\n" +
		"fd 1\n" +
		"wrote 5 bytes\n" +
		"Command failed: invalid parameter\n" +
		"Command failed: file or block not found\n"
	if out.String() != want {
		t.Errorf("session output:\n%s\nwant:\n%s", out.String(), want)
	}
}
