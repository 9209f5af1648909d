package machine

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/koan-os/koan/pkg/errno"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func TestRAMReadWrite(t *testing.T) {
	ram := NewRAM()
	assertNoError(ram.Map(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}), t, "Map()")

	buf := make([]byte, 4)
	n, err := ram.ReadMemory(buf, 0x1002)
	assertNoError(err, t, "ReadMemory()")
	if n != 4 || buf[0] != 3 || buf[3] != 6 {
		t.Errorf("read %d bytes %v, want [3 4 5 6]", n, buf)
	}

	_, err = ram.WriteMemory(0x1004, []byte{0xaa, 0xbb})
	assertNoError(err, t, "WriteMemory()")
	w, err := ReadWord(ram, 0x1004)
	assertNoError(err, t, "ReadWord()")
	if w != 0x0807bbaa {
		t.Errorf("word at 0x1004 = %#x, want 0x0807bbaa", w)
	}
}

func TestRAMFault(t *testing.T) {
	ram := NewRAM()
	assertNoError(ram.MapZero(0x1000, 16), t, "MapZero()")

	_, err := ram.ReadMemory(make([]byte, 4), 0x2000)
	if !errors.Is(err, errno.Fault) {
		t.Errorf("read of unmapped memory: got %v, want fault", err)
	}

	// A read running off the end of the segment faults too.
	_, err = ram.ReadMemory(make([]byte, 8), 0x100c)
	if !errors.Is(err, errno.Fault) {
		t.Errorf("read past end of segment: got %v, want fault", err)
	}

	_, err = ram.WriteMemory(0xdead0000, []byte{1})
	if !errors.Is(err, errno.Fault) {
		t.Errorf("write to unmapped memory: got %v, want fault", err)
	}
}

func TestRAMStraddlingSegments(t *testing.T) {
	ram := NewRAM()
	assertNoError(ram.Map(0x1000, []byte{1, 2, 3, 4}), t, "Map(first)")
	assertNoError(ram.Map(0x1004, []byte{5, 6, 7, 8}), t, "Map(second)")

	buf := make([]byte, 6)
	n, err := ram.ReadMemory(buf, 0x1001)
	assertNoError(err, t, "ReadMemory()")
	if n != 6 {
		t.Fatalf("read %d bytes, want 6", n)
	}
	for i, want := range []byte{2, 3, 4, 5, 6, 7} {
		if buf[i] != want {
			t.Errorf("buf[%d] = %d, want %d", i, buf[i], want)
		}
	}
}

func TestRAMOverlapRejected(t *testing.T) {
	ram := NewRAM()
	assertNoError(ram.MapZero(0x1000, 0x100), t, "MapZero()")
	if err := ram.MapZero(0x10f0, 0x100); err == nil {
		t.Error("overlapping Map accepted")
	}
	if err := ram.MapZero(0x1000, 1); err == nil {
		t.Error("exactly-overlapping Map accepted")
	}
	if err := ram.MapZero(0x1100, 0x100); err != nil {
		t.Errorf("adjacent Map rejected: %v", err)
	}
}

func TestReadWordLittleEndian(t *testing.T) {
	ram := NewRAM()
	assertNoError(ram.Map(0x0, []byte{0x78, 0x56, 0x34, 0x12}), t, "Map()")
	w, err := ReadWord(ram, 0)
	assertNoError(err, t, "ReadWord()")
	if w != 0x12345678 {
		t.Errorf("ReadWord = %#x, want 0x12345678", w)
	}
}
