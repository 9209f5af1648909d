package fsproto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/koan-os/koan/pkg/ipc"
)

func TestOpenLayout(t *testing.T) {
	p := new(ipc.Page)
	r := ViewOpen(p)
	r.SetPath("/motd")
	r.SetMode(O_RDWR | O_CREATE)

	if got := string(p[:5]); got != "/motd" {
		t.Errorf("path bytes = %q, want %q", got, "/motd")
	}
	if p[5] != 0 {
		t.Error("path not NUL-terminated")
	}
	if got := int32(binary.LittleEndian.Uint32(p[MaxPathLen:])); got != int32(O_RDWR|O_CREATE) {
		t.Errorf("mode at offset %d = %#x, want %#x", MaxPathLen, got, int32(O_RDWR|O_CREATE))
	}
	if r.Path() != "/motd" || r.Mode() != O_RDWR|O_CREATE {
		t.Errorf("view readback = %q/%#x", r.Path(), int32(r.Mode()))
	}
}

func TestPathOverwriteLeavesNoTail(t *testing.T) {
	p := new(ipc.Page)
	r := ViewOpen(p)
	r.SetPath("/a/rather/long/name")
	r.SetPath("/x")
	if r.Path() != "/x" {
		t.Errorf("Path() = %q after overwrite, want %q", r.Path(), "/x")
	}
	if !bytes.Equal(p[2:MaxPathLen], make([]byte, MaxPathLen-2)) {
		t.Error("stale path bytes left after overwrite")
	}
}

func TestWriteLayoutAndTruncation(t *testing.T) {
	p := new(ipc.Page)
	w := ViewWrite(p)
	w.SetFileID(7)

	data := bytes.Repeat([]byte{0x5a}, PageSize)
	n := w.SetData(data)
	if n != WritePayloadMax {
		t.Fatalf("SetData staged %d bytes, want %d", n, WritePayloadMax)
	}
	if got := binary.LittleEndian.Uint32(p[4:]); got != uint32(WritePayloadMax) {
		t.Errorf("count at offset 4 = %d, want %d", got, WritePayloadMax)
	}
	if w.FileID() != 7 {
		t.Errorf("FileID = %d, want 7", w.FileID())
	}
	if len(w.Data()) != WritePayloadMax || p[8] != 0x5a || p[PageSize-1] != 0x5a {
		t.Error("payload not placed at offset 8 through end of page")
	}
}

func TestWriteSmallPayload(t *testing.T) {
	p := new(ipc.Page)
	w := ViewWrite(p)
	n := w.SetData([]byte("hello"))
	if n != 5 || w.N() != 5 {
		t.Fatalf("SetData = %d, N = %d, want 5", n, w.N())
	}
	if string(w.Data()) != "hello" {
		t.Errorf("Data = %q, want %q", w.Data(), "hello")
	}
}

func TestReadRetClamps(t *testing.T) {
	p := new(ipc.Page)
	r := ViewReadRet(p)
	r.SetData([]byte("abc"))
	if got := r.Data(3); string(got) != "abc" {
		t.Errorf("Data(3) = %q", got)
	}
	if got := r.Data(-1); len(got) != 0 {
		t.Errorf("Data(-1) returned %d bytes", len(got))
	}
	if got := r.Data(PageSize + 10); len(got) != PageSize {
		t.Errorf("Data(PageSize+10) returned %d bytes", len(got))
	}
}

func TestStatRetLayout(t *testing.T) {
	p := new(ipc.Page)
	r := ViewStatRet(p)
	r.SetName("motd")
	r.SetSize(1234)
	r.SetIsDir(false)

	if got := int32(binary.LittleEndian.Uint32(p[MaxNameLen:])); got != 1234 {
		t.Errorf("size at offset %d = %d, want 1234", MaxNameLen, got)
	}
	if got := binary.LittleEndian.Uint32(p[MaxNameLen+4:]); got != 0 {
		t.Errorf("isdir at offset %d = %d, want 0", MaxNameLen+4, got)
	}

	st := r.Stat()
	if st.Name != "motd" || st.Size != 1234 || st.IsDir {
		t.Errorf("Stat() = %+v", st)
	}

	r.SetIsDir(true)
	if !r.IsDir() {
		t.Error("IsDir lost")
	}
}

func TestStatNameTruncatesAtCapacity(t *testing.T) {
	p := new(ipc.Page)
	r := ViewStatRet(p)
	r.SetName(strings.Repeat("n", MaxNameLen+40))
	if got := len(r.Name()); got != MaxNameLen {
		t.Errorf("oversized name readback length = %d, want %d", got, MaxNameLen)
	}
	if got := int32(binary.LittleEndian.Uint32(p[MaxNameLen:])); got != 0 {
		t.Error("oversized name overwrote the size field")
	}
}

func TestFdPageLayout(t *testing.T) {
	p := new(ipc.Page)
	fd := ViewFd(p)
	fd.SetDevID(DevFile)
	fd.SetOffset(512)
	fd.SetMode(O_RDWR)
	fd.SetFileID(9)

	want := []struct {
		off  int
		v    int32
		what string
	}{
		{0, DevFile, "devid"},
		{4, 512, "offset"},
		{8, int32(O_RDWR), "omode"},
		{12, 9, "fileid"},
	}
	for _, w := range want {
		if got := int32(binary.LittleEndian.Uint32(p[w.off:])); got != w.v {
			t.Errorf("%s at offset %d = %d, want %d", w.what, w.off, got, w.v)
		}
	}
	if fd.DevID() != DevFile || fd.Offset() != 512 || fd.Mode() != O_RDWR || fd.FileID() != 9 {
		t.Error("descriptor view readback mismatch")
	}
}

func TestTagNames(t *testing.T) {
	if TagOpen.String() != "open" || TagSync.String() != "sync" {
		t.Errorf("tag names: open=%q sync=%q", TagOpen, TagSync)
	}
	if Tag(99).String() != "unknown" {
		t.Errorf("Tag(99) = %q", Tag(99))
	}
}

func TestAccessMode(t *testing.T) {
	m := O_WRONLY | O_CREATE | O_TRUNC
	if m.Access() != O_WRONLY {
		t.Errorf("Access() = %#x, want %#x", int32(m.Access()), int32(O_WRONLY))
	}
}
