package fsserv

import (
	"bytes"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/koan-os/koan/pkg/errno"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/ipc"
)

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func withServer(t *testing.T, fn func(ep *ipc.Endpoint, fs ipc.EnvID)) {
	t.Helper()
	hub := ipc.NewHub()
	srv, err := New(hub)
	assertNoError(err, t, "start server")
	defer srv.Close()
	go srv.Serve()

	ep, err := hub.NewEnv(ipc.TypeUser)
	assertNoError(err, t, "attach endpoint")
	defer ep.Close()
	fn(ep, srv.ID())
}

func rpc(t *testing.T, ep *ipc.Endpoint, fs ipc.EnvID, tag fsproto.Tag, pg *ipc.Page) ipc.Msg {
	t.Helper()
	err := ep.Send(fs, int32(tag), pg, ipc.PermPresent|ipc.PermWrite|ipc.PermUser)
	assertNoError(err, t, "send request")
	m, err := ep.Recv()
	assertNoError(err, t, "receive reply")
	return m
}

func openFD(t *testing.T, ep *ipc.Endpoint, fs ipc.EnvID, buf *ipc.Page, path string, mode fsproto.OpenMode) *ipc.Page {
	t.Helper()
	req := fsproto.ViewOpen(buf)
	req.SetPath(path)
	req.SetMode(mode)
	m := rpc(t, ep, fs, fsproto.TagOpen, buf)
	if m.Val < 0 {
		t.Fatalf("open %s failed: %v", path, errno.FromWire(m.Val))
	}
	if m.Page == nil {
		t.Fatalf("open %s returned no descriptor page", path)
	}
	return m.Page
}

func TestOpenDescriptor(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		req := fsproto.ViewOpen(buf)
		req.SetPath("/x")
		req.SetMode(fsproto.O_CREATE | fsproto.O_RDWR)
		m := rpc(t, ep, fs, fsproto.TagOpen, buf)
		if m.Val != 0 {
			t.Fatalf("open result = %d", m.Val)
		}
		if m.Page == nil {
			t.Fatal("no descriptor page in reply")
		}
		if !m.Perm.Writable() {
			t.Fatalf("descriptor page not shared writable: %v", m.Perm)
		}
		fd := fsproto.ViewFd(m.Page)
		if fd.DevID() != fsproto.DevFile {
			t.Errorf("device = %d, want %d", fd.DevID(), fsproto.DevFile)
		}
		if fd.Offset() != 0 {
			t.Errorf("offset = %d, want 0", fd.Offset())
		}
		if fd.Mode() != fsproto.O_CREATE|fsproto.O_RDWR {
			t.Errorf("mode = 0x%x", fd.Mode())
		}
		if fd.FileID() == 0 {
			t.Error("file ID is zero")
		}
	})
}

func TestInvalidRequestCode(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		m := rpc(t, ep, fs, fsproto.Tag(99), new(ipc.Page))
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("result = %d, want %v", m.Val, errno.Inval)
		}
	})
}

func TestRequestWithoutPage(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		// A pageless request is dropped without a reply; the server must
		// keep serving afterwards.
		assertNoError(ep.Send(fs, int32(fsproto.TagSync), nil, 0), t, "send pageless request")
		m := rpc(t, ep, fs, fsproto.TagSync, new(ipc.Page))
		if m.Val != 0 {
			t.Fatalf("sync after dropped request = %d", m.Val)
		}
	})
}

func TestRelativePathsShareNamespace(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		fd := fsproto.ViewFd(openFD(t, ep, fs, buf, "x", fsproto.O_CREATE|fsproto.O_RDWR))

		wr := fsproto.ViewWrite(buf)
		wr.SetFileID(fd.FileID())
		wr.SetData([]byte("hello"))
		m := rpc(t, ep, fs, fsproto.TagWrite, buf)
		if m.Val != 5 {
			t.Fatalf("write = %d, want 5", m.Val)
		}

		st := fsproto.ViewStat(buf)
		st.SetFileID(fsproto.ViewFd(openFD(t, ep, fs, buf, "/a/../x", fsproto.O_RDONLY)).FileID())
		m = rpc(t, ep, fs, fsproto.TagStat, buf)
		if m.Val != 0 {
			t.Fatalf("stat = %d", m.Val)
		}
		ret := fsproto.ViewStatRet(buf)
		if ret.Name() != "x" || ret.Size() != 5 {
			t.Fatalf("stat = %q size %d", ret.Name(), ret.Size())
		}
	})
}

func TestReadClampsCount(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		fd := fsproto.ViewFd(openFD(t, ep, fs, buf, "/f", fsproto.O_CREATE|fsproto.O_RDWR))

		content := bytes.Repeat([]byte{0x5a}, 5000)
		for off := 0; off < len(content); {
			wr := fsproto.ViewWrite(buf)
			wr.SetFileID(fd.FileID())
			n := wr.SetData(content[off:])
			m := rpc(t, ep, fs, fsproto.TagWrite, buf)
			if int(m.Val) != n {
				t.Fatalf("write = %d, want %d", m.Val, n)
			}
			off += n
		}

		// Reposition through the shared page and ask for far more than a
		// page; the server caps the transfer at one page.
		fd.SetOffset(0)
		rd := fsproto.ViewRead(buf)
		rd.SetFileID(fd.FileID())
		rd.SetN(9000)
		m := rpc(t, ep, fs, fsproto.TagRead, buf)
		if m.Val != fsproto.PageSize {
			t.Fatalf("read = %d, want %d", m.Val, fsproto.PageSize)
		}
		if fd.Offset() != fsproto.PageSize {
			t.Fatalf("offset = %d, want %d", fd.Offset(), fsproto.PageSize)
		}
		data := fsproto.ViewReadRet(buf).Data(int(m.Val))
		if !bytes.Equal(data, content[:fsproto.PageSize]) {
			t.Fatal("read data does not match written data")
		}
	})
}

func TestForgedFileID(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		rd := fsproto.ViewRead(buf)
		rd.SetFileID(9999)
		rd.SetN(16)
		m := rpc(t, ep, fs, fsproto.TagRead, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("read with forged ID = %d, want %v", m.Val, errno.Inval)
		}

		fl := fsproto.ViewFlush(buf)
		fl.SetFileID(9999)
		m = rpc(t, ep, fs, fsproto.TagFlush, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("flush with forged ID = %d, want %v", m.Val, errno.Inval)
		}
	})
}

func TestNegativeOffsetRejected(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		fd := fsproto.ViewFd(openFD(t, ep, fs, buf, "/f", fsproto.O_CREATE|fsproto.O_RDWR))

		fd.SetOffset(-5)
		rd := fsproto.ViewRead(buf)
		rd.SetFileID(fd.FileID())
		rd.SetN(4)
		m := rpc(t, ep, fs, fsproto.TagRead, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("read at negative offset = %d, want %v", m.Val, errno.Inval)
		}

		wr := fsproto.ViewWrite(buf)
		wr.SetFileID(fd.FileID())
		wr.SetData([]byte("zz"))
		m = rpc(t, ep, fs, fsproto.TagWrite, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("write at negative offset = %d, want %v", m.Val, errno.Inval)
		}
	})
}

func TestSizeLimits(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		fd := fsproto.ViewFd(openFD(t, ep, fs, buf, "/f", fsproto.O_CREATE|fsproto.O_RDWR))

		sz := fsproto.ViewSetSize(buf)
		sz.SetFileID(fd.FileID())
		sz.SetSize(-1)
		m := rpc(t, ep, fs, fsproto.TagSetSize, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("negative set_size = %d, want %v", m.Val, errno.Inval)
		}

		sz.SetFileID(fd.FileID())
		sz.SetSize(maxFileSize + 1)
		m = rpc(t, ep, fs, fsproto.TagSetSize, buf)
		if errno.FromWire(m.Val) != errno.NoDisk {
			t.Fatalf("oversized set_size = %d, want %v", m.Val, errno.NoDisk)
		}

		fd.SetOffset(maxFileSize - 2)
		wr := fsproto.ViewWrite(buf)
		wr.SetFileID(fd.FileID())
		wr.SetData([]byte("abcdefgh"))
		m = rpc(t, ep, fs, fsproto.TagWrite, buf)
		if errno.FromWire(m.Val) != errno.NoDisk {
			t.Fatalf("write across the size limit = %d, want %v", m.Val, errno.NoDisk)
		}
	})
}

func TestReclaim(t *testing.T) {
	withServer(t, func(ep *ipc.Endpoint, fs ipc.EnvID) {
		buf := new(ipc.Page)
		fd1 := fsproto.ViewFd(openFD(t, ep, fs, buf, "/f", fsproto.O_CREATE|fsproto.O_RDWR))
		fd2 := fsproto.ViewFd(openFD(t, ep, fs, buf, "/f", fsproto.O_RDONLY))
		id1, id2 := fd1.FileID(), fd2.FileID()

		// Close the first descriptor the way the client library does:
		// mark the page dead, then flush.
		fl := fsproto.ViewFlush(buf)
		fl.SetFileID(id1)
		fd1.SetDevID(0)
		m := rpc(t, ep, fs, fsproto.TagFlush, buf)
		if m.Val != 0 {
			t.Fatalf("closing flush = %d", m.Val)
		}

		// Any later open sweeps dead descriptors.
		openFD(t, ep, fs, buf, "/f", fsproto.O_RDONLY)

		rd := fsproto.ViewRead(buf)
		rd.SetFileID(id1)
		rd.SetN(4)
		m = rpc(t, ep, fs, fsproto.TagRead, buf)
		if errno.FromWire(m.Val) != errno.Inval {
			t.Fatalf("read on reclaimed descriptor = %d, want %v", m.Val, errno.Inval)
		}

		rd.SetFileID(id2)
		rd.SetN(4)
		m = rpc(t, ep, fs, fsproto.TagRead, buf)
		if m.Val < 0 {
			t.Fatalf("read on live descriptor failed: %v", errno.FromWire(m.Val))
		}
	})
}

func TestResize(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6}
	b = resize(b, 3)
	if !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("shrink = %v", b)
	}
	// Growing back within capacity must not resurrect old bytes.
	b = resize(b, 5)
	if !bytes.Equal(b, []byte{1, 2, 3, 0, 0}) {
		t.Fatalf("regrow = %v", b)
	}
	b = resize(b, 8)
	if !bytes.Equal(b, []byte{1, 2, 3, 0, 0, 0, 0, 0}) {
		t.Fatalf("grow = %v", b)
	}
}
