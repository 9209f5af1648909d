package fsclient

import (
	"github.com/koan-os/koan/pkg/errno"
	"github.com/koan-os/koan/pkg/fsproto"
	"github.com/koan-os/koan/pkg/ipc"
)

// File is an open descriptor. It stays valid until Close releases its
// slot; operations on a closed File fail with Inval even if the slot
// has since been reused.
type File struct {
	c   *Client
	num int
	pg  *ipc.Page
}

// Fd returns the descriptor's slot number.
func (f *File) Fd() int {
	return f.num
}

// view returns the descriptor page, checking that this File still owns
// its slot.
func (f *File) view() (fsproto.Fd, error) {
	if f.pg == nil || f.c.fds[f.num] != f.pg {
		return fsproto.Fd{}, errno.Inval
	}
	return fsproto.ViewFd(f.pg), nil
}

// Offset returns the descriptor's file offset. The server advances it
// while serving reads and writes, so the value reflects consumed
// requests without any extra traffic.
func (f *File) Offset() (int32, error) {
	fd, err := f.view()
	if err != nil {
		return 0, err
	}
	return fd.Offset(), nil
}

// Seek repositions the descriptor's file offset. Seeking past the end
// of the file is allowed; a later read there returns no bytes. No
// server traffic is involved.
func (f *File) Seek(offset int32) error {
	fd, err := f.view()
	if err != nil {
		return err
	}
	fd.SetOffset(offset)
	return nil
}

// Read reads up to len(b) bytes from the descriptor's current offset.
// At end of file it returns 0 with a nil error. A single request moves
// at most a page of data.
func (f *File) Read(b []byte) (int, error) {
	fd, err := f.view()
	if err != nil {
		return 0, err
	}
	if fd.Mode().Access() == fsproto.O_WRONLY {
		f.c.log.Debugf("read fd %d: bad mode", f.num)
		return 0, errno.Inval
	}
	req := fsproto.ViewRead(f.c.buf)
	req.SetFileID(fd.FileID())
	req.SetN(uint32(len(b)))
	r, _, err := f.c.fsipc(fsproto.TagRead)
	if err != nil {
		return 0, err
	}
	return copy(b, fsproto.ViewReadRet(f.c.buf).Data(int(r))), nil
}

// Write writes b at the descriptor's current offset and returns the
// number of bytes accepted by the server. A single request carries at
// most WritePayloadMax bytes; longer slices are truncated, not split.
func (f *File) Write(b []byte) (int, error) {
	fd, err := f.view()
	if err != nil {
		return 0, err
	}
	if fd.Mode().Access() == fsproto.O_RDONLY {
		f.c.log.Debugf("write fd %d: bad mode", f.num)
		return 0, errno.Inval
	}
	req := fsproto.ViewWrite(f.c.buf)
	req.SetFileID(fd.FileID())
	req.SetData(b)
	r, _, err := f.c.fsipc(fsproto.TagWrite)
	if err != nil {
		return 0, err
	}
	return int(r), nil
}

// Stat returns the file's name, size and kind.
func (f *File) Stat() (fsproto.Stat, error) {
	fd, err := f.view()
	if err != nil {
		return fsproto.Stat{}, err
	}
	req := fsproto.ViewStat(f.c.buf)
	req.SetFileID(fd.FileID())
	if _, _, err := f.c.fsipc(fsproto.TagStat); err != nil {
		return fsproto.Stat{}, err
	}
	return fsproto.ViewStatRet(f.c.buf).Stat(), nil
}

// Truncate sets the file's size. Growing a file zero-fills the new
// bytes.
func (f *File) Truncate(size int32) error {
	fd, err := f.view()
	if err != nil {
		return err
	}
	if fd.Mode().Access() == fsproto.O_RDONLY {
		f.c.log.Debugf("truncate fd %d: bad mode", f.num)
		return errno.Inval
	}
	req := fsproto.ViewSetSize(f.c.buf)
	req.SetFileID(fd.FileID())
	req.SetSize(size)
	_, _, err = f.c.fsipc(fsproto.TagSetSize)
	return err
}

// Flush asks the server to write the file's dirty state back. The
// descriptor stays open.
func (f *File) Flush() error {
	fd, err := f.view()
	if err != nil {
		return err
	}
	req := fsproto.ViewFlush(f.c.buf)
	req.SetFileID(fd.FileID())
	_, _, err = f.c.fsipc(fsproto.TagFlush)
	return err
}

// Close flushes the file and releases the descriptor slot. The
// descriptor page is marked dead before the flush goes out, which is
// what lets the server reclaim its side of the descriptor. The slot is
// released even when the flush fails, and the flush error is returned.
func (f *File) Close() error {
	fd, err := f.view()
	if err != nil {
		return err
	}
	req := fsproto.ViewFlush(f.c.buf)
	req.SetFileID(fd.FileID())
	fd.SetDevID(0)
	_, _, err = f.c.fsipc(fsproto.TagFlush)
	f.c.fds[f.num] = nil
	return err
}
